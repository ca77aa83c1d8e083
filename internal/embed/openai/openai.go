// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

// Package openai embeds text with the OpenAI embeddings API.
package openai

import (
	"context"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/gtm-copilot/gtm-copilot/internal/embed"
	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
	"github.com/gtm-copilot/gtm-copilot/pkg/health"
)

const name = "openai"

// DefaultModel is used when no model is configured.
const DefaultModel = openaisdk.EmbeddingModelTextEmbedding3Small

func init() {
	embed.Register(name, func(cfg embed.Config) (embed.Provider, error) {
		return New(cfg)
	})
}

// Provider implements embed.Provider.
type Provider struct {
	client openaisdk.Client
	model  string
	dims   int
	health *embed.HealthTracker
}

// New creates an OpenAI embedder. Returns an error if the API key is
// missing.
func New(cfg embed.Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, cperr.New(cperr.CodeEmbedRequestInvalid, "openai: missing api_key in config", cperr.FieldProvider(name))
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	h, err := embed.NewHealthTracker(embed.DefaultHealthCooldown)
	if err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		model = string(DefaultModel)
	}
	return &Provider{
		client: openaisdk.NewClient(opts...),
		model:  model,
		dims:   cfg.Dimensions,
		health: h,
	}, nil
}

func (p *Provider) Name() string    { return name }
func (p *Provider) Dimensions() int { return p.dims }

func (p *Provider) Available(_ context.Context) bool { return p.health.IsHealthy() }

func (p *Provider) HealthMetrics() health.Metrics { return p.health.HealthMetrics() }

func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	params := openaisdk.EmbeddingNewParams{
		Input:          openaisdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model:          openaisdk.EmbeddingModel(p.model),
		EncodingFormat: openaisdk.EmbeddingNewParamsEncodingFormatFloat,
	}
	if p.dims > 0 {
		params.Dimensions = openaisdk.Int(int64(p.dims))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		p.health.RecordFailure()
		return nil, cperr.Wrap(err, cperr.CodeEmbedUpstreamFailure, "openai: creating embeddings", cperr.FieldProvider(name))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, p.health.Observe(cperr.Errorf(cperr.CodeEmbedResponseInvalid,
				"openai: embedding index %d out of range", d.Index))
		}
		v, err := embed.Float32s(name, d.Embedding)
		if err != nil {
			return nil, p.health.Observe(err)
		}
		out[d.Index] = v
	}
	if err := p.health.Observe(embed.CheckBatch(name, len(texts), out)); err != nil {
		return nil, err
	}
	return out, nil
}
