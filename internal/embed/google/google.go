// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

// Package google embeds text with the Gemini embedding models.
package google

import (
	"context"

	"google.golang.org/genai"

	"github.com/gtm-copilot/gtm-copilot/internal/embed"
	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
	"github.com/gtm-copilot/gtm-copilot/pkg/health"
)

const name = "google"

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-embedding-001"

func init() {
	embed.Register(name, func(cfg embed.Config) (embed.Provider, error) {
		return New(cfg)
	})
}

// Provider implements embed.Provider using the Gemini API.
type Provider struct {
	client *genai.Client
	model  string
	dims   int
	health *embed.HealthTracker
}

// New creates a Google embedder. Returns an error if the API key is missing.
func New(cfg embed.Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, cperr.New(cperr.CodeEmbedRequestInvalid, "google: missing api_key in config", cperr.FieldProvider(name))
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, cperr.Wrapf(err, cperr.CodeEmbedUpstreamFailure, "google: creating client")
	}

	h, err := embed.NewHealthTracker(embed.DefaultHealthCooldown)
	if err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &Provider{client: client, model: model, dims: cfg.Dimensions, health: h}, nil
}

func (p *Provider) Name() string    { return name }
func (p *Provider) Dimensions() int { return p.dims }

func (p *Provider) Available(_ context.Context) bool { return p.health.IsHealthy() }

func (p *Provider) HealthMetrics() health.Metrics { return p.health.HealthMetrics() }

func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	cfg := &genai.EmbedContentConfig{TaskType: "RETRIEVAL_DOCUMENT"}
	if p.dims > 0 {
		d := int32(p.dims)
		cfg.OutputDimensionality = &d
	}

	resp, err := p.client.Models.EmbedContent(ctx, p.model, contents, cfg)
	if err != nil {
		p.health.RecordFailure()
		return nil, cperr.Wrap(err, cperr.CodeEmbedUpstreamFailure, "google: embedding content", cperr.FieldProvider(name))
	}

	out := make([][]float32, 0, len(resp.Embeddings))
	for _, e := range resp.Embeddings {
		if e == nil {
			out = append(out, nil)
			continue
		}
		out = append(out, e.Values)
	}
	if err := p.health.Observe(embed.CheckBatch(name, len(texts), out)); err != nil {
		return nil, err
	}
	return out, nil
}
