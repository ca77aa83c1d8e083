// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

// Package embed turns text into vectors through a hosted embedding model.
package embed

import (
	"context"
	"math"
	"sort"
	"sync"

	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
	"github.com/gtm-copilot/gtm-copilot/pkg/health"
)

// Provider is an embedding model endpoint.
type Provider interface {
	Name() string
	// Dimensions is the length of the vectors Embed returns, or 0 when
	// the model decides.
	Dimensions() int
	// Embed returns one vector per text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Available(ctx context.Context) bool
	HealthMetrics() health.Metrics
}

// Config selects and configures a provider.
type Config struct {
	Provider   string
	Model      string
	APIKey     string
	BaseURL    string // optional, useful for proxies and tests
	Dimensions int
}

// Factory builds a provider from its configuration.
type Factory func(Config) (Provider, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register makes a provider available by name. Provider packages call it
// from init.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Providers returns the registered provider names in sorted order.
func Providers() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New builds the configured provider. An empty provider name returns
// (nil, nil): text embedding is disabled.
func New(cfg Config) (Provider, error) {
	if cfg.Provider == "" {
		return nil, nil
	}
	factoriesMu.RLock()
	f, ok := factories[cfg.Provider]
	factoriesMu.RUnlock()
	if !ok {
		return nil, cperr.New(cperr.CodeEmbedProviderNotFound, "unknown embedding provider: "+cfg.Provider,
			cperr.FieldProvider(cfg.Provider))
	}
	return f(cfg)
}

// Text embeds a single text.
func Text(ctx context.Context, p Provider, text string) ([]float32, error) {
	if text == "" {
		return nil, cperr.New(cperr.CodeEmbedRequestInvalid, "text must not be empty",
			cperr.FieldProvider(p.Name()))
	}
	vecs, err := p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Float32s narrows a float64 embedding, rejecting values that do not
// survive the conversion.
func Float32s(provider string, in []float64) ([]float32, error) {
	out := make([]float32, len(in))
	for i, f := range in {
		v := float32(f)
		if math.IsNaN(f) || math.IsInf(float64(v), 0) {
			return nil, cperr.Errorf(cperr.CodeEmbedResponseInvalid,
				"%s: embedding component %d is not a finite float32", provider, i)
		}
		out[i] = v
	}
	return out, nil
}

// CheckBatch verifies a provider returned one vector per input.
func CheckBatch(provider string, want int, got [][]float32) error {
	if len(got) != want {
		return cperr.Errorf(cperr.CodeEmbedResponseInvalid,
			"%s: expected %d embeddings, got %d", provider, want, len(got))
	}
	for i, v := range got {
		if len(v) == 0 {
			return cperr.Errorf(cperr.CodeEmbedResponseInvalid, "%s: embedding %d is empty", provider, i)
		}
	}
	return nil
}
