// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gtm-copilot/gtm-copilot/internal/embed"
	"github.com/gtm-copilot/gtm-copilot/internal/embed/openai"
	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type embeddingRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions"`
}

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := openai.New(embed.Config{})
	require.Error(t, err)
	assert.True(t, cperr.IsInvalidInput(err))
}

func TestEmbed(t *testing.T) {
	var got embeddingRequest
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/embeddings"))
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		// Out of order on purpose: results are placed by index.
		_, _ = w.Write([]byte(`{
			"object": "list",
			"model": "text-embedding-3-small",
			"data": [
				{"object": "embedding", "index": 1, "embedding": [0.0, 1.0]},
				{"object": "embedding", "index": 0, "embedding": [1.0, 0.5]}
			],
			"usage": {"prompt_tokens": 4, "total_tokens": 4}
		}`))
	})

	p, err := openai.New(embed.Config{APIKey: "sk-test", BaseURL: srv.URL, Dimensions: 2})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, 2, p.Dimensions())

	vecs, err := p.Embed(context.Background(), []string{"acme renewal", "bolt churn"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0.5}, {0, 1}}, vecs)

	assert.Equal(t, []string{"acme renewal", "bolt churn"}, got.Input)
	assert.Equal(t, "text-embedding-3-small", got.Model)
	assert.Equal(t, 2, got.Dimensions)
	assert.True(t, p.Available(context.Background()))
}

func TestEmbed_UpstreamErrorMarksUnhealthy(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "bad model", "type": "invalid_request_error"}}`))
	})

	p, err := openai.New(embed.Config{APIKey: "sk-test", BaseURL: srv.URL, Model: "nope"})
	require.NoError(t, err)

	_, err = p.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.True(t, cperr.IsUpstreamFailure(err))
	assert.Equal(t, 502, cperr.HTTPStatus(err))
	assert.False(t, p.Available(context.Background()))
	assert.Equal(t, int64(1), p.HealthMetrics().FailureCount)
}

func TestEmbed_ShortBatchIsInvalid(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"m","data":[{"object":"embedding","index":0,"embedding":[1]}],"usage":{"prompt_tokens":1,"total_tokens":1}}`))
	})

	p, err := openai.New(embed.Config{APIKey: "sk-test", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = p.Embed(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.True(t, cperr.HasCode(err, cperr.CodeEmbedResponseInvalid))
}

func TestRegistered(t *testing.T) {
	p, err := embed.New(embed.Config{Provider: "openai", APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
}
