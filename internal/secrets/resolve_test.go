// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package secrets_test

import (
	"testing"

	"github.com/gtm-copilot/gtm-copilot/internal/secrets"
	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsKeyringURI(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  bool
	}{
		{"valid URI", "keyring://gtm-copilot/openai-api-key", true},
		{"valid URI with dashes", "keyring://my-svc/my-key", true},
		{"env var reference", "${OPENAI_API_KEY}", false},
		{"literal value", "sk-abc123", false},
		{"empty string", "", false},
		{"just scheme", "keyring://", true},
		{"other scheme", "vault://secret/key", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := secrets.IsKeyringURI(tt.value)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseKeyringURI(t *testing.T) {
	tests := []struct {
		name        string
		uri         string
		wantService string
		wantKey     string
		wantErr     bool
	}{
		{"valid", "keyring://gtm-copilot/api-key", "gtm-copilot", "api-key", false},
		{"dashes", "keyring://my-service/my-key-name", "my-service", "my-key-name", false},
		{"slashes in key", "keyring://gtm-copilot/path/to/key", "gtm-copilot", "path/to/key", false},
		{"not a keyring URI", "vault://secret/key", "", "", true},
		{"missing key", "keyring://gtm-copilot/", "", "", true},
		{"missing service", "keyring:///key", "", "", true},
		{"missing both", "keyring://", "", "", true},
		{"no path", "keyring://gtm-copilot", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, key, err := secrets.ParseKeyringURI(tt.uri)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, cperr.HasCode(err, cperr.CodeSecretURIInvalid))
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantService, svc)
				assert.Equal(t, tt.wantKey, key)
			}
		})
	}
}

func TestResolveKeyringURI(t *testing.T) {
	ks := secrets.NewKeyringStore()
	require.NoError(t, ks.Store("gtm-copilot", "test-key", "resolved-secret"))

	t.Run("resolves keyring URI", func(t *testing.T) {
		val, err := secrets.ResolveKeyringURI(ks, "keyring://gtm-copilot/test-key")
		require.NoError(t, err)
		assert.Equal(t, "resolved-secret", val)
	})

	t.Run("passes through non-keyring values", func(t *testing.T) {
		val, err := secrets.ResolveKeyringURI(ks, "literal-value")
		require.NoError(t, err)
		assert.Equal(t, "literal-value", val)
	})

	t.Run("passes through env var references", func(t *testing.T) {
		val, err := secrets.ResolveKeyringURI(ks, "${ENV_VAR}")
		require.NoError(t, err)
		assert.Equal(t, "${ENV_VAR}", val)
	})

	t.Run("error on missing secret", func(t *testing.T) {
		_, err := secrets.ResolveKeyringURI(ks, "keyring://gtm-copilot/nonexistent")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "resolving keyring URI")
	})

	t.Run("error on malformed URI", func(t *testing.T) {
		_, err := secrets.ResolveKeyringURI(ks, "keyring://bad")
		require.Error(t, err)
	})
}

func TestResolveViperSecrets(t *testing.T) {
	ks := secrets.NewKeyringStore()
	require.NoError(t, ks.Store("gtm-copilot", "openai-api-key", "sk-oai-secret"))
	require.NoError(t, ks.Store("gtm-copilot", "postgres-dsn", "postgres://copilot:pw@db/copilot"))

	v := viper.New()
	v.Set("embedding.api_key", "keyring://gtm-copilot/openai-api-key")
	v.Set("storage.postgres.dsn", "keyring://gtm-copilot/postgres-dsn")
	v.Set("networking.listen", "127.0.0.1:8000") // non-keyring value
	v.Set("storage.backend", "postgres")

	require.NoError(t, secrets.ResolveViperSecrets(v, ks))

	assert.Equal(t, "sk-oai-secret", v.GetString("embedding.api_key"))
	assert.Equal(t, "postgres://copilot:pw@db/copilot", v.GetString("storage.postgres.dsn"))
	assert.Equal(t, "127.0.0.1:8000", v.GetString("networking.listen"))
	assert.Equal(t, "postgres", v.GetString("storage.backend"))
}

func TestResolveViperSecrets_MissingSecretReturnsError(t *testing.T) {
	ks := secrets.NewKeyringStore()

	v := viper.New()
	v.Set("embedding.api_key", "keyring://gtm-copilot/nonexistent-key")

	err := secrets.ResolveViperSecrets(v, ks)

	// The message identifies the unresolved key.
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding.api_key")
	assert.Contains(t, err.Error(), "keyring://gtm-copilot/nonexistent-key")
}
