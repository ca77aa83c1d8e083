// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package store_test

import (
	"testing"

	"github.com/gtm-copilot/gtm-copilot/internal/store"
	_ "github.com/gtm-copilot/gtm-copilot/internal/store/memory" // register memory backend
	_ "github.com/gtm-copilot/gtm-copilot/internal/store/sqlite" // register sqlite backend
	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCatalog_SQLite(t *testing.T) {
	cat, err := store.NewCatalog(&store.StorageConfig{Backend: "sqlite", DataDir: t.TempDir()})
	require.NoError(t, err)
	assert.NotNil(t, cat)
	require.NoError(t, cat.Close())
}

func TestNewCatalog_DefaultsToSQLite(t *testing.T) {
	cat, err := store.NewCatalog(&store.StorageConfig{DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, cat.Close())
}

func TestNewCatalog_UnknownBackend(t *testing.T) {
	_, err := store.NewCatalog(&store.StorageConfig{Backend: "unknown"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown")
	assert.True(t, cperr.HasCode(err, cperr.CodeStoreBackendUnsupported))
}

func TestBackends(t *testing.T) {
	names := store.Backends()
	assert.Contains(t, names, "memory")
	assert.Contains(t, names, "sqlite")
}
