// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package memory_test

import (
	"context"
	"testing"

	"github.com/gtm-copilot/gtm-copilot/internal/store"
	"github.com/gtm-copilot/gtm-copilot/internal/store/memory"
	"github.com/gtm-copilot/gtm-copilot/internal/store/storetest"
	"github.com/gtm-copilot/gtm-copilot/pkg/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackend(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Catalog { return memory.NewCatalog() })
}

func TestMemoryBackend_Registered(t *testing.T) {
	cat, err := store.NewCatalog(&store.StorageConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &memory.Catalog{}, cat)
	assert.Contains(t, store.Backends(), "memory")
}

func TestMemoryBackend_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	es := memory.NewEmbeddingStore(store.CollectionSpec{Name: "c", Dimension: 2}.WithDefaults())

	in := []float32{1, 2}
	_, err := es.Put(ctx, "a", in, nil)
	require.NoError(t, err)
	in[0] = 99

	rec, err := es.Get(ctx, "a")
	require.NoError(t, err)
	rec.Vector[1] = 42

	again, err := es.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, again.Vector)
	assert.Equal(t, vector.Metadata{}, again.Metadata)
}

func TestMemoryBackend_CancelledScan(t *testing.T) {
	es := memory.NewEmbeddingStore(store.CollectionSpec{Name: "c", Dimension: 1}.WithDefaults())
	_, err := es.Put(context.Background(), "a", []float32{1}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var gotErr error
	for _, err := range es.Scan(ctx, 0) {
		gotErr = err
	}
	assert.ErrorIs(t, gotErr, context.Canceled)
}
