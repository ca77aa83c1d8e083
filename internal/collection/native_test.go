// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package collection_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtm-copilot/gtm-copilot/internal/collection"
	"github.com/gtm-copilot/gtm-copilot/internal/store"
	"github.com/gtm-copilot/gtm-copilot/internal/store/sqlite"
	"github.com/gtm-copilot/gtm-copilot/pkg/vector"
)

func newSQLiteManager(t *testing.T) *collection.Manager {
	t.Helper()
	cat, err := sqlite.NewCatalog(t.TempDir())
	require.NoError(t, err)
	m := collection.NewManager(cat, collection.Options{Mode: collection.ModeNative, MergeInterval: time.Hour})
	t.Cleanup(func() {
		_ = m.Close()
		_ = cat.Close()
	})
	return m
}

func TestCollection_NativeModeSQLite(t *testing.T) {
	ctx := context.Background()
	m := newSQLiteManager(t)

	c, err := m.Create(ctx, l2Spec("accounts", 3))
	require.NoError(t, err)
	for id, v := range map[string][]float32{"1": {0, 0, 0}, "2": {1, 0, 0}, "3": {2, 0, 0}} {
		_, err := c.Put(ctx, id, v, vector.Metadata{"tier": vector.String("smb")})
		require.NoError(t, err)
	}

	res, err := c.Search(ctx, collection.SearchRequest{Vector: []float32{0, 0, 0}, K: 2})
	require.NoError(t, err)
	assert.True(t, res.Native)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, "1", res.Hits[0].ID)
	assert.InDelta(t, 0.0, res.Hits[0].Distance, 1e-6)
	assert.Equal(t, "2", res.Hits[1].ID)
	assert.InDelta(t, 1.0, res.Hits[1].Distance, 1e-6)
	assert.Equal(t, "smb", res.Hits[0].Metadata["tier"].Any())

	// Equal distances come back ordered by id.
	_, err = c.Put(ctx, "0b", []float32{0, 1, 0}, nil)
	require.NoError(t, err)
	_, err = c.Put(ctx, "0a", []float32{0, -1, 0}, nil)
	require.NoError(t, err)
	deleted, err := c.Delete(ctx, "1")
	require.NoError(t, err)
	require.True(t, deleted)

	res, err = c.Search(ctx, collection.SearchRequest{Vector: []float32{0, 0, 0}, K: 3})
	require.NoError(t, err)
	assert.True(t, res.Native)
	assert.Equal(t, []string{"0a", "0b", "2"}, hitIDs(res.Hits))
}

func TestCollection_NativeModeSQLiteFallsBackForDot(t *testing.T) {
	ctx := context.Background()
	m := newSQLiteManager(t)

	c, err := m.Create(ctx, store.CollectionSpec{Name: "dot", Dimension: 2, Metric: vector.MetricDot})
	require.NoError(t, err)
	_, err = c.Put(ctx, "far", []float32{1, 0}, nil)
	require.NoError(t, err)
	_, err = c.Put(ctx, "near", []float32{3, 0}, nil)
	require.NoError(t, err)

	res, err := c.Search(ctx, collection.SearchRequest{Vector: []float32{1, 0}, K: 1, Consistency: strong()})
	require.NoError(t, err)
	assert.False(t, res.Native)
	assert.Equal(t, []string{"near"}, hitIDs(res.Hits))
}

func hitIDs(hits []vector.Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.ID
	}
	return out
}
