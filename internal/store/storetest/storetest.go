// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

// Package storetest holds the behavioural suite every storage backend must
// pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/gtm-copilot/gtm-copilot/internal/store"
	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
	"github.com/gtm-copilot/gtm-copilot/pkg/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewCatalogFunc opens a fresh, empty catalog for one subtest.
type NewCatalogFunc func(t *testing.T) store.Catalog

// Run exercises the Catalog and EmbeddingStore contracts.
func Run(t *testing.T, newCatalog NewCatalogFunc) {
	t.Helper()

	t.Run("CatalogLifecycle", func(t *testing.T) { testCatalogLifecycle(t, newCatalog(t)) })
	t.Run("PutGetRoundTrip", func(t *testing.T) { testPutGet(t, newCatalog(t)) })
	t.Run("DimensionMismatch", func(t *testing.T) { testDimensionMismatch(t, newCatalog(t)) })
	t.Run("DeleteTombstones", func(t *testing.T) { testDelete(t, newCatalog(t)) })
	t.Run("ScanOrderAndResume", func(t *testing.T) { testScan(t, newCatalog(t)) })
	t.Run("Compact", func(t *testing.T) { testCompact(t, newCatalog(t)) })
	t.Run("ConcurrentPutsHaveDistinctVersions", func(t *testing.T) { testConcurrentPuts(t, newCatalog(t)) })
}

// OpenCollection creates a collection and returns its store.
func OpenCollection(t *testing.T, cat store.Catalog, spec store.CollectionSpec) store.EmbeddingStore {
	t.Helper()
	ctx := context.Background()
	spec = spec.WithDefaults()
	require.NoError(t, cat.CreateCollection(ctx, spec))
	got, err := cat.GetCollection(ctx, spec.Name)
	require.NoError(t, err)
	es, err := cat.OpenEmbeddings(ctx, got)
	require.NoError(t, err)
	t.Cleanup(func() { _ = es.Close() })
	return es
}

// Collect drains a scan.
func Collect(t *testing.T, es store.EmbeddingStore, since uint64) []vector.Change {
	t.Helper()
	var out []vector.Change
	for ch, err := range es.Scan(context.Background(), since) {
		require.NoError(t, err)
		out = append(out, ch)
	}
	return out
}

func testCatalogLifecycle(t *testing.T, cat store.Catalog) {
	ctx := context.Background()
	require.NoError(t, cat.Ping(ctx))

	spec := store.CollectionSpec{Name: "accounts", Dimension: 3, Metric: vector.MetricL2}.WithDefaults()
	require.NoError(t, cat.CreateCollection(ctx, spec))

	err := cat.CreateCollection(ctx, spec)
	assert.True(t, cperr.IsConflict(err), "duplicate create must conflict: %v", err)

	got, err := cat.GetCollection(ctx, "accounts")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Dimension)
	assert.Equal(t, vector.MetricL2, got.Metric)
	assert.Equal(t, spec.MergeThreshold, got.MergeThreshold)

	require.NoError(t, cat.CreateCollection(ctx, store.CollectionSpec{Name: "contacts", Dimension: 8}.WithDefaults()))
	list, err := cat.ListCollections(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "accounts", list[0].Name)
	assert.Equal(t, "contacts", list[1].Name)

	require.NoError(t, cat.DropCollection(ctx, "accounts"))
	_, err = cat.GetCollection(ctx, "accounts")
	assert.True(t, cperr.IsNotFound(err))
	assert.True(t, cperr.IsNotFound(cat.DropCollection(ctx, "accounts")))

	err = cat.CreateCollection(ctx, store.CollectionSpec{Name: "bad name!", Dimension: 3}.WithDefaults())
	assert.True(t, cperr.IsInvalidInput(err))
}

func testPutGet(t *testing.T, cat store.Catalog) {
	ctx := context.Background()
	es := OpenCollection(t, cat, store.CollectionSpec{Name: "leads", Dimension: 3})

	md := vector.Metadata{"segment": vector.String("enterprise"), "score": vector.Number(0.75), "active": vector.Bool(true)}
	v1, err := es.Put(ctx, "lead-1", []float32{0.1, 0.2, 0.3}, md)
	require.NoError(t, err)
	assert.Positive(t, v1)

	rec, err := es.Get(ctx, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, "lead-1", rec.ID)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, rec.Vector)
	assert.True(t, md.Equal(rec.Metadata), "metadata round trip: %v", rec.Metadata)
	assert.GreaterOrEqual(t, rec.Version, v1)

	v2, err := es.Put(ctx, "lead-1", []float32{1, 1, 1}, nil)
	require.NoError(t, err)
	assert.Greater(t, v2, v1)

	rec, err = es.Get(ctx, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1, 1}, rec.Vector)
	assert.Empty(t, rec.Metadata)

	count, err := es.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = es.Get(ctx, "missing")
	assert.True(t, cperr.IsNotFound(err))

	_, err = es.Put(ctx, "", []float32{1, 2, 3}, nil)
	assert.True(t, cperr.IsInvalidInput(err))
}

func testDimensionMismatch(t *testing.T, cat store.Catalog) {
	ctx := context.Background()
	es := OpenCollection(t, cat, store.CollectionSpec{Name: "dims", Dimension: 3})

	_, err := es.Put(ctx, "x", []float32{1, 2, 3, 4}, nil)
	require.Error(t, err)
	assert.True(t, cperr.IsDimensionMismatch(err))

	wm, err := es.Watermark(ctx)
	require.NoError(t, err)
	assert.Zero(t, wm, "rejected write must not advance the version")
}

func testDelete(t *testing.T, cat store.Catalog) {
	ctx := context.Background()
	es := OpenCollection(t, cat, store.CollectionSpec{Name: "deletes", Dimension: 2})

	_, err := es.Put(ctx, "a", []float32{1, 0}, nil)
	require.NoError(t, err)
	before, err := es.Watermark(ctx)
	require.NoError(t, err)

	existed, err := es.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, existed)

	after, err := es.Watermark(ctx)
	require.NoError(t, err)
	assert.Greater(t, after, before)

	_, err = es.Get(ctx, "a")
	assert.True(t, cperr.IsNotFound(err))

	existed, err = es.Delete(ctx, "a")
	require.NoError(t, err)
	assert.False(t, existed)
	existed, err = es.Delete(ctx, "never")
	require.NoError(t, err)
	assert.False(t, existed)

	again, err := es.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, after, again, "deleting an absent id must not advance the version")

	changes := Collect(t, es, before)
	require.Len(t, changes, 1)
	assert.Equal(t, "a", changes[0].ID)
	assert.True(t, changes[0].Deleted)

	count, err := es.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func testScan(t *testing.T, cat store.Catalog) {
	ctx := context.Background()
	es := OpenCollection(t, cat, store.CollectionSpec{Name: "scan", Dimension: 2})

	for i := range 600 {
		_, err := es.Put(ctx, fmt.Sprintf("r-%03d", i), []float32{float32(i), 1}, nil)
		require.NoError(t, err)
	}
	_, err := es.Put(ctx, "r-000", []float32{-1, -1}, nil)
	require.NoError(t, err)

	all := Collect(t, es, 0)
	require.Len(t, all, 600, "scan yields only the latest state of each record")
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Version, all[i].Version)
	}
	last := all[len(all)-1]
	assert.Equal(t, "r-000", last.ID)
	assert.Equal(t, []float32{-1, -1}, last.Vector)

	wm, err := es.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, last.Version, wm)

	tail := Collect(t, es, all[299].Version)
	require.Len(t, tail, 300)
	assert.Equal(t, all[300].ID, tail[0].ID)

	assert.Empty(t, Collect(t, es, wm))

	n := 0
	for range es.Scan(ctx, 0) {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}

func testCompact(t *testing.T, cat store.Catalog) {
	ctx := context.Background()
	es := OpenCollection(t, cat, store.CollectionSpec{Name: "compact", Dimension: 2})

	_, err := es.Put(ctx, "keep", []float32{1, 1}, nil)
	require.NoError(t, err)
	_, err = es.Put(ctx, "gone", []float32{2, 2}, nil)
	require.NoError(t, err)
	_, err = es.Delete(ctx, "gone")
	require.NoError(t, err)
	wm, err := es.Watermark(ctx)
	require.NoError(t, err)

	require.NoError(t, es.Compact(ctx, wm))

	changes := Collect(t, es, 0)
	require.Len(t, changes, 1)
	assert.Equal(t, "keep", changes[0].ID)
	assert.False(t, changes[0].Deleted)

	after, err := es.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, wm, after, "compaction must not rewind the version")

	v, err := es.Put(ctx, "gone", []float32{3, 3}, nil)
	require.NoError(t, err)
	assert.Greater(t, v, wm)
}

func testConcurrentPuts(t *testing.T, cat store.Catalog) {
	ctx := context.Background()
	es := OpenCollection(t, cat, store.CollectionSpec{Name: "concurrent", Dimension: 2})

	const workers, each = 8, 25
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		versions = make(map[uint64]bool)
	)
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range each {
				v, err := es.Put(ctx, fmt.Sprintf("w%d-%d", w, i), []float32{float32(w + 1), float32(i)}, nil)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				versions[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, versions, workers*each)
	wm, err := es.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(workers*each), wm)
	assert.Len(t, Collect(t, es, 0), workers*each)
}
