// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package collection_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gtm-copilot/gtm-copilot/internal/collection"
	"github.com/gtm-copilot/gtm-copilot/internal/consistency"
	"github.com/gtm-copilot/gtm-copilot/internal/index"
	"github.com/gtm-copilot/gtm-copilot/internal/query"
	"github.com/gtm-copilot/gtm-copilot/internal/store"
	"github.com/gtm-copilot/gtm-copilot/internal/store/memory"
	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
	"github.com/gtm-copilot/gtm-copilot/pkg/health"
	"github.com/gtm-copilot/gtm-copilot/pkg/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, opts collection.Options) (*collection.Manager, *memory.Catalog) {
	t.Helper()
	cat := memory.NewCatalog()
	if opts.MergeInterval == 0 {
		opts.MergeInterval = time.Hour
	}
	m := collection.NewManager(cat, opts)
	t.Cleanup(func() { _ = m.Close() })
	return m, cat
}

func l2Spec(name string, dim int) store.CollectionSpec {
	return store.CollectionSpec{Name: name, Dimension: dim, Metric: vector.MetricL2}
}

func strong() consistency.Requirement {
	return consistency.Requirement{Level: consistency.Strong}
}

func TestManager_CreateGetList(t *testing.T) {
	m, _ := newManager(t, collection.Options{DefaultMergeThreshold: 7})
	ctx := context.Background()

	c, err := m.Create(ctx, l2Spec("accounts", 3))
	require.NoError(t, err)
	assert.Equal(t, "accounts", c.Name())
	assert.Equal(t, 7, c.Spec().MergeThreshold)

	again, err := m.Get(ctx, "accounts")
	require.NoError(t, err)
	assert.Same(t, c, again)

	_, err = m.Create(ctx, l2Spec("accounts", 3))
	require.Error(t, err)
	assert.True(t, cperr.HasCode(err, cperr.CodeCollectionCreateConflict))
	assert.Equal(t, 409, cperr.HTTPStatus(err))

	_, err = m.Create(ctx, l2Spec("notes", 4))
	require.NoError(t, err)
	specs, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "accounts", specs[0].Name)
	assert.Equal(t, "notes", specs[1].Name)
	assert.Equal(t, []string{"accounts", "notes"}, m.Open())
}

func TestManager_Validation(t *testing.T) {
	m, _ := newManager(t, collection.Options{})
	ctx := context.Background()

	for _, spec := range []store.CollectionSpec{
		{Name: "", Dimension: 3},
		{Name: "bad name", Dimension: 3},
		{Name: "ok", Dimension: 0},
		{Name: "ok", Dimension: 3, Metric: "hamming"},
	} {
		_, err := m.Create(ctx, spec)
		require.Error(t, err, "%+v", spec)
		assert.True(t, cperr.IsInvalidInput(err), "%+v: %v", spec, err)
	}
}

func TestManager_CollectionNotFound(t *testing.T) {
	m, _ := newManager(t, collection.Options{})
	ctx := context.Background()

	_, err := m.Get(ctx, "ghost")
	require.Error(t, err)
	assert.True(t, cperr.HasCode(err, cperr.CodeCollectionGetNotFound))
	assert.Equal(t, 404, cperr.HTTPStatus(err))

	err = m.Drop(ctx, "ghost")
	assert.True(t, cperr.HasCode(err, cperr.CodeCollectionGetNotFound))
}

func TestManager_Drop(t *testing.T) {
	m, _ := newManager(t, collection.Options{})
	ctx := context.Background()

	c, err := m.Create(ctx, l2Spec("tmp", 2))
	require.NoError(t, err)
	_, err = c.Put(ctx, "a", []float32{1, 1}, nil)
	require.NoError(t, err)

	require.NoError(t, m.Drop(ctx, "tmp"))
	_, err = m.Get(ctx, "tmp")
	assert.True(t, cperr.HasCode(err, cperr.CodeCollectionGetNotFound))

	c, err = m.Create(ctx, l2Spec("tmp", 2))
	require.NoError(t, err)
	_, err = c.Get(ctx, "a")
	assert.True(t, cperr.IsNotFound(err), "recreated collection starts empty")
}

func TestManager_EnsureConfigured(t *testing.T) {
	m, _ := newManager(t, collection.Options{})
	ctx := context.Background()

	declared := []store.CollectionSpec{l2Spec("accounts", 3), l2Spec("contacts", 8)}
	require.NoError(t, m.EnsureConfigured(ctx, declared))
	require.NoError(t, m.EnsureConfigured(ctx, declared), "idempotent")

	specs, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, specs, 2)

	err = m.EnsureConfigured(ctx, []store.CollectionSpec{l2Spec("accounts", 4)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accounts")
}

func TestManager_OpenLoadsExistingRecords(t *testing.T) {
	cat := memory.NewCatalog()
	ctx := context.Background()
	spec := l2Spec("accounts", 1).WithDefaults()
	require.NoError(t, cat.CreateCollection(ctx, spec))
	es, err := cat.OpenEmbeddings(ctx, spec)
	require.NoError(t, err)
	for i := range 5 {
		_, err := es.Put(ctx, fmt.Sprintf("r%d", i), []float32{float32(i)}, nil)
		require.NoError(t, err)
	}

	m := collection.NewManager(cat, collection.Options{MergeInterval: time.Hour})
	t.Cleanup(func() { _ = m.Close() })
	c, err := m.Get(ctx, "accounts")
	require.NoError(t, err)

	stats, err := c.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Records)
	assert.Equal(t, 5, stats.Index.SnapshotRecords)
	assert.Equal(t, uint64(5), stats.Index.Watermark)
}

func TestManager_RebuildAll(t *testing.T) {
	m, _ := newManager(t, collection.Options{RebuildParallelism: 1})
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		c, err := m.Create(ctx, l2Spec(name, 1))
		require.NoError(t, err)
		_, err = c.Put(ctx, "x", []float32{1}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, m.RebuildAll(ctx))

	for _, name := range []string{"a", "b", "c"} {
		c, err := m.Get(ctx, name)
		require.NoError(t, err)
		stats, err := c.Summary(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Index.SnapshotRecords, name)
	}
}

func TestManager_CloseRejectsNewOpens(t *testing.T) {
	m, cat := newManager(t, collection.Options{})
	ctx := context.Background()
	require.NoError(t, cat.CreateCollection(ctx, l2Spec("late", 1)))
	require.NoError(t, m.Close())

	_, err := m.Get(ctx, "late")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrClosed)
}

func TestCollection_SpecExample(t *testing.T) {
	m, _ := newManager(t, collection.Options{})
	ctx := context.Background()
	c, err := m.Create(ctx, l2Spec("example", 3))
	require.NoError(t, err)

	for i, v := range [][]float32{{0, 0, 0}, {1, 0, 0}, {2, 0, 0}} {
		_, err := c.Put(ctx, fmt.Sprint(i+1), v, nil)
		require.NoError(t, err)
	}

	res, err := c.Search(ctx, collection.SearchRequest{Vector: []float32{0, 0, 0}, K: 2, Consistency: strong()})
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, "1", res.Hits[0].ID)
	assert.InDelta(t, 0.0, res.Hits[0].Distance, 1e-9)
	assert.Equal(t, "2", res.Hits[1].ID)
	assert.InDelta(t, 1.0, res.Hits[1].Distance, 1e-9)
	assert.Equal(t, uint64(3), res.Watermark)

	_, err = c.Put(ctx, "4", []float32{1, 2, 3, 4}, nil)
	require.Error(t, err)
	assert.True(t, cperr.IsDimensionMismatch(err))
}

func TestCollection_PutGetRoundTrip(t *testing.T) {
	m, _ := newManager(t, collection.Options{})
	ctx := context.Background()
	c, err := m.Create(ctx, l2Spec("rt", 2))
	require.NoError(t, err)

	md := vector.Metadata{"stage": vector.String("won"), "arr": vector.Number(1200), "strategic": vector.Bool(true)}
	v, err := c.Put(ctx, "acme", []float32{0.25, -1}, md)
	require.NoError(t, err)

	rec, err := c.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, -1}, rec.Vector)
	assert.True(t, md.Equal(rec.Metadata))
	assert.GreaterOrEqual(t, rec.Version, v)
}

func TestCollection_DeleteHidesRecord(t *testing.T) {
	m, _ := newManager(t, collection.Options{})
	ctx := context.Background()
	c, err := m.Create(ctx, l2Spec("del", 1))
	require.NoError(t, err)

	_, err = c.Put(ctx, "a", []float32{0}, nil)
	require.NoError(t, err)
	_, err = c.Put(ctx, "b", []float32{1}, nil)
	require.NoError(t, err)
	_, err = c.Rebuild(ctx)
	require.NoError(t, err)

	ok, err := c.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.Delete(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Get(ctx, "a")
	assert.True(t, cperr.IsNotFound(err))

	res, err := c.Search(ctx, collection.SearchRequest{Vector: []float32{0}, K: 5, Consistency: strong()})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "b", res.Hits[0].ID)

	_, err = c.Rebuild(ctx)
	require.NoError(t, err)
	res, err = c.Search(ctx, collection.SearchRequest{Vector: []float32{0}, K: 5})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "b", res.Hits[0].ID)
}

func TestCollection_ReadYourWrites(t *testing.T) {
	m, _ := newManager(t, collection.Options{})
	ctx := context.Background()
	c, err := m.Create(ctx, l2Spec("ryw", 1))
	require.NoError(t, err)

	v, err := c.Put(ctx, "mine", []float32{3}, nil)
	require.NoError(t, err)
	res, err := c.Search(ctx, collection.SearchRequest{
		Vector:      []float32{3},
		K:           1,
		Consistency: consistency.Requirement{Level: consistency.AtLeast, MinVersion: v},
	})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "mine", res.Hits[0].ID)
	assert.GreaterOrEqual(t, res.Watermark, v)
}

func TestCollection_QueriesDuringRebuildSeeOneView(t *testing.T) {
	m, _ := newManager(t, collection.Options{Index: index.Options{HNSW: index.HNSWConfig{MinRecords: 32}}})
	ctx := context.Background()
	c, err := m.Create(ctx, l2Spec("busy", 2))
	require.NoError(t, err)
	for i := range 200 {
		_, err := c.Put(ctx, fmt.Sprintf("r%03d", i), []float32{float32(i), 0}, nil)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				res, err := c.Search(ctx, collection.SearchRequest{Vector: []float32{0, 0}, K: 5})
				if !assert.NoError(t, err) {
					return
				}
				for i := 1; i < len(res.Hits); i++ {
					assert.LessOrEqual(t, vector.CompareHits(res.Hits[i-1], res.Hits[i]), 0)
				}
			}
		}()
	}
	for range 3 {
		_, err := c.Rebuild(ctx)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}

func TestCollection_FilteredSearch(t *testing.T) {
	m, _ := newManager(t, collection.Options{})
	ctx := context.Background()
	c, err := m.Create(ctx, l2Spec("f", 1))
	require.NoError(t, err)
	_, err = c.Put(ctx, "a", []float32{0}, vector.Metadata{"tier": vector.String("enterprise")})
	require.NoError(t, err)
	_, err = c.Put(ctx, "b", []float32{1}, vector.Metadata{"tier": vector.String("smb")})
	require.NoError(t, err)

	res, err := c.Search(ctx, collection.SearchRequest{
		Vector:      []float32{0},
		K:           1,
		Filter:      query.Filter{Expr: `metadata.tier == "smb"`},
		Consistency: strong(),
	})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "b", res.Hits[0].ID)
}

type fakeEmbedder struct{ vec []float32 }

func (f *fakeEmbedder) Name() string                   { return "fake" }
func (f *fakeEmbedder) Dimensions() int                { return len(f.vec) }
func (f *fakeEmbedder) Available(context.Context) bool { return true }
func (f *fakeEmbedder) HealthMetrics() health.Metrics  { return health.Metrics{Available: true} }
func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

func TestCollection_Text(t *testing.T) {
	ctx := context.Background()

	m, _ := newManager(t, collection.Options{})
	c, err := m.Create(ctx, l2Spec("noembed", 2))
	require.NoError(t, err)
	_, err = c.PutText(ctx, "a", "hello", nil)
	require.Error(t, err)
	assert.True(t, cperr.HasCode(err, cperr.CodeCollectionEmbedderMissing))
	assert.Equal(t, 400, cperr.HTTPStatus(err))

	m, _ = newManager(t, collection.Options{Embedder: &fakeEmbedder{vec: []float32{1, 1}}})
	c, err = m.Create(ctx, l2Spec("embed", 2))
	require.NoError(t, err)
	_, err = c.PutText(ctx, "a", "quarterly business review", nil)
	require.NoError(t, err)

	rec, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1}, rec.Vector)

	res, err := c.Search(ctx, collection.SearchRequest{Text: "qbr", K: 1, Consistency: strong()})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "a", res.Hits[0].ID)

	_, err = c.Search(ctx, collection.SearchRequest{Text: "qbr", Vector: []float32{1, 1}, K: 1})
	require.Error(t, err)
	assert.True(t, cperr.IsInvalidInput(err))
}

// nativeCatalog hands out stores that rank natively with a fixed answer.
type nativeCatalog struct {
	*memory.Catalog
	calls int
	mu    sync.Mutex
}

type nativeStore struct {
	store.EmbeddingStore
	cat *nativeCatalog
	err error
}

func (n *nativeStore) SearchNative(context.Context, []float32, int) ([]vector.Hit, error) {
	n.cat.mu.Lock()
	n.cat.calls++
	n.cat.mu.Unlock()
	if n.err != nil {
		return nil, n.err
	}
	return []vector.Hit{{ID: "native", Distance: 0}}, nil
}

func (n *nativeCatalog) OpenEmbeddings(ctx context.Context, spec store.CollectionSpec) (store.EmbeddingStore, error) {
	es, err := n.Catalog.OpenEmbeddings(ctx, spec)
	if err != nil {
		return nil, err
	}
	ns := &nativeStore{EmbeddingStore: es, cat: n}
	if spec.Metric == vector.MetricDot {
		ns.err = store.Unsupported("dot product")
	}
	return ns, nil
}

func TestCollection_NativeMode(t *testing.T) {
	ctx := context.Background()
	cat := &nativeCatalog{Catalog: memory.NewCatalog()}
	m := collection.NewManager(cat, collection.Options{Mode: collection.ModeNative, MergeInterval: time.Hour})
	t.Cleanup(func() { _ = m.Close() })

	c, err := m.Create(ctx, l2Spec("n", 1))
	require.NoError(t, err)
	res, err := c.Search(ctx, collection.SearchRequest{Vector: []float32{0}, K: 1})
	require.NoError(t, err)
	assert.True(t, res.Native)
	assert.Equal(t, "native", res.Hits[0].ID)

	d, err := m.Create(ctx, store.CollectionSpec{Name: "d", Dimension: 1, Metric: vector.MetricDot})
	require.NoError(t, err)
	_, err = d.Put(ctx, "in-process", []float32{1}, nil)
	require.NoError(t, err)
	res, err = d.Search(ctx, collection.SearchRequest{Vector: []float32{1}, K: 1, Consistency: strong()})
	require.NoError(t, err)
	assert.False(t, res.Native, "falls back for metrics the store cannot rank")
	assert.Equal(t, "in-process", res.Hits[0].ID)
	assert.Equal(t, 2, cat.calls)
}
