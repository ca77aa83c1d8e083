// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package index_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/gtm-copilot/gtm-copilot/internal/index"
	"github.com/gtm-copilot/gtm-copilot/pkg/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomRecords(n, dim int, seed uint64) []vector.Record {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	recs := make([]vector.Record, n)
	for i := range recs {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		recs[i] = vector.Record{
			ID:       fmt.Sprintf("rec-%04d", i),
			Vector:   v,
			Metadata: vector.Metadata{"bucket": vector.Number(float64(i % 4))},
			Version:  uint64(i + 1),
		}
	}
	return recs
}

func hitIDs(hits []vector.Hit) []string {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	return ids
}

func TestSnapshot_FlatExample(t *testing.T) {
	recs := []vector.Record{
		{ID: "3", Vector: []float32{2, 0, 0}},
		{ID: "1", Vector: []float32{0, 0, 0}},
		{ID: "2", Vector: []float32{1, 0, 0}},
	}
	snap, err := index.Build(context.Background(), vector.MetricL2, recs, 3, index.HNSWConfig{})
	require.NoError(t, err)
	assert.Equal(t, index.KindFlat, snap.Kind)
	assert.True(t, snap.Exact())
	assert.Equal(t, 3, snap.Len())
	assert.Equal(t, uint64(3), snap.Watermark)

	hits := snap.Search([]float32{0, 0, 0}, 2, nil)
	require.Len(t, hits, 2)
	assert.Equal(t, "1", hits[0].ID)
	assert.InDelta(t, 0.0, hits[0].Distance, 1e-9)
	assert.Equal(t, "2", hits[1].ID)
	assert.InDelta(t, 1.0, hits[1].Distance, 1e-9)
}

func TestSnapshot_FlatTiesBreakByID(t *testing.T) {
	recs := []vector.Record{
		{ID: "b", Vector: []float32{1, 0}},
		{ID: "c", Vector: []float32{0, 1}},
		{ID: "a", Vector: []float32{-1, 0}},
	}
	snap, err := index.Build(context.Background(), vector.MetricL2, recs, 3, index.HNSWConfig{})
	require.NoError(t, err)

	hits := snap.Search([]float32{0, 0}, 2, nil)
	assert.Equal(t, []string{"a", "b"}, hitIDs(hits))
}

func TestSnapshot_FlatAcceptFilter(t *testing.T) {
	recs := randomRecords(50, 4, 1)
	snap, err := index.Build(context.Background(), vector.MetricCosine, recs, 50, index.HNSWConfig{})
	require.NoError(t, err)

	hits := snap.Search(recs[0].Vector, 5, func(r *vector.Record) bool {
		return r.Metadata["bucket"].Equal(vector.Number(1))
	})
	require.Len(t, hits, 5)
	for _, h := range hits {
		assert.True(t, h.Metadata["bucket"].Equal(vector.Number(1)))
	}
}

func TestSnapshot_EmptyAndZeroK(t *testing.T) {
	snap, err := index.Build(context.Background(), vector.MetricL2, nil, 0, index.HNSWConfig{})
	require.NoError(t, err)
	assert.Empty(t, snap.Search([]float32{1}, 3, nil))

	snap, err = index.Build(context.Background(), vector.MetricL2, randomRecords(3, 2, 2), 3, index.HNSWConfig{})
	require.NoError(t, err)
	assert.Empty(t, snap.Search([]float32{1, 1}, 0, nil))
}

func TestSnapshot_HNSWIsDeterministic(t *testing.T) {
	recs := randomRecords(400, 8, 3)
	cfg := index.HNSWConfig{MinRecords: 100}

	a, err := index.Build(context.Background(), vector.MetricL2, recs, 400, cfg)
	require.NoError(t, err)
	shuffled := append([]vector.Record(nil), recs...)
	rand.New(rand.NewPCG(9, 9)).Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	b, err := index.Build(context.Background(), vector.MetricL2, shuffled, 400, cfg)
	require.NoError(t, err)

	assert.Equal(t, index.KindHNSW, a.Kind)
	assert.False(t, a.Exact())
	for _, q := range randomRecords(20, 8, 4) {
		assert.Equal(t, a.Search(q.Vector, 10, nil), b.Search(q.Vector, 10, nil))
	}
}

func TestSnapshot_HNSWFindsStoredVectors(t *testing.T) {
	recs := randomRecords(500, 8, 5)
	snap, err := index.Build(context.Background(), vector.MetricCosine, recs, 500, index.HNSWConfig{MinRecords: 100})
	require.NoError(t, err)

	for _, r := range recs[:50] {
		hits := snap.Search(r.Vector, 1, nil)
		require.Len(t, hits, 1)
		assert.Equal(t, r.ID, hits[0].ID)
		assert.InDelta(t, 0.0, hits[0].Distance, 1e-6)
	}
}

func TestSnapshot_HNSWRecall(t *testing.T) {
	recs := randomRecords(600, 8, 6)
	exact, err := index.Build(context.Background(), vector.MetricL2, recs, 600, index.HNSWConfig{})
	require.NoError(t, err)
	approx, err := index.Build(context.Background(), vector.MetricL2, recs, 600, index.HNSWConfig{MinRecords: 100})
	require.NoError(t, err)
	require.True(t, exact.Exact())
	require.False(t, approx.Exact())

	const k = 10
	found, total := 0, 0
	for _, q := range randomRecords(30, 8, 7) {
		want := map[string]bool{}
		for _, h := range exact.Search(q.Vector, k, nil) {
			want[h.ID] = true
		}
		got := approx.Search(q.Vector, k, nil)
		for i := 1; i < len(got); i++ {
			assert.LessOrEqual(t, vector.CompareHits(got[i-1], got[i]), 0)
		}
		for _, h := range got {
			if want[h.ID] {
				found++
			}
		}
		total += k
	}
	assert.GreaterOrEqual(t, float64(found)/float64(total), 0.9)
}

func TestSnapshot_BuildHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := index.Build(ctx, vector.MetricL2, randomRecords(200, 4, 8), 200, index.HNSWConfig{MinRecords: 10})
	assert.ErrorIs(t, err, context.Canceled)
}
