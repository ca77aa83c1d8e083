// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package index

import (
	"container/heap"
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gtm-copilot/gtm-copilot/pkg/vector"
)

// Kind names the search structure of a snapshot.
type Kind string

const (
	KindFlat Kind = "flat"
	KindHNSW Kind = "hnsw"
)

// Snapshot is an immutable searchable structure over the live records of a
// collection as of Watermark.
type Snapshot struct {
	ID            string
	Kind          Kind
	Watermark     uint64
	CreatedAt     time.Time
	BuildDuration time.Duration

	metric  vector.Metric
	records []vector.Record // sorted by id
	graph   *hnswGraph      // nil for flat snapshots
}

// emptySnapshot is the snapshot of a collection that has never been built.
func emptySnapshot(metric vector.Metric) *Snapshot {
	return &Snapshot{
		ID:        uuid.NewString(),
		Kind:      KindFlat,
		CreatedAt: time.Now().UTC(),
		metric:    metric,
	}
}

// Build constructs a snapshot over records. Records are copied by
// reference and must not be mutated afterwards.
func Build(ctx context.Context, metric vector.Metric, records []vector.Record, watermark uint64, cfg HNSWConfig) (*Snapshot, error) {
	cfg = cfg.withDefaults()
	start := time.Now()

	sorted := slices.Clone(records)
	slices.SortFunc(sorted, func(a, b vector.Record) int { return strings.Compare(a.ID, b.ID) })
	sorted = slices.CompactFunc(sorted, func(a, b vector.Record) bool { return a.ID == b.ID })

	s := &Snapshot{
		ID:        uuid.NewString(),
		Kind:      KindFlat,
		Watermark: watermark,
		metric:    metric,
		records:   sorted,
	}

	if len(sorted) >= cfg.MinRecords {
		ids := make([]string, len(sorted))
		vecs := make([][]float32, len(sorted))
		for i, r := range sorted {
			ids[i] = r.ID
			vecs[i] = r.Vector
		}
		g, err := buildHNSW(ctx, metric, cfg, ids, vecs)
		if err != nil {
			return nil, err
		}
		s.Kind = KindHNSW
		s.graph = g
	}

	s.BuildDuration = time.Since(start)
	s.CreatedAt = time.Now().UTC()
	return s, nil
}

func (s *Snapshot) Len() int { return len(s.records) }

func (s *Snapshot) Metric() vector.Metric { return s.metric }

// Exact reports whether Search ranks every record.
func (s *Snapshot) Exact() bool { return s.graph == nil }

// Search returns up to n hits in result order among records accepted by
// accept (nil accepts all). Flat snapshots are exact. HNSW snapshots rank
// the beam of the graph search, so callers that filter heavily should ask
// for more than they need.
func (s *Snapshot) Search(q []float32, n int, accept func(*vector.Record) bool) []vector.Hit {
	if n <= 0 || len(s.records) == 0 {
		return nil
	}
	if s.graph == nil {
		return s.searchFlat(q, n, accept)
	}

	cands := s.graph.search(q, n)
	hits := make([]vector.Hit, 0, min(n, len(cands)))
	for _, c := range cands {
		rec := &s.records[c.idx]
		if accept != nil && !accept(rec) {
			continue
		}
		hits = append(hits, vector.Hit{ID: rec.ID, Distance: c.dist, Metadata: rec.Metadata})
		if len(hits) == n {
			break
		}
	}
	return hits
}

func (s *Snapshot) searchFlat(q []float32, n int, accept func(*vector.Record) bool) []vector.Hit {
	best := make(maxHeap, 0, n+1)
	for i := range s.records {
		rec := &s.records[i]
		if accept != nil && !accept(rec) {
			continue
		}
		c := candidate{idx: uint32(i), dist: s.metric.Distance(q, rec.Vector)}
		if best.Len() < n {
			heap.Push(&best, c)
			continue
		}
		if compareCandidates(c, best[0]) < 0 {
			best[0] = c
			heap.Fix(&best, 0)
		}
	}

	out := []candidate(best)
	slices.SortFunc(out, compareCandidates)
	hits := make([]vector.Hit, len(out))
	for i, c := range out {
		rec := &s.records[c.idx]
		hits[i] = vector.Hit{ID: rec.ID, Distance: c.dist, Metadata: rec.Metadata}
	}
	return hits
}
