// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

// Package query ranks the records of a published index view against a
// query vector.
package query

import (
	"context"
	"math"

	"github.com/gtm-copilot/gtm-copilot/internal/index"
	"github.com/gtm-copilot/gtm-copilot/internal/store"
	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
	"github.com/gtm-copilot/gtm-copilot/pkg/vector"
)

// DefaultOverFetch multiplies k when an approximate search is
// post-filtered.
const DefaultOverFetch = 4

// Request is one search.
type Request struct {
	K      int
	Filter Filter
}

// Engine searches one collection. It holds no mutable state and is safe
// for concurrent use.
type Engine struct {
	spec      store.CollectionSpec
	overFetch int
}

// NewEngine returns an engine for spec. overFetch <= 0 selects
// DefaultOverFetch.
func NewEngine(spec store.CollectionSpec, overFetch int) *Engine {
	if overFetch <= 0 {
		overFetch = DefaultOverFetch
	}
	return &Engine{spec: spec, overFetch: overFetch}
}

// prepare validates a request and compiles its filter.
func (e *Engine) prepare(q []float32, req Request) (*Predicate, error) {
	if err := vector.CheckDimension(q, e.spec.Dimension); err != nil {
		return nil, cperr.With(err, cperr.FieldCollection(e.spec.Name))
	}
	if err := e.spec.Metric.CheckVector(q); err != nil {
		return nil, cperr.With(err, cperr.FieldCollection(e.spec.Name))
	}
	if req.K <= 0 {
		return nil, cperr.Errorf(cperr.CodeQueryKInvalid, "k must be positive, got %d", req.K)
	}
	return req.Filter.Compile()
}

// fetch is the number of candidates to take from an approximate source so
// that k survive the filter in the common case.
func (e *Engine) fetch(k int, pred *Predicate) int {
	if pred == nil {
		return k
	}
	if k > math.MaxInt/e.overFetch {
		return math.MaxInt
	}
	return k * e.overFetch
}

// Search returns the k nearest records of view to q, ascending by
// distance with ties broken by ascending id. Records changed after the
// snapshot are taken from the overlay.
func (e *Engine) Search(ctx context.Context, view *index.View, q []float32, req Request) ([]vector.Hit, error) {
	pred, err := e.prepare(q, req)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ov := view.Overlay
	accept := func(r *vector.Record) bool {
		return !ov.Masks(r.ID) && pred.Match(r.ID, r.Metadata)
	}

	n := req.K
	if !view.Snapshot.Exact() {
		// Masked records still occupy slots in the graph beam.
		n = e.fetch(req.K, pred)
		if n <= math.MaxInt-ov.Len() {
			n += ov.Len()
		}
	}
	hits := view.Snapshot.Search(q, min(n, view.Snapshot.Len()), accept)

	for id, r := range ov.Upserts() {
		if !pred.Match(id, r.Metadata) {
			continue
		}
		hits = append(hits, vector.Hit{
			ID:       id,
			Distance: e.spec.Metric.Distance(q, r.Vector),
			Metadata: r.Metadata,
		})
	}

	return truncate(hits, req.K), nil
}

// SearchNative ranks inside the store. The store reads committed data, so
// results reflect every acknowledged write. Stores that cannot serve the
// collection's metric return store.ErrUnsupported. Stores may cap the
// candidate count they return.
func (e *Engine) SearchNative(ctx context.Context, ns store.NativeSearcher, q []float32, req Request) ([]vector.Hit, error) {
	pred, err := e.prepare(q, req)
	if err != nil {
		return nil, err
	}

	cands, err := ns.SearchNative(ctx, q, e.fetch(req.K, pred))
	if err != nil {
		return nil, err
	}
	hits := make([]vector.Hit, 0, len(cands))
	for _, h := range cands {
		if pred.Match(h.ID, h.Metadata) {
			hits = append(hits, h)
		}
	}
	return truncate(hits, req.K), nil
}

func truncate(hits []vector.Hit, k int) []vector.Hit {
	vector.SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
