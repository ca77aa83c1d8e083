// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package collection

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gtm-copilot/gtm-copilot/internal/consistency"
	"github.com/gtm-copilot/gtm-copilot/internal/embed"
	"github.com/gtm-copilot/gtm-copilot/internal/index"
	"github.com/gtm-copilot/gtm-copilot/internal/query"
	"github.com/gtm-copilot/gtm-copilot/internal/store"
	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
	"github.com/gtm-copilot/gtm-copilot/pkg/vector"
)

// Collection ties together the store, index, coordinator and query engine
// of one collection. It is safe for concurrent use.
type Collection struct {
	spec     store.CollectionSpec
	es       store.EmbeddingStore
	mgr      *index.Manager
	coord    *consistency.Coordinator
	engine   *query.Engine
	native   store.NativeSearcher // nil unless native mode is on and the store supports it
	embedder embed.Provider
	level    consistency.Level
	logger   *slog.Logger
}

// SearchRequest is one query against a collection. Exactly one of Vector
// and Text must be set.
type SearchRequest struct {
	Vector      []float32
	Text        string
	K           int
	Filter      query.Filter
	Consistency consistency.Requirement
}

// SearchResult carries the hits and the freshness they reflect.
type SearchResult struct {
	Hits       []vector.Hit `json:"results"`
	Watermark  uint64       `json:"watermark"`
	SnapshotID string       `json:"snapshot_id,omitempty"`
	Native     bool         `json:"native,omitempty"`
}

// Summary describes a collection for operators.
type Summary struct {
	Spec    store.CollectionSpec `json:"spec"`
	Records int                  `json:"records"`
	Index   index.Stats          `json:"index"`
}

func (c *Collection) Spec() store.CollectionSpec { return c.spec }

func (c *Collection) Name() string { return c.spec.Name }

// Put writes a record and returns its version. Callers wanting to read
// their own write pass the version as an AtLeast requirement.
func (c *Collection) Put(ctx context.Context, id string, vec []float32, md vector.Metadata) (uint64, error) {
	v, err := c.es.Put(ctx, id, vec, md)
	if err != nil {
		return 0, err
	}
	c.coord.Notify()
	return v, nil
}

// PutText embeds text with the configured provider and writes the result.
func (c *Collection) PutText(ctx context.Context, id, text string, md vector.Metadata) (uint64, error) {
	vec, err := c.embed(ctx, text)
	if err != nil {
		return 0, err
	}
	return c.Put(ctx, id, vec, md)
}

func (c *Collection) Get(ctx context.Context, id string) (vector.Record, error) {
	return c.es.Get(ctx, id)
}

// Delete tombstones id and reports whether a live record existed.
func (c *Collection) Delete(ctx context.Context, id string) (bool, error) {
	ok, err := c.es.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		c.coord.Notify()
	}
	return ok, nil
}

func (c *Collection) embed(ctx context.Context, text string) ([]float32, error) {
	if c.embedder == nil {
		return nil, cperr.New(cperr.CodeCollectionEmbedderMissing,
			"text input requires an embedding provider; set embedding.provider",
			cperr.FieldCollection(c.spec.Name))
	}
	return embed.Text(ctx, c.embedder, text)
}

// Search runs a nearest-neighbour query at the requested consistency.
func (c *Collection) Search(ctx context.Context, req SearchRequest) (SearchResult, error) {
	q := req.Vector
	switch {
	case len(q) > 0 && req.Text != "":
		return SearchResult{}, cperr.New(cperr.CodeQueryRequestInvalid, "set either vector or text, not both")
	case len(q) == 0 && req.Text != "":
		vec, err := c.embed(ctx, req.Text)
		if err != nil {
			return SearchResult{}, err
		}
		q = vec
	}

	if req.Consistency.Level == "" {
		req.Consistency.Level = c.level
	}
	qreq := query.Request{K: req.K, Filter: req.Filter}

	if c.native != nil {
		res, err := c.searchNative(ctx, q, qreq)
		if !errors.Is(err, store.ErrUnsupported) {
			return res, err
		}
		c.logger.Debug("native search unsupported, using in-process index", "error", err)
	}

	view, err := c.coord.Acquire(ctx, req.Consistency)
	if err != nil {
		return SearchResult{}, err
	}
	defer view.Release()

	hits, err := c.engine.Search(ctx, view, q, qreq)
	if err != nil {
		return SearchResult{}, err
	}
	return SearchResult{Hits: hits, Watermark: view.Watermark, SnapshotID: view.Snapshot.ID}, nil
}

func (c *Collection) searchNative(ctx context.Context, q []float32, req query.Request) (SearchResult, error) {
	wm, err := c.es.Watermark(ctx)
	if err != nil {
		return SearchResult{}, err
	}
	hits, err := c.engine.SearchNative(ctx, c.native, q, req)
	if err != nil {
		return SearchResult{}, err
	}
	return SearchResult{Hits: hits, Watermark: wm, Native: true}, nil
}

// Rebuild runs a full index rebuild and returns the resulting index stats.
func (c *Collection) Rebuild(ctx context.Context) (index.Stats, error) {
	if _, err := c.mgr.Rebuild(ctx); err != nil {
		return c.mgr.Stats(), err
	}
	return c.mgr.Stats(), nil
}

// CancelRebuild aborts the running index rebuild, if any, and reports
// whether one was running.
func (c *Collection) CancelRebuild() bool {
	return c.mgr.Cancel()
}

// Summary reports the spec, the stored record count and the index stats.
func (c *Collection) Summary(ctx context.Context) (Summary, error) {
	n, err := c.es.Count(ctx)
	if err != nil {
		return Summary{}, err
	}
	return Summary{Spec: c.spec, Records: n, Index: c.mgr.Stats()}, nil
}

// Close stops background work and closes the store.
func (c *Collection) Close() error {
	c.coord.Close()
	c.mgr.Close()
	if err := c.es.Close(); err != nil {
		return cperr.Wrapf(err, cperr.CodeCollectionCloseFailure, "closing collection %s", c.spec.Name)
	}
	return nil
}
