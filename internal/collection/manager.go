// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

// Package collection manages the lifecycle of collections and routes
// record and search operations to them.
package collection

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/gtm-copilot/gtm-copilot/internal/consistency"
	"github.com/gtm-copilot/gtm-copilot/internal/embed"
	"github.com/gtm-copilot/gtm-copilot/internal/index"
	"github.com/gtm-copilot/gtm-copilot/internal/query"
	"github.com/gtm-copilot/gtm-copilot/internal/store"
	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
)

// Mode selects where nearest-neighbour ranking happens.
type Mode string

const (
	// ModeIndex ranks with the in-process snapshot and overlay.
	ModeIndex Mode = "ann"
	// ModeNative asks the database to rank, falling back to the
	// in-process index for metrics the database cannot serve.
	ModeNative Mode = "native"
)

// Options configures every collection a Manager opens.
type Options struct {
	Index                 index.Options
	Mode                  Mode
	OverFetch             int
	DefaultConsistency    consistency.Level
	DefaultMergeThreshold int
	MergeInterval         time.Duration
	// RebuildParallelism bounds RebuildAll and OpenAll. Zero means 2.
	RebuildParallelism int
	Embedder           embed.Provider
	Logger             *slog.Logger
}

// Manager creates, caches, and drops collections.
type Manager struct {
	catalog store.Catalog
	opts    Options
	logger  *slog.Logger
	opening singleflight.Group

	mu          sync.RWMutex
	collections map[string]*Collection
	closed      bool
	// drops counts Drop calls so a load that raced one can tell.
	drops uint64
}

// NewManager creates a Manager over a storage catalog.
func NewManager(catalog store.Catalog, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Mode == "" {
		opts.Mode = ModeIndex
	}
	if opts.DefaultConsistency == "" {
		opts.DefaultConsistency = consistency.Eventual
	}
	if opts.RebuildParallelism <= 0 {
		opts.RebuildParallelism = 2
	}
	if opts.Index.Logger == nil {
		opts.Index.Logger = opts.Logger
	}
	return &Manager{
		catalog:     catalog,
		opts:        opts,
		logger:      opts.Logger,
		collections: make(map[string]*Collection),
	}
}

// Embedder returns the configured embedding provider, or nil.
func (m *Manager) Embedder() embed.Provider { return m.opts.Embedder }

// Create registers a new collection and opens it.
func (m *Manager) Create(ctx context.Context, spec store.CollectionSpec) (*Collection, error) {
	if spec.MergeThreshold == 0 {
		spec.MergeThreshold = m.opts.DefaultMergeThreshold
	}
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	if err := m.catalog.CreateCollection(ctx, spec); err != nil {
		if cperr.IsConflict(err) {
			return nil, cperr.New(cperr.CodeCollectionCreateConflict, "collection already exists",
				cperr.FieldCollection(spec.Name))
		}
		return nil, err
	}
	m.logger.Info("collection created", "collection", spec.Name, "dimension", spec.Dimension, "metric", spec.Metric)
	return m.Get(ctx, spec.Name)
}

// Get returns (and caches) an open collection. The first access loads the
// index from the store without holding the registry lock, so other
// collections stay reachable meanwhile; concurrent first accesses to one
// name share a single load.
func (m *Manager) Get(ctx context.Context, name string) (*Collection, error) {
	if c, ok, err := m.cached(name); ok || err != nil {
		return c, err
	}
	v, err, _ := m.opening.Do(name, func() (any, error) {
		return m.load(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Collection), nil
}

func (m *Manager) cached(name string) (*Collection, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.collections[name]; ok {
		return c, true, nil
	}
	if m.closed {
		return nil, false, store.Closed()
	}
	return nil, false, nil
}

func (m *Manager) load(ctx context.Context, name string) (*Collection, error) {
	for {
		if c, ok, err := m.cached(name); ok || err != nil {
			return c, err
		}
		m.mu.RLock()
		drops := m.drops
		m.mu.RUnlock()

		spec, err := m.catalog.GetCollection(ctx, name)
		if err != nil {
			if cperr.IsNotFound(err) {
				return nil, notFound(name)
			}
			return nil, err
		}
		c, err := m.open(ctx, spec)

		m.mu.Lock()
		switch {
		case m.closed:
			m.mu.Unlock()
			if c != nil {
				_ = c.Close()
			}
			return nil, store.Closed()
		case m.drops != drops:
			// A collection was dropped while this one opened; it may have
			// been this one, so look it up again.
			m.mu.Unlock()
			if c != nil {
				_ = c.Close()
			}
			continue
		case err != nil:
			m.mu.Unlock()
			return nil, err
		}
		m.collections[name] = c
		m.mu.Unlock()
		return c, nil
	}
}

func (m *Manager) open(ctx context.Context, spec store.CollectionSpec) (*Collection, error) {
	es, err := m.catalog.OpenEmbeddings(ctx, spec)
	if err != nil {
		return nil, cperr.Wrapf(err, cperr.CodeCollectionOpenFailure, "opening store for collection %s", spec.Name)
	}

	logger := m.logger.With("collection", spec.Name)
	mgr := index.NewManager(spec, es, m.opts.Index)
	coord := consistency.New(spec.Name, es, mgr, consistency.Options{
		MergeInterval: m.opts.MergeInterval,
		Logger:        m.logger,
	})
	c := &Collection{
		spec:     spec,
		es:       es,
		mgr:      mgr,
		coord:    coord,
		engine:   query.NewEngine(spec, m.opts.OverFetch),
		embedder: m.opts.Embedder,
		level:    m.opts.DefaultConsistency,
		logger:   logger,
	}
	if m.opts.Mode == ModeNative {
		if ns, ok := es.(store.NativeSearcher); ok {
			c.native = ns
		} else {
			logger.Warn("storage backend has no native search, using in-process index")
		}
	}

	// A failed initial build leaves an empty snapshot; the merge worker
	// still folds every record into the overlay, so results stay correct.
	if _, err := mgr.Rebuild(ctx); err != nil {
		logger.Warn("initial index build failed", "error", err)
	}
	coord.Start()
	return c, nil
}

// List returns every collection known to the catalog, sorted by name.
func (m *Manager) List(ctx context.Context) ([]store.CollectionSpec, error) {
	specs, err := m.catalog.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(specs, func(a, b store.CollectionSpec) int { return strings.Compare(a.Name, b.Name) })
	return specs, nil
}

// Drop closes a collection and deletes its data.
func (m *Manager) Drop(ctx context.Context, name string) error {
	m.mu.Lock()
	c, open := m.collections[name]
	delete(m.collections, name)
	m.drops++
	m.mu.Unlock()

	if open {
		if err := c.Close(); err != nil {
			m.logger.Warn("closing dropped collection", "collection", name, "error", err)
		}
	}
	if err := m.catalog.DropCollection(ctx, name); err != nil {
		if cperr.IsNotFound(err) {
			return notFound(name)
		}
		return err
	}
	m.logger.Info("collection dropped", "collection", name)
	return nil
}

// EnsureConfigured creates every declared collection that does not exist
// yet. A declared collection whose stored dimension or metric differs is
// an error: both are immutable after creation.
func (m *Manager) EnsureConfigured(ctx context.Context, specs []store.CollectionSpec) error {
	var errs []error
	for _, want := range specs {
		have, err := m.catalog.GetCollection(ctx, want.Name)
		switch {
		case err == nil:
			if have.Dimension != want.Dimension || (want.Metric != "" && have.Metric != want.Metric) {
				errs = append(errs, cperr.Errorf(cperr.CodeCollectionCreateConflict,
					"collection %s exists with dimension %d and metric %s, configuration declares %d and %s",
					want.Name, have.Dimension, have.Metric, want.Dimension, want.Metric))
			}
		case cperr.IsNotFound(err):
			if _, err := m.Create(ctx, want); err != nil && !cperr.IsConflict(err) {
				errs = append(errs, err)
			}
		default:
			errs = append(errs, err)
		}
	}
	return cperr.Join(errs...)
}

// RebuildAll rebuilds the index of every open collection with bounded
// parallelism. Failures are collected; one collection failing does not
// stop the others.
func (m *Manager) RebuildAll(ctx context.Context) error {
	m.mu.RLock()
	open := make([]*Collection, 0, len(m.collections))
	for _, c := range m.collections {
		open = append(open, c)
	}
	m.mu.RUnlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(m.opts.RebuildParallelism)
	for _, c := range open {
		g.Go(func() error {
			if _, err := c.Rebuild(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return cperr.Join(errs...)
}

// OpenAll opens every collection in the catalog so that its index is
// loaded before the first request. Collections open in parallel, bounded
// like RebuildAll; the first failure cancels the rest.
func (m *Manager) OpenAll(ctx context.Context) error {
	specs, err := m.List(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.RebuildParallelism)
	for _, s := range specs {
		g.Go(func() error {
			_, err := m.Get(gctx, s.Name)
			return err
		})
	}
	return g.Wait()
}

// Open returns the names of the collections currently open.
func (m *Manager) Open() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.collections))
	for n := range m.collections {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Close closes every open collection. The catalog is left open.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	open := m.collections
	m.collections = make(map[string]*Collection)
	m.mu.Unlock()

	var errs []error
	for _, c := range open {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return cperr.Join(errs...)
}

func notFound(name string) error {
	return cperr.New(cperr.CodeCollectionGetNotFound, fmt.Sprintf("collection %q not found", name), cperr.FieldCollection(name))
}
