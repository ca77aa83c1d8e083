// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

// Package memory is a process-local storage backend. Data lives as long as
// the catalog does.
package memory

import (
	"context"
	"iter"
	"slices"
	"sort"
	"sync"

	"github.com/gtm-copilot/gtm-copilot/internal/store"
	"github.com/gtm-copilot/gtm-copilot/pkg/vector"
)

func init() {
	store.RegisterBackend("memory", func(*store.StorageConfig) (store.Catalog, error) {
		return NewCatalog(), nil
	})
}

// scanBatch is the number of changes copied per lock acquisition in Scan.
const scanBatch = 256

// Compile-time interface checks.
var (
	_ store.Catalog        = (*Catalog)(nil)
	_ store.EmbeddingStore = (*EmbeddingStore)(nil)
)

// Catalog holds collections in memory.
type Catalog struct {
	mu          sync.RWMutex
	specs       map[string]store.CollectionSpec
	collections map[string]*EmbeddingStore
}

func NewCatalog() *Catalog {
	return &Catalog{
		specs:       make(map[string]store.CollectionSpec),
		collections: make(map[string]*EmbeddingStore),
	}
}

func (c *Catalog) CreateCollection(_ context.Context, spec store.CollectionSpec) error {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.specs[spec.Name]; ok {
		return store.CollectionExists(spec.Name)
	}
	c.specs[spec.Name] = spec
	c.collections[spec.Name] = NewEmbeddingStore(spec)
	return nil
}

func (c *Catalog) GetCollection(_ context.Context, name string) (store.CollectionSpec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.specs[name]
	if !ok {
		return store.CollectionSpec{}, store.CollectionNotFound(name)
	}
	return spec, nil
}

func (c *Catalog) ListCollections(_ context.Context) ([]store.CollectionSpec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]store.CollectionSpec, 0, len(c.specs))
	for _, spec := range c.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *Catalog) DropCollection(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.specs[name]; !ok {
		return store.CollectionNotFound(name)
	}
	delete(c.specs, name)
	delete(c.collections, name)
	return nil
}

// OpenEmbeddings returns the shared store of the collection. Closing it
// does not discard data; DropCollection does.
func (c *Catalog) OpenEmbeddings(_ context.Context, spec store.CollectionSpec) (store.EmbeddingStore, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	es, ok := c.collections[spec.Name]
	if !ok {
		return nil, store.CollectionNotFound(spec.Name)
	}
	return es, nil
}

func (c *Catalog) Ping(context.Context) error { return nil }

func (c *Catalog) Close() error { return nil }

type entry struct {
	rec     vector.Record
	deleted bool
}

// EmbeddingStore keeps the latest state of each record plus a version log.
// The log is ordered by version; entries whose record has since been
// rewritten are skipped by Scan and dropped by Compact.
type EmbeddingStore struct {
	spec store.CollectionSpec

	mu      sync.RWMutex
	records map[string]*entry
	log     []logEntry
	version uint64
	live    int
}

type logEntry struct {
	version uint64
	id      string
}

// NewEmbeddingStore creates an empty store for spec.
func NewEmbeddingStore(spec store.CollectionSpec) *EmbeddingStore {
	return &EmbeddingStore{
		spec:    spec,
		records: make(map[string]*entry),
	}
}

func (s *EmbeddingStore) Put(ctx context.Context, id string, vec []float32, md vector.Metadata) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := store.ValidatePut(s.spec, id, vec); err != nil {
		return 0, err
	}
	rec := vector.Record{ID: id, Vector: slices.Clone(vec), Metadata: md.Clone()}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	rec.Version = s.version

	e, ok := s.records[id]
	if !ok || e.deleted {
		s.live++
	}
	s.records[id] = &entry{rec: rec}
	s.log = append(s.log, logEntry{version: rec.Version, id: id})
	return rec.Version, nil
}

func (s *EmbeddingStore) Get(ctx context.Context, id string) (vector.Record, error) {
	if err := ctx.Err(); err != nil {
		return vector.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[id]
	if !ok || e.deleted {
		return vector.Record{}, store.RecordNotFound(s.spec.Name, id)
	}
	return e.rec.Clone(), nil
}

func (s *EmbeddingStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[id]
	if !ok || e.deleted {
		return false, nil
	}
	s.version++
	s.records[id] = &entry{rec: vector.Record{ID: id, Version: s.version}, deleted: true}
	s.log = append(s.log, logEntry{version: s.version, id: id})
	s.live--
	return true, nil
}

func (s *EmbeddingStore) Scan(ctx context.Context, since uint64) iter.Seq2[vector.Change, error] {
	return func(yield func(vector.Change, error) bool) {
		cursor := since
		for {
			if err := ctx.Err(); err != nil {
				yield(vector.Change{}, err)
				return
			}
			batch := s.nextBatch(cursor)
			if len(batch) == 0 {
				return
			}
			for _, ch := range batch {
				if !yield(ch, nil) {
					return
				}
			}
			cursor = batch[len(batch)-1].Version
		}
	}
}

// nextBatch copies up to scanBatch current changes with version > after.
func (s *EmbeddingStore) nextBatch(after uint64) []vector.Change {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := sort.Search(len(s.log), func(i int) bool { return s.log[i].version > after })
	out := make([]vector.Change, 0, min(scanBatch, len(s.log)-i))
	for ; i < len(s.log) && len(out) < scanBatch; i++ {
		le := s.log[i]
		e, ok := s.records[le.id]
		if !ok || e.rec.Version != le.version {
			continue
		}
		out = append(out, vector.Change{Record: e.rec.Clone(), Deleted: e.deleted})
	}
	return out
}

func (s *EmbeddingStore) Watermark(context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, nil
}

func (s *EmbeddingStore) Compact(_ context.Context, upTo uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.log[:0]
	for _, le := range s.log {
		e, ok := s.records[le.id]
		if !ok || e.rec.Version != le.version {
			continue
		}
		if e.deleted && le.version <= upTo {
			delete(s.records, le.id)
			continue
		}
		kept = append(kept, le)
	}
	clear(s.log[len(kept):])
	s.log = kept
	return nil
}

func (s *EmbeddingStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live, nil
}

func (s *EmbeddingStore) Close() error { return nil }
