// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package store

import (
	"context"
	"iter"

	"github.com/gtm-copilot/gtm-copilot/pkg/vector"
)

// Catalog manages the set of collections a backend holds and opens their
// embedding stores.
type Catalog interface {
	CreateCollection(ctx context.Context, spec CollectionSpec) error
	GetCollection(ctx context.Context, name string) (CollectionSpec, error)
	ListCollections(ctx context.Context) ([]CollectionSpec, error)
	DropCollection(ctx context.Context, name string) error

	// OpenEmbeddings returns the embedding store of an existing collection.
	OpenEmbeddings(ctx context.Context, spec CollectionSpec) (EmbeddingStore, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// EmbeddingStore is the durable source of truth for one collection.
//
// Every successful Put or Delete is assigned the next collection-wide
// version. Versions become visible to Scan in order, so every version at or
// below Watermark is observable.
type EmbeddingStore interface {
	// Put inserts or replaces a record and returns its version.
	Put(ctx context.Context, id string, vec []float32, md vector.Metadata) (uint64, error)
	Get(ctx context.Context, id string) (vector.Record, error)
	// Delete tombstones a record. It reports whether a live record existed;
	// deleting an absent id does not advance the version.
	Delete(ctx context.Context, id string) (bool, error)

	// Scan yields the latest state of every record (tombstones included)
	// written after since, in ascending version order.
	Scan(ctx context.Context, since uint64) iter.Seq2[vector.Change, error]
	Watermark(ctx context.Context) (uint64, error)
	// Compact drops tombstones at or below upTo. Scans starting below upTo
	// may miss deletions afterwards.
	Compact(ctx context.Context, upTo uint64) error
	Count(ctx context.Context) (int, error)

	Close() error
}

// NativeSearcher is implemented by stores that can rank vectors inside the
// database. Implementations return ErrUnsupported for metrics they cannot
// serve.
type NativeSearcher interface {
	SearchNative(ctx context.Context, query []float32, k int) ([]vector.Hit, error)
}
