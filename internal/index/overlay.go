// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package index

import (
	"maps"

	"github.com/gtm-copilot/gtm-copilot/pkg/vector"
)

// Overlay holds the writes newer than a snapshot: the latest upsert or
// tombstone of every id changed since the snapshot watermark. It is
// immutable; merging produces a new Overlay.
type Overlay struct {
	upserts map[string]vector.Record
	deletes map[string]uint64
}

func emptyOverlay() *Overlay {
	return &Overlay{
		upserts: map[string]vector.Record{},
		deletes: map[string]uint64{},
	}
}

// Len is the number of distinct ids the overlay changes.
func (o *Overlay) Len() int { return len(o.upserts) + len(o.deletes) }

// Tombstones is the number of deletions the overlay carries.
func (o *Overlay) Tombstones() int { return len(o.deletes) }

// Masks reports whether id was changed after the snapshot, in which case
// the snapshot's copy is stale.
func (o *Overlay) Masks(id string) bool {
	if _, ok := o.upserts[id]; ok {
		return true
	}
	_, ok := o.deletes[id]
	return ok
}

// Upserts returns the overlay's live records. Callers must not mutate them.
func (o *Overlay) Upserts() map[string]vector.Record { return o.upserts }

// Deleted reports whether id carries a tombstone.
func (o *Overlay) Deleted(id string) bool {
	_, ok := o.deletes[id]
	return ok
}

// apply returns a copy of o with changes applied in order.
func (o *Overlay) apply(changes []vector.Change) *Overlay {
	if len(changes) == 0 {
		return o
	}
	next := &Overlay{
		upserts: maps.Clone(o.upserts),
		deletes: maps.Clone(o.deletes),
	}
	for _, ch := range changes {
		if ch.Deleted {
			delete(next.upserts, ch.ID)
			next.deletes[ch.ID] = ch.Version
			continue
		}
		delete(next.deletes, ch.ID)
		next.upserts[ch.ID] = ch.Record
	}
	return next
}
