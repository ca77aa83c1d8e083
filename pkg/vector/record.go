// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package vector

import (
	"cmp"
	"slices"

	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
)

// MaxDimension bounds the dimension of a collection.
const MaxDimension = 65536

// Record is one stored embedding. Version is the collection-wide version
// assigned by the store when the record was last written.
type Record struct {
	ID       string    `json:"id"`
	Vector   []float32 `json:"vector"`
	Metadata Metadata  `json:"metadata"`
	Version  uint64    `json:"version"`
}

// Clone returns a deep copy of the record's vector and metadata.
func (r Record) Clone() Record {
	return Record{
		ID:       r.ID,
		Vector:   slices.Clone(r.Vector),
		Metadata: r.Metadata.Clone(),
		Version:  r.Version,
	}
}

// Change is one entry of a store scan: either the latest write of a record
// or its tombstone.
type Change struct {
	Record
	Deleted bool `json:"deleted"`
}

// Hit is one search result.
type Hit struct {
	ID       string   `json:"id"`
	Distance float64  `json:"distance"`
	Metadata Metadata `json:"metadata,omitempty"`
}

// CompareHits orders hits by ascending distance, then ascending id.
func CompareHits(a, b Hit) int {
	if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// SortHits sorts hits in place into result order.
func SortHits(hits []Hit) {
	slices.SortFunc(hits, CompareHits)
}

// CheckDimension returns a DimensionMismatch error when v does not have
// exactly dim components.
func CheckDimension(v []float32, dim int) error {
	if len(v) != dim {
		return cperr.New(cperr.CodeVectorDimensionMismatch, "vector dimension mismatch",
			cperr.Field("expected", dim),
			cperr.Field("actual", len(v)),
		)
	}
	return nil
}
