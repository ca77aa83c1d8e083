// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package store

import (
	"fmt"
	"math"
	"regexp"
	"time"

	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
	"github.com/gtm-copilot/gtm-copilot/pkg/vector"
)

// MaxRecordIDLength bounds record identifiers.
const MaxRecordIDLength = 512

// DefaultMergeThreshold is the overlay size that triggers a full rebuild
// when a collection does not set its own.
const DefaultMergeThreshold = 1000

var collectionNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,62}$`)

// CollectionSpec describes a collection. All fields are fixed at creation.
type CollectionSpec struct {
	Name           string        `json:"name"`
	Dimension      int           `json:"dimension"`
	Metric         vector.Metric `json:"metric"`
	MergeThreshold int           `json:"merge_threshold"`
	CreatedAt      time.Time     `json:"created_at"`
}

// WithDefaults fills unset optional fields.
func (s CollectionSpec) WithDefaults() CollectionSpec {
	if s.Metric == "" {
		s.Metric = vector.DefaultMetric
	}
	if s.MergeThreshold <= 0 {
		s.MergeThreshold = DefaultMergeThreshold
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	return s
}

func (s CollectionSpec) Validate() error {
	if !collectionNamePattern.MatchString(s.Name) {
		return cperr.New(cperr.CodeCollectionSpecInvalid,
			"collection name must start with a letter or digit and contain only letters, digits, '_' or '-' (max 63)",
			cperr.FieldCollection(s.Name))
	}
	if s.Dimension < 1 || s.Dimension > vector.MaxDimension {
		return cperr.Errorf(cperr.CodeCollectionSpecInvalid,
			"dimension must be between 1 and %d, got %d", vector.MaxDimension, s.Dimension)
	}
	if !s.Metric.Valid() {
		return cperr.Errorf(cperr.CodeCollectionSpecInvalid, "unknown metric %q", s.Metric)
	}
	if s.MergeThreshold < 1 {
		return cperr.Errorf(cperr.CodeCollectionSpecInvalid,
			"merge threshold must be positive, got %d", s.MergeThreshold)
	}
	return nil
}

// ValidatePut checks a write against the collection before any backend
// touches it.
func ValidatePut(spec CollectionSpec, id string, vec []float32) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := vector.CheckDimension(vec, spec.Dimension); err != nil {
		return cperr.With(err, cperr.FieldCollection(spec.Name), cperr.FieldRecordID(id))
	}
	for i, f := range vec {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return cperr.Errorf(cperr.CodeStoreRecordInvalid, "vector component %d is not finite", i)
		}
	}
	if err := spec.Metric.CheckVector(vec); err != nil {
		return cperr.With(err, cperr.FieldCollection(spec.Name), cperr.FieldRecordID(id))
	}
	return nil
}

func ValidateID(id string) error {
	if id == "" {
		return cperr.New(cperr.CodeStoreRecordInvalid, "record id must not be empty")
	}
	if len(id) > MaxRecordIDLength {
		return cperr.Errorf(cperr.CodeStoreRecordInvalid,
			"record id exceeds %d bytes", MaxRecordIDLength)
	}
	return nil
}

// RecordNotFound builds the NotFound error for a record id.
func RecordNotFound(collection, id string) error {
	return cperr.New(cperr.CodeStoreRecordNotFound, fmt.Sprintf("record %q not found in %s", id, collection),
		cperr.FieldCollection(collection), cperr.FieldRecordID(id))
}

// CollectionNotFound builds the not-found error for a collection name.
func CollectionNotFound(name string) error {
	return cperr.New(cperr.CodeStoreCollectionNotFound, fmt.Sprintf("collection %q not found", name), cperr.FieldCollection(name))
}

// CollectionExists builds the conflict error for a duplicate collection.
func CollectionExists(name string) error {
	return cperr.New(cperr.CodeStoreCollectionConflict, "collection already exists", cperr.FieldCollection(name))
}
