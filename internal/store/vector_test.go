// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package store_test

import (
	"math"
	"strings"
	"testing"

	"github.com/gtm-copilot/gtm-copilot/internal/store"
	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
	"github.com/gtm-copilot/gtm-copilot/pkg/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectionSpec_WithDefaults(t *testing.T) {
	spec := store.CollectionSpec{Name: "accounts", Dimension: 3}.WithDefaults()
	assert.Equal(t, vector.MetricCosine, spec.Metric)
	assert.Equal(t, store.DefaultMergeThreshold, spec.MergeThreshold)
	assert.False(t, spec.CreatedAt.IsZero())
	require.NoError(t, spec.Validate())
}

func TestCollectionSpec_Validate(t *testing.T) {
	valid := store.CollectionSpec{Name: "a", Dimension: 3}.WithDefaults()

	tests := []struct {
		name   string
		mutate func(*store.CollectionSpec)
	}{
		{"empty name", func(s *store.CollectionSpec) { s.Name = "" }},
		{"leading dash", func(s *store.CollectionSpec) { s.Name = "-x" }},
		{"slash", func(s *store.CollectionSpec) { s.Name = "a/b" }},
		{"too long", func(s *store.CollectionSpec) { s.Name = strings.Repeat("a", 64) }},
		{"zero dimension", func(s *store.CollectionSpec) { s.Dimension = 0 }},
		{"huge dimension", func(s *store.CollectionSpec) { s.Dimension = vector.MaxDimension + 1 }},
		{"bad metric", func(s *store.CollectionSpec) { s.Metric = "manhattan" }},
		{"zero threshold", func(s *store.CollectionSpec) { s.MergeThreshold = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := valid
			tt.mutate(&spec)
			err := spec.Validate()
			require.Error(t, err)
			assert.True(t, cperr.IsInvalidInput(err))
		})
	}
}

func TestValidatePut(t *testing.T) {
	spec := store.CollectionSpec{Name: "c", Dimension: 3}.WithDefaults()

	require.NoError(t, store.ValidatePut(spec, "id", []float32{1, 2, 3}))

	err := store.ValidatePut(spec, "id", []float32{1, 2, 3, 4})
	assert.True(t, cperr.IsDimensionMismatch(err))
	assert.Equal(t, "c", cperr.FieldsOf(err)["collection"])

	err = store.ValidatePut(spec, "id", []float32{1, float32(math.NaN()), 3})
	assert.True(t, cperr.IsInvalidInput(err))

	err = store.ValidatePut(spec, strings.Repeat("x", store.MaxRecordIDLength+1), []float32{1, 2, 3})
	assert.True(t, cperr.IsInvalidInput(err))

	err = store.ValidatePut(spec, "origin", []float32{0, 0, 0})
	assert.True(t, cperr.HasCode(err, cperr.CodeVectorZeroInvalid))
	assert.Equal(t, "origin", cperr.FieldsOf(err)["record_id"])

	l2 := store.CollectionSpec{Name: "c", Dimension: 3, Metric: vector.MetricL2}.WithDefaults()
	assert.NoError(t, store.ValidatePut(l2, "origin", []float32{0, 0, 0}))
}
