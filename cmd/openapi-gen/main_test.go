// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSpec(t *testing.T) {
	spec, err := generateSpec()
	require.NoError(t, err)

	var doc struct {
		OpenAPI    string                    `json:"openapi"`
		Paths      map[string]map[string]any `json:"paths"`
		Components struct {
			Schemas map[string]any `json:"schemas"`
		} `json:"components"`
	}
	require.NoError(t, json.Unmarshal(spec, &doc))
	assert.Contains(t, doc.OpenAPI, "3.1")

	for path, methods := range map[string][]string{
		"/health":                          {"get"},
		"/api/v1/status":                   {"get"},
		"/collections":                     {"get", "post"},
		"/collections/{name}":              {"get", "delete"},
		"/collections/{name}/rebuild":      {"post", "delete"},
		"/collections/{name}/records":      {"post"},
		"/collections/{name}/records/{id}": {"get", "delete"},
		"/collections/{name}/search":       {"post"},
	} {
		require.Contains(t, doc.Paths, path)
		for _, m := range methods {
			assert.Contains(t, doc.Paths[path], m, "%s %s", m, path)
		}
	}

	// Collection summaries embed index stats; both need their own schema.
	assert.Contains(t, doc.Components.Schemas, "Summary")
	assert.Contains(t, doc.Components.Schemas, "Stats")
}
