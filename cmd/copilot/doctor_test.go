// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoctor(t *testing.T) {
	t.Setenv("COPILOT_STORAGE_BACKEND", "memory")

	out, err := runCLI(t, "-a", "127.0.0.1:1", "doctor")
	require.NoError(t, err)

	assert.Contains(t, out, "Binary:")
	assert.Contains(t, out, "copilot dev")
	assert.Contains(t, out, "loaded from")
	assert.Contains(t, out, "memory (records are lost on exit)")
	assert.Contains(t, out, "disabled (vector input only)")
	assert.Contains(t, out, "not running at 127.0.0.1:1")
	assert.Contains(t, out, "available")
}

func TestDoctor_SQLiteAndServer(t *testing.T) {
	addr := startAPI(t)
	t.Setenv("COPILOT_STORAGE_DATA_DIR", t.TempDir())

	out, err := runCLI(t, "-a", addr, "doctor")
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite ok, 0 collection(s)")
	assert.Contains(t, out, "ok at "+addr)
}

func TestDoctor_InvalidConfig(t *testing.T) {
	t.Setenv("COPILOT_INDEX_MODE", "telepathy")

	out, err := runCLI(t, "-a", "127.0.0.1:1", "doctor")
	require.NoError(t, err)
	assert.Contains(t, out, "invalid:")
	assert.Contains(t, out, "skipped (config invalid)")
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{512, "512 bytes"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.in))
	}
}
