// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package store

// StorageConfig controls which backend the store factory uses.
type StorageConfig struct {
	Backend string // "memory", "sqlite" or "postgres"; empty selects sqlite.
	DataDir string // Root directory for file-backed backends.
	DSN     string // Connection string for postgres.
}
