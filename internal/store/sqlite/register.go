// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package sqlite

import (
	"github.com/gtm-copilot/gtm-copilot/internal/store"
)

func init() {
	store.RegisterBackend("sqlite", newCatalog)
}

func newCatalog(cfg *store.StorageConfig) (store.Catalog, error) {
	return NewCatalog(cfg.DataDir)
}
