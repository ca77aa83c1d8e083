// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package store

import (
	"slices"
	"sync"

	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
)

// CatalogFactory opens the catalog of a storage backend.
type CatalogFactory func(cfg *StorageConfig) (Catalog, error)

var (
	catalogFactories = map[string]CatalogFactory{}
	factoriesMu      sync.RWMutex
)

// RegisterBackend registers the factory for a named storage backend.
// Backend packages call this from init(). This function is goroutine-safe.
func RegisterBackend(name string, f CatalogFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	catalogFactories[name] = f
}

// Backends lists the registered backend names in sorted order.
func Backends() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(catalogFactories))
	for name := range catalogFactories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// resolveBackend returns the effective backend name, defaulting to "sqlite".
func resolveBackend(cfg *StorageConfig) string {
	if cfg.Backend == "" {
		return "sqlite"
	}
	return cfg.Backend
}

// NewCatalog opens the catalog of the configured backend.
func NewCatalog(cfg *StorageConfig) (Catalog, error) {
	backend := resolveBackend(cfg)

	factoriesMu.RLock()
	factory, ok := catalogFactories[backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, cperr.Errorf(cperr.CodeStoreBackendUnsupported, "unsupported storage backend: %q", backend)
	}

	return factory(cfg)
}
