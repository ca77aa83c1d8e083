// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package server

import (
	"context"

	"github.com/gtm-copilot/gtm-copilot/internal/collection"
	"github.com/gtm-copilot/gtm-copilot/internal/embed"
	"github.com/gtm-copilot/gtm-copilot/internal/scheduler"
	"github.com/gtm-copilot/gtm-copilot/internal/store"
	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
)

// CollectionService creates, looks up, and drops collections.
// *collection.Manager implements it.
type CollectionService interface {
	Create(ctx context.Context, spec store.CollectionSpec) (*collection.Collection, error)
	Get(ctx context.Context, name string) (*collection.Collection, error)
	List(ctx context.Context) ([]store.CollectionSpec, error)
	Drop(ctx context.Context, name string) error
	// Embedder returns the text embedding provider, or nil when text input
	// is disabled.
	Embedder() embed.Provider
}

// RebuildScheduler reports the periodic rebuild job.
type RebuildScheduler interface {
	Status() scheduler.Status
}

// Info describes the deployment for the status endpoint.
type Info struct {
	StorageBackend string
	IndexMode      string
	Scheduler      RebuildScheduler // optional
}

// Services holds dependencies injected into route handlers.
type Services struct {
	collections CollectionService
	info        Info
}

// NewServices creates a Services instance. The collection service is
// required.
func NewServices(collections CollectionService, info Info) (*Services, error) {
	if collections == nil {
		return nil, cperr.New(cperr.CodeServerConfigInvalid, "collection service is required")
	}
	return &Services{collections: collections, info: info}, nil
}

func (s *Services) Collections() CollectionService { return s.collections }
func (s *Services) Info() Info                     { return s.info }
