// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gtm-copilot/gtm-copilot/internal/collection"
	"github.com/gtm-copilot/gtm-copilot/internal/consistency"
	"github.com/gtm-copilot/gtm-copilot/internal/index"
	"github.com/gtm-copilot/gtm-copilot/internal/query"
	"github.com/gtm-copilot/gtm-copilot/internal/scheduler"
	"github.com/gtm-copilot/gtm-copilot/internal/store"
	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
	"github.com/gtm-copilot/gtm-copilot/pkg/health"
	"github.com/gtm-copilot/gtm-copilot/pkg/vector"
)

// RegisterServices sets the service dependencies and registers REST routes.
func (s *Server) RegisterServices(svc *Services) {
	s.services = svc
	s.registerRoutes()
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "service-status",
		Method:      http.MethodGet,
		Path:        "/api/v1/status",
		Summary:     "Service status",
		Tags:        []string{"system"},
	}, s.handleStatus)

	// Collections
	huma.Register(s.api, huma.Operation{
		OperationID:   "create-collection",
		Method:        http.MethodPost,
		Path:          "/collections",
		Summary:       "Create a collection",
		Tags:          []string{"collections"},
		DefaultStatus: http.StatusCreated,
	}, s.handleCreateCollection)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-collections",
		Method:      http.MethodGet,
		Path:        "/collections",
		Summary:     "List collections",
		Tags:        []string{"collections"},
	}, s.handleListCollections)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-collection",
		Method:      http.MethodGet,
		Path:        "/collections/{name}",
		Summary:     "Get collection details and index statistics",
		Tags:        []string{"collections"},
	}, s.handleGetCollection)

	huma.Register(s.api, huma.Operation{
		OperationID:   "drop-collection",
		Method:        http.MethodDelete,
		Path:          "/collections/{name}",
		Summary:       "Drop a collection and all of its records",
		Tags:          []string{"collections"},
		DefaultStatus: http.StatusNoContent,
	}, s.handleDropCollection)

	huma.Register(s.api, huma.Operation{
		OperationID: "rebuild-index",
		Method:      http.MethodPost,
		Path:        "/collections/{name}/rebuild",
		Summary:     "Rebuild the collection index",
		Description: "Builds a new snapshot from every record and swaps it in. Fails with 503 when the build fails; the previous snapshot stays active.",
		Tags:        []string{"collections"},
	}, s.handleRebuild)

	huma.Register(s.api, huma.Operation{
		OperationID: "cancel-rebuild",
		Method:      http.MethodDelete,
		Path:        "/collections/{name}/rebuild",
		Summary:     "Cancel a running index rebuild",
		Description: "Aborts the rebuild in progress, if any. The previous snapshot stays active.",
		Tags:        []string{"collections"},
	}, s.handleCancelRebuild)

	// Records
	huma.Register(s.api, huma.Operation{
		OperationID: "put-record",
		Method:      http.MethodPost,
		Path:        "/collections/{name}/records",
		Summary:     "Insert or replace a record",
		Tags:        []string{"records"},
	}, s.handlePutRecord)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-record",
		Method:      http.MethodGet,
		Path:        "/collections/{name}/records/{id}",
		Summary:     "Get a record",
		Tags:        []string{"records"},
	}, s.handleGetRecord)

	huma.Register(s.api, huma.Operation{
		OperationID: "delete-record",
		Method:      http.MethodDelete,
		Path:        "/collections/{name}/records/{id}",
		Summary:     "Delete a record",
		Tags:        []string{"records"},
	}, s.handleDeleteRecord)

	// Search
	huma.Register(s.api, huma.Operation{
		OperationID: "search",
		Method:      http.MethodPost,
		Path:        "/collections/{name}/search",
		Summary:     "Find the k nearest records",
		Tags:        []string{"search"},
	}, s.handleSearch)
}

// --- Request/Response types for huma ---

type statusOutput struct {
	Body struct {
		Status         string            `json:"status" example:"ok"`
		Version        string            `json:"version"`
		StorageBackend string            `json:"storage_backend"`
		IndexMode      string            `json:"index_mode"`
		Collections    int               `json:"collections"`
		Embedder       *embedderStatus   `json:"embedder,omitempty"`
		Rebuild        *scheduler.Status `json:"rebuild,omitempty"`
	}
}

type embedderStatus struct {
	Provider   string         `json:"provider"`
	Dimensions int            `json:"dimensions"`
	Health     health.Metrics `json:"health"`
}

type createCollectionInput struct {
	Body struct {
		Name           string `json:"name" doc:"Collection name" example:"accounts"`
		Dimension      int    `json:"dimension" doc:"Vector length, fixed for the collection's lifetime" example:"1536"`
		Metric         string `json:"metric,omitempty" enum:"cosine,l2,dot" doc:"Distance metric (default cosine)"`
		MergeThreshold int    `json:"merge_threshold,omitempty" doc:"Overlay size that triggers a background rebuild"`
	}
}

type collectionOutput struct {
	Body store.CollectionSpec
}

type listCollectionsOutput struct {
	Body struct {
		Collections []store.CollectionSpec `json:"collections"`
	}
}

type collectionNameInput struct {
	Name string `path:"name"`
}

type collectionStatsOutput struct {
	Body collection.Summary
}

type rebuildOutput struct {
	Body index.Stats
}

type cancelRebuildOutput struct {
	Body struct {
		Cancelled bool `json:"cancelled" doc:"Whether a rebuild was running"`
	}
}

type putRecordInput struct {
	Name string `path:"name"`
	Body struct {
		ID       string         `json:"id" doc:"Record id, unique within the collection"`
		Vector   []float32      `json:"vector,omitempty" doc:"Embedding; exactly one of vector and text is required"`
		Text     string         `json:"text,omitempty" doc:"Text to embed with the configured provider"`
		Metadata map[string]any `json:"metadata,omitempty" doc:"String, number or boolean values"`
	}
}

type putRecordOutput struct {
	Body struct {
		ID      string `json:"id"`
		Version uint64 `json:"version"`
	}
}

type recordInput struct {
	Name string `path:"name"`
	ID   string `path:"id"`
}

type recordBody struct {
	ID       string         `json:"id"`
	Vector   []float32      `json:"vector"`
	Metadata map[string]any `json:"metadata"`
	Version  uint64         `json:"version"`
}

type recordOutput struct {
	Body recordBody
}

type deleteRecordOutput struct {
	Body struct {
		Deleted bool `json:"deleted"`
	}
}

type searchInput struct {
	Name string `path:"name"`
	Body struct {
		Vector      []float32      `json:"vector,omitempty" doc:"Query embedding; exactly one of vector and text is required"`
		Text        string         `json:"text,omitempty" doc:"Query text to embed with the configured provider"`
		K           int            `json:"k" doc:"Number of neighbours to return" example:"10"`
		Filter      map[string]any `json:"filter,omitempty" doc:"Metadata values that must match exactly"`
		Expr        string         `json:"expr,omitempty" doc:"CEL predicate over metadata and id" example:"metadata.tier == 'enterprise'"`
		Consistency string         `json:"consistency,omitempty" enum:"eventual,strong,at_least" doc:"Freshness of the index view"`
		MinVersion  uint64         `json:"min_version,omitempty" doc:"With at_least, the version the view must include"`
	}
}

type hitBody struct {
	ID       string         `json:"id"`
	Distance float64        `json:"distance"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type searchOutput struct {
	Body struct {
		Results    []hitBody `json:"results"`
		Watermark  uint64    `json:"watermark"`
		SnapshotID string    `json:"snapshot_id,omitempty"`
		Native     bool      `json:"native,omitempty"`
	}
}

// --- Handlers ---

func (s *Server) collection(ctx context.Context, name string) (*collection.Collection, error) {
	c, err := s.services.Collections().Get(ctx, name)
	if err != nil {
		return nil, s.apiError("get collection", err)
	}
	return c, nil
}

func (s *Server) handleStatus(ctx context.Context, _ *struct{}) (*statusOutput, error) {
	specs, err := s.services.Collections().List(ctx)
	if err != nil {
		return nil, s.apiError("list collections", err)
	}

	out := &statusOutput{}
	out.Body.Status = "ok"
	out.Body.Version = s.cfg.Version
	out.Body.StorageBackend = s.services.Info().StorageBackend
	out.Body.IndexMode = s.services.Info().IndexMode
	out.Body.Collections = len(specs)
	if p := s.services.Collections().Embedder(); p != nil {
		out.Body.Embedder = &embedderStatus{
			Provider:   p.Name(),
			Dimensions: p.Dimensions(),
			Health:     p.HealthMetrics(),
		}
	}
	if sched := s.services.Info().Scheduler; sched != nil {
		st := sched.Status()
		out.Body.Rebuild = &st
	}
	return out, nil
}

func (s *Server) handleCreateCollection(ctx context.Context, input *createCollectionInput) (*collectionOutput, error) {
	spec := store.CollectionSpec{
		Name:           input.Body.Name,
		Dimension:      input.Body.Dimension,
		MergeThreshold: input.Body.MergeThreshold,
	}
	if input.Body.Metric != "" {
		metric, err := vector.ParseMetric(input.Body.Metric)
		if err != nil {
			return nil, s.apiError("create collection", err)
		}
		spec.Metric = metric
	}

	c, err := s.services.Collections().Create(ctx, spec)
	if err != nil {
		return nil, s.apiError("create collection", err)
	}
	return &collectionOutput{Body: c.Spec()}, nil
}

func (s *Server) handleListCollections(ctx context.Context, _ *struct{}) (*listCollectionsOutput, error) {
	specs, err := s.services.Collections().List(ctx)
	if err != nil {
		return nil, s.apiError("list collections", err)
	}
	out := &listCollectionsOutput{}
	out.Body.Collections = append([]store.CollectionSpec{}, specs...)
	return out, nil
}

func (s *Server) handleGetCollection(ctx context.Context, input *collectionNameInput) (*collectionStatsOutput, error) {
	c, err := s.collection(ctx, input.Name)
	if err != nil {
		return nil, err
	}
	stats, err := c.Summary(ctx)
	if err != nil {
		return nil, s.apiError("collection stats", err)
	}
	return &collectionStatsOutput{Body: stats}, nil
}

func (s *Server) handleDropCollection(ctx context.Context, input *collectionNameInput) (*struct{}, error) {
	if err := s.services.Collections().Drop(ctx, input.Name); err != nil {
		return nil, s.apiError("drop collection", err)
	}
	return nil, nil
}

func (s *Server) handleRebuild(ctx context.Context, input *collectionNameInput) (*rebuildOutput, error) {
	c, err := s.collection(ctx, input.Name)
	if err != nil {
		return nil, err
	}
	stats, err := c.Rebuild(ctx)
	if err != nil {
		return nil, s.apiError("rebuild index", err)
	}
	return &rebuildOutput{Body: stats}, nil
}

func (s *Server) handleCancelRebuild(ctx context.Context, input *collectionNameInput) (*cancelRebuildOutput, error) {
	c, err := s.collection(ctx, input.Name)
	if err != nil {
		return nil, err
	}
	out := &cancelRebuildOutput{}
	out.Body.Cancelled = c.CancelRebuild()
	if out.Body.Cancelled {
		s.logger.Info("index rebuild cancelled by request", "collection", input.Name)
	}
	return out, nil
}

func (s *Server) handlePutRecord(ctx context.Context, input *putRecordInput) (*putRecordOutput, error) {
	c, err := s.collection(ctx, input.Name)
	if err != nil {
		return nil, err
	}
	md, err := vector.MetadataFromMap(input.Body.Metadata)
	if err != nil {
		return nil, s.apiError("put record", err)
	}

	var version uint64
	switch body := input.Body; {
	case len(body.Vector) > 0 && body.Text != "":
		err = cperr.New(cperr.CodeServerRequestInvalid, "set either vector or text, not both")
	case body.Text != "":
		version, err = c.PutText(ctx, body.ID, body.Text, md)
	default:
		version, err = c.Put(ctx, body.ID, body.Vector, md)
	}
	if err != nil {
		return nil, s.apiError("put record", err)
	}

	out := &putRecordOutput{}
	out.Body.ID = input.Body.ID
	out.Body.Version = version
	return out, nil
}

func (s *Server) handleGetRecord(ctx context.Context, input *recordInput) (*recordOutput, error) {
	c, err := s.collection(ctx, input.Name)
	if err != nil {
		return nil, err
	}
	rec, err := c.Get(ctx, input.ID)
	if err != nil {
		return nil, s.apiError("get record", err)
	}
	return &recordOutput{Body: recordBody{
		ID:       rec.ID,
		Vector:   rec.Vector,
		Metadata: rec.Metadata.Map(),
		Version:  rec.Version,
	}}, nil
}

func (s *Server) handleDeleteRecord(ctx context.Context, input *recordInput) (*deleteRecordOutput, error) {
	c, err := s.collection(ctx, input.Name)
	if err != nil {
		return nil, err
	}
	existed, err := c.Delete(ctx, input.ID)
	if err != nil {
		return nil, s.apiError("delete record", err)
	}
	if !existed {
		return nil, s.apiError("delete record", store.RecordNotFound(input.Name, input.ID))
	}

	out := &deleteRecordOutput{}
	out.Body.Deleted = true
	return out, nil
}

func (s *Server) handleSearch(ctx context.Context, input *searchInput) (*searchOutput, error) {
	c, err := s.collection(ctx, input.Name)
	if err != nil {
		return nil, err
	}

	body := input.Body
	level, err := consistency.ParseLevel(body.Consistency, "")
	if err != nil {
		return nil, s.apiError("search", err)
	}
	if level == "" && body.MinVersion > 0 {
		level = consistency.AtLeast
	}
	equals, err := vector.MetadataFromMap(body.Filter)
	if err != nil {
		return nil, s.apiError("search", err)
	}

	res, err := c.Search(ctx, collection.SearchRequest{
		Vector:      body.Vector,
		Text:        body.Text,
		K:           body.K,
		Filter:      query.Filter{Equals: equals, Expr: body.Expr},
		Consistency: consistency.Requirement{Level: level, MinVersion: body.MinVersion},
	})
	if err != nil {
		return nil, s.apiError("search", err)
	}

	out := &searchOutput{}
	out.Body.Results = make([]hitBody, 0, len(res.Hits))
	for _, h := range res.Hits {
		hb := hitBody{ID: h.ID, Distance: h.Distance}
		if len(h.Metadata) > 0 {
			hb.Metadata = h.Metadata.Map()
		}
		out.Body.Results = append(out.Body.Results, hb)
	}
	out.Body.Watermark = res.Watermark
	out.Body.SnapshotID = res.SnapshotID
	out.Body.Native = res.Native
	return out, nil
}
