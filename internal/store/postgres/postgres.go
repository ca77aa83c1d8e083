// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

// Package postgres stores collections in PostgreSQL with the pgvector
// extension. All collections share one pair of tables.
package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/gtm-copilot/gtm-copilot/internal/store"
	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
	"github.com/gtm-copilot/gtm-copilot/pkg/vector"
)

func init() {
	store.RegisterBackend("postgres", func(cfg *store.StorageConfig) (store.Catalog, error) {
		return Open(context.Background(), cfg.DSN)
	})
}

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = pq.ErrorCode("23505")

// Compile-time interface check.
var _ store.Catalog = (*Catalog)(nil)

// Catalog implements store.Catalog on a shared connection pool.
type Catalog struct {
	db *sql.DB
}

// Open connects to dsn and creates the schema if needed.
func Open(ctx context.Context, dsn string) (*Catalog, error) {
	if dsn == "" {
		return nil, cperr.New(cperr.CodeConfigValidateInvalidValue, "postgres backend requires storage.postgres.dsn")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "opening postgres")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "pinging postgres")
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "migrating postgres schema")
	}
	return &Catalog{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	const ddl = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS collections (
	name            TEXT PRIMARY KEY,
	dimension       INTEGER NOT NULL,
	metric          TEXT NOT NULL,
	merge_threshold INTEGER NOT NULL,
	version         BIGINT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS embedding_records (
	collection TEXT NOT NULL REFERENCES collections(name) ON DELETE CASCADE,
	id         TEXT NOT NULL,
	version    BIGINT NOT NULL,
	embedding  vector,
	metadata   JSONB NOT NULL DEFAULT '{}',
	deleted    BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (collection, id)
);

CREATE INDEX IF NOT EXISTS idx_embedding_records_version
	ON embedding_records(collection, version);`
	_, err := db.ExecContext(ctx, ddl)
	return err
}

func (c *Catalog) CreateCollection(ctx context.Context, spec store.CollectionSpec) error {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO collections(name, dimension, metric, merge_threshold, created_at) VALUES ($1, $2, $3, $4, $5)`,
		spec.Name, spec.Dimension, string(spec.Metric), spec.MergeThreshold, spec.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return store.CollectionExists(spec.Name)
		}
		return cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "inserting collection", cperr.FieldCollection(spec.Name))
	}
	return nil
}

func (c *Catalog) GetCollection(ctx context.Context, name string) (store.CollectionSpec, error) {
	var (
		spec   store.CollectionSpec
		metric string
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT name, dimension, metric, merge_threshold, created_at FROM collections WHERE name = $1`, name,
	).Scan(&spec.Name, &spec.Dimension, &metric, &spec.MergeThreshold, &spec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.CollectionSpec{}, store.CollectionNotFound(name)
	}
	if err != nil {
		return store.CollectionSpec{}, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "loading collection", cperr.FieldCollection(name))
	}
	spec.Metric = vector.Metric(metric)
	return spec, nil
}

func (c *Catalog) ListCollections(ctx context.Context) ([]store.CollectionSpec, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT name, dimension, metric, merge_threshold, created_at FROM collections ORDER BY name`)
	if err != nil {
		return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "listing collections")
	}
	defer func() { _ = rows.Close() }()

	var specs []store.CollectionSpec
	for rows.Next() {
		var (
			spec   store.CollectionSpec
			metric string
		)
		if err := rows.Scan(&spec.Name, &spec.Dimension, &metric, &spec.MergeThreshold, &spec.CreatedAt); err != nil {
			return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "scanning collection")
		}
		spec.Metric = vector.Metric(metric)
		specs = append(specs, spec)
	}
	if err := rows.Err(); err != nil {
		return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "iterating collections")
	}
	return specs, nil
}

// DropCollection deletes the collection; its records cascade.
func (c *Catalog) DropCollection(ctx context.Context, name string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM collections WHERE name = $1`, name)
	if err != nil {
		return cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "deleting collection", cperr.FieldCollection(name))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.CollectionNotFound(name)
	}
	return nil
}

func (c *Catalog) OpenEmbeddings(ctx context.Context, spec store.CollectionSpec) (store.EmbeddingStore, error) {
	if _, err := c.GetCollection(ctx, spec.Name); err != nil {
		return nil, err
	}
	return &EmbeddingStore{db: c.db, spec: spec}, nil
}

func (c *Catalog) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "pinging postgres")
	}
	return nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}
