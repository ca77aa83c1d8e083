// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/gtm-copilot/gtm-copilot/internal/store"
	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
	"github.com/gtm-copilot/gtm-copilot/pkg/vector"
)

// Compile-time interface check.
var _ store.Catalog = (*Catalog)(nil)

// Catalog keeps collection definitions in catalog.db and one database file
// per collection under collections/.
type Catalog struct {
	dir string
	db  *sql.DB

	// dropMu orders DropCollection against OpenEmbeddings so a dropped
	// collection's files are not reopened mid-removal.
	dropMu sync.Mutex
}

// openDB opens a SQLite database with the pragmas every file in this
// backend uses. Writes take the lock up front so version assignment never
// upgrades a read lock.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, cperr.Wrapf(err, cperr.CodeStoreDatabaseFailure, "opening sqlite db %s", path)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, cperr.Wrapf(err, cperr.CodeStoreDatabaseFailure, "pinging sqlite db %s", path)
	}
	return db, nil
}

// NewCatalog opens (or creates) the catalog under dir.
func NewCatalog(dir string) (*Catalog, error) {
	if dir == "" {
		return nil, cperr.New(cperr.CodeConfigValidateInvalidValue, "sqlite backend requires a data directory")
	}
	if err := os.MkdirAll(filepath.Join(dir, "collections"), 0o700); err != nil {
		return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "creating data directory")
	}

	db, err := openDB(filepath.Join(dir, "catalog.db"))
	if err != nil {
		return nil, err
	}

	const ddl = `
CREATE TABLE IF NOT EXISTS collections (
	name            TEXT PRIMARY KEY,
	dimension       INTEGER NOT NULL,
	metric          TEXT NOT NULL,
	merge_threshold INTEGER NOT NULL,
	created_at      TEXT NOT NULL
)`
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "migrating catalog")
	}

	return &Catalog{dir: dir, db: db}, nil
}

func (c *Catalog) collectionPath(name string) string {
	return filepath.Join(c.dir, "collections", name+".db")
}

func (c *Catalog) CreateCollection(ctx context.Context, spec store.CollectionSpec) error {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return err
	}

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO collections(name, dimension, metric, merge_threshold, created_at) VALUES (?, ?, ?, ?, ?)`,
		spec.Name, spec.Dimension, string(spec.Metric), spec.MergeThreshold, spec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return store.CollectionExists(spec.Name)
		}
		return cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "inserting collection", cperr.FieldCollection(spec.Name))
	}
	return nil
}

func (c *Catalog) GetCollection(ctx context.Context, name string) (store.CollectionSpec, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT name, dimension, metric, merge_threshold, created_at FROM collections WHERE name = ?`, name)
	spec, err := scanSpec(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.CollectionSpec{}, store.CollectionNotFound(name)
	}
	if err != nil {
		return store.CollectionSpec{}, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "loading collection", cperr.FieldCollection(name))
	}
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
		spec, err := scanSpec(rows)
		if err != nil {
			return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "scanning collection")
		}
		specs = append(specs, spec)
	}
	if err := rows.Err(); err != nil {
		return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "iterating collections")
	}
	return specs, nil
}

func (c *Catalog) DropCollection(ctx context.Context, name string) error {
	c.dropMu.Lock()
	defer c.dropMu.Unlock()

	res, err := c.db.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, name)
	if err != nil {
		return cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "deleting collection", cperr.FieldCollection(name))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.CollectionNotFound(name)
	}

	path := c.collectionPath(name)
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
			return cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "removing collection files", cperr.FieldCollection(name))
		}
	}
	return nil
}

func (c *Catalog) OpenEmbeddings(ctx context.Context, spec store.CollectionSpec) (store.EmbeddingStore, error) {
	c.dropMu.Lock()
	defer c.dropMu.Unlock()

	if _, err := c.GetCollection(ctx, spec.Name); err != nil {
		return nil, err
	}
	return NewEmbeddingStore(c.collectionPath(spec.Name), spec)
}

func (c *Catalog) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "pinging catalog")
	}
	return nil
}

// Close closes the catalog database. Embedding stores are closed by
// their owners.
func (c *Catalog) Close() error {
	return c.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpec(row rowScanner) (store.CollectionSpec, error) {
	var (
		spec      store.CollectionSpec
		metric    string
		createdAt string
	)
	if err := row.Scan(&spec.Name, &spec.Dimension, &metric, &spec.MergeThreshold, &createdAt); err != nil {
		return store.CollectionSpec{}, err
	}
	spec.Metric = vector.Metric(strings.ToLower(metric))
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return store.CollectionSpec{}, err
	}
	spec.CreatedAt = t
	return spec, nil
}
