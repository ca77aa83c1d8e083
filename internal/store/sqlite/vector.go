// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/gtm-copilot/gtm-copilot/internal/store"
	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
	"github.com/gtm-copilot/gtm-copilot/pkg/vector"
)

func init() {
	sqlite_vec.Auto()
}

const (
	// scanPageSize bounds the rows read per query during Scan so that no
	// read transaction stays open while the caller consumes results.
	scanPageSize = 512

	// maxNativeK is the largest k the vec0 KNN operator accepts.
	maxNativeK = 4096
)

// Compile-time interface checks.
var (
	_ store.EmbeddingStore = (*EmbeddingStore)(nil)
	_ store.NativeSearcher = (*EmbeddingStore)(nil)
)

// EmbeddingStore implements store.EmbeddingStore backed by SQLite with
// sqlite-vec. The records table is the source of truth; vec_records mirrors
// live vectors for native KNN.
type EmbeddingStore struct {
	db   *sql.DB
	spec store.CollectionSpec
}

// NewEmbeddingStore opens (or creates) the collection database at dbPath.
func NewEmbeddingStore(dbPath string, spec store.CollectionSpec) (*EmbeddingStore, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}

	if err := migrateEmbeddings(db, spec); err != nil {
		_ = db.Close()
		return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "migrating embedding tables", cperr.FieldCollection(spec.Name))
	}

	return &EmbeddingStore{db: db, spec: spec}, nil
}

// vecDistanceMetric maps a collection metric to the vec0 distance_metric
// option. Dot product has no vec0 equivalent; those collections keep an L2
// table and are ranked in-process.
func vecDistanceMetric(m vector.Metric) string {
	if m == vector.MetricCosine {
		return "cosine"
	}
	return "L2"
}

func migrateEmbeddings(db *sql.DB, spec store.CollectionSpec) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS records (
	id       TEXT PRIMARY KEY,
	version  INTEGER NOT NULL UNIQUE,
	vector   BLOB,
	metadata TEXT NOT NULL DEFAULT '{}',
	deleted  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);

INSERT INTO meta(key, value) VALUES ('version', 0) ON CONFLICT(key) DO NOTHING;`
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("creating records tables: %w", err)
	}

	vecDDL := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS vec_records USING vec0(id TEXT PRIMARY KEY, embedding float[%d] distance_metric=%s)`,
		spec.Dimension, vecDistanceMetric(spec.Metric),
	)
	if _, err := db.Exec(vecDDL); err != nil {
		return fmt.Errorf("creating vec_records virtual table: %w", err)
	}
	return nil
}

// nextVersion bumps and returns the collection version inside tx.
func nextVersion(ctx context.Context, tx *sql.Tx) (uint64, error) {
	var v uint64
	err := tx.QueryRowContext(ctx, `UPDATE meta SET value = value + 1 WHERE key = 'version' RETURNING value`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("assigning version: %w", err)
	}
	return v, nil
}

// Put inserts or replaces a record and its vec0 row in one transaction.
func (s *EmbeddingStore) Put(ctx context.Context, id string, vec []float32, md vector.Metadata) (uint64, error) {
	if err := store.ValidatePut(s.spec, id, vec); err != nil {
		return 0, err
	}

	blob, err := sqlite_vec.SerializeFloat32(vec)
	if err != nil {
		return 0, cperr.Wrap(err, cperr.CodeStoreRecordInvalid, "serializing embedding")
	}
	metaJSON, err := marshalMetadata(md)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	version, err := nextVersion(ctx, tx)
	if err != nil {
		return 0, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "putting record", cperr.FieldRecordID(id))
	}

	const upsert = `INSERT INTO records(id, version, vector, metadata, deleted) VALUES (?, ?, ?, ?, 0)
ON CONFLICT(id) DO UPDATE SET version = excluded.version, vector = excluded.vector,
	metadata = excluded.metadata, deleted = 0`
	if _, err := tx.ExecContext(ctx, upsert, id, version, blob, metaJSON); err != nil {
		return 0, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "upserting record", cperr.FieldRecordID(id))
	}

	// vec0 does not support ON CONFLICT; delete first for upsert.
	if _, err := tx.ExecContext(ctx, `DELETE FROM vec_records WHERE id = ?`, id); err != nil {
		return 0, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "deleting existing vector", cperr.FieldRecordID(id))
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO vec_records(id, embedding) VALUES (?, ?)`, id, blob); err != nil {
		return 0, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "inserting vector", cperr.FieldRecordID(id))
	}

	if err := tx.Commit(); err != nil {
		return 0, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "committing put", cperr.FieldRecordID(id))
	}
	return version, nil
}

func (s *EmbeddingStore) Get(ctx context.Context, id string) (vector.Record, error) {
	var (
		rec      = vector.Record{ID: id}
		blob     []byte
		metaJSON string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, vector, metadata FROM records WHERE id = ? AND deleted = 0`, id,
	).Scan(&rec.Version, &blob, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return vector.Record{}, store.RecordNotFound(s.spec.Name, id)
	}
	if err != nil {
		return vector.Record{}, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "loading record", cperr.FieldRecordID(id))
	}

	if rec.Vector, err = decodeFloat32(blob); err != nil {
		return vector.Record{}, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "decoding vector", cperr.FieldRecordID(id))
	}
	if rec.Metadata, err = unmarshalMetadata(metaJSON); err != nil {
		return vector.Record{}, err
	}
	return rec, nil
}

// Delete tombstones the record and removes its vec0 row.
func (s *EmbeddingStore) Delete(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var deleted bool
	err = tx.QueryRowContext(ctx, `SELECT deleted FROM records WHERE id = ?`, id).Scan(&deleted)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && deleted) {
		return false, nil
	}
	if err != nil {
		return false, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "loading record", cperr.FieldRecordID(id))
	}

	version, err := nextVersion(ctx, tx)
	if err != nil {
		return false, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "deleting record", cperr.FieldRecordID(id))
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET deleted = 1, version = ?, vector = NULL, metadata = '{}' WHERE id = ?`, version, id,
	); err != nil {
		return false, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "tombstoning record", cperr.FieldRecordID(id))
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM vec_records WHERE id = ?`, id); err != nil {
		return false, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "deleting vector", cperr.FieldRecordID(id))
	}

	if err := tx.Commit(); err != nil {
		return false, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "committing delete", cperr.FieldRecordID(id))
	}
	return true, nil
}

// Scan pages through records by version. Each page is a separate query.
func (s *EmbeddingStore) Scan(ctx context.Context, since uint64) iter.Seq2[vector.Change, error] {
	return func(yield func(vector.Change, error) bool) {
		cursor := since
		for {
			page, err := s.scanPage(ctx, cursor)
			if err != nil {
				yield(vector.Change{}, err)
				return
			}
			for _, ch := range page {
				if !yield(ch, nil) {
					return
				}
			}
			if len(page) < scanPageSize {
				return
			}
			cursor = page[len(page)-1].Version
		}
	}
}

func (s *EmbeddingStore) scanPage(ctx context.Context, after uint64) ([]vector.Change, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, version, vector, metadata, deleted FROM records WHERE version > ? ORDER BY version LIMIT ?`,
		after, scanPageSize)
	if err != nil {
		return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "scanning records")
	}
	defer func() { _ = rows.Close() }()

	page := make([]vector.Change, 0, scanPageSize)
	for rows.Next() {
		var (
			ch       vector.Change
			blob     []byte
			metaJSON string
		)
		if err := rows.Scan(&ch.ID, &ch.Version, &blob, &metaJSON, &ch.Deleted); err != nil {
			return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "scanning record row")
		}
		if !ch.Deleted {
			if ch.Vector, err = decodeFloat32(blob); err != nil {
				return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "decoding vector", cperr.FieldRecordID(ch.ID))
			}
			if ch.Metadata, err = unmarshalMetadata(metaJSON); err != nil {
				return nil, err
			}
		}
		page = append(page, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "iterating records")
	}
	return page, nil
}

func (s *EmbeddingStore) Watermark(ctx context.Context) (uint64, error) {
	var v uint64
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'version'`).Scan(&v); err != nil {
		return 0, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "reading watermark")
	}
	return v, nil
}

func (s *EmbeddingStore) Compact(ctx context.Context, upTo uint64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE deleted = 1 AND version <= ?`, upTo); err != nil {
		return cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "compacting tombstones")
	}
	return nil
}

func (s *EmbeddingStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE deleted = 0`).Scan(&n); err != nil {
		return 0, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "counting records")
	}
	return n, nil
}

// SearchNative runs a vec0 KNN query. Score is the vec0 distance (lower =
// more similar; 0.0 = exact match). Dot-product collections are not served.
func (s *EmbeddingStore) SearchNative(ctx context.Context, query []float32, k int) ([]vector.Hit, error) {
	if s.spec.Metric == vector.MetricDot {
		return nil, store.Unsupported("sqlite-vec has no inner product distance")
	}
	if err := vector.CheckDimension(query, s.spec.Dimension); err != nil {
		return nil, err
	}
	k = min(k, maxNativeK)

	blob, err := sqlite_vec.SerializeFloat32(query)
	if err != nil {
		return nil, cperr.Wrap(err, cperr.CodeStoreRecordInvalid, "serializing query vector")
	}

	// vec0 plans a KNN query only when it is the sole table and the only
	// ORDER BY term is distance, so metadata is joined in a second query and
	// ties are left for the caller to order.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, distance FROM vec_records WHERE embedding MATCH ? AND k = ? ORDER BY distance`, blob, k)
	if err != nil {
		return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "searching vectors")
	}
	var hits []vector.Hit
	for rows.Next() {
		var h vector.Hit
		if err := rows.Scan(&h.ID, &h.Distance); err != nil {
			_ = rows.Close()
			return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "scanning vector result")
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "iterating vector results")
	}
	_ = rows.Close()

	if len(hits) == 0 {
		return nil, nil
	}
	return s.attachMetadata(ctx, hits)
}

// attachMetadata fills in metadata for hits and drops ids that are no
// longer live.
func (s *EmbeddingStore) attachMetadata(ctx context.Context, hits []vector.Hit) ([]vector.Hit, error) {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "encoding result ids")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, metadata FROM records WHERE deleted = 0 AND id IN (SELECT value FROM json_each(?))`, string(idsJSON))
	if err != nil {
		return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "loading result metadata")
	}
	defer func() { _ = rows.Close() }()

	live := make(map[string]vector.Metadata, len(hits))
	for rows.Next() {
		var id, metaJSON string
		if err := rows.Scan(&id, &metaJSON); err != nil {
			return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "scanning result metadata")
		}
		md, err := unmarshalMetadata(metaJSON)
		if err != nil {
			return nil, err
		}
		live[id] = md
	}
	if err := rows.Err(); err != nil {
		return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "iterating result metadata")
	}

	out := hits[:0]
	for _, h := range hits {
		md, ok := live[h.ID]
		if !ok {
			continue
		}
		h.Metadata = md
		out = append(out, h)
	}
	return out, nil
}

// Close closes the underlying database connection.
func (s *EmbeddingStore) Close() error {
	return s.db.Close()
}

func marshalMetadata(md vector.Metadata) (string, error) {
	if len(md) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return "", cperr.Wrap(err, cperr.CodeVectorMetadataInvalid, "marshalling metadata")
	}
	return string(b), nil
}

func unmarshalMetadata(s string) (vector.Metadata, error) {
	md := vector.Metadata{}
	if s == "" || s == "{}" {
		return md, nil
	}
	if err := json.Unmarshal([]byte(s), &md); err != nil {
		return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "unmarshalling metadata")
	}
	return md, nil
}

// decodeFloat32 reverses sqlite_vec.SerializeFloat32 (little-endian float32).
func decodeFloat32(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}
