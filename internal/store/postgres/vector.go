// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/gtm-copilot/gtm-copilot/internal/store"
	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
	"github.com/gtm-copilot/gtm-copilot/pkg/vector"
)

const scanPageSize = 512

// Compile-time interface checks.
var (
	_ store.EmbeddingStore = (*EmbeddingStore)(nil)
	_ store.NativeSearcher = (*EmbeddingStore)(nil)
)

// EmbeddingStore is one collection's view of embedding_records. The pool
// belongs to the Catalog.
type EmbeddingStore struct {
	db   *sql.DB
	spec store.CollectionSpec
}

// nextVersion increments the collection version. The row lock it takes is
// held until tx ends, so writers commit in version order.
func (s *EmbeddingStore) nextVersion(ctx context.Context, tx *sql.Tx) (uint64, error) {
	var v uint64
	err := tx.QueryRowContext(ctx,
		`UPDATE collections SET version = version + 1 WHERE name = $1 RETURNING version`, s.spec.Name,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.CollectionNotFound(s.spec.Name)
	}
	if err != nil {
		return 0, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "assigning version", cperr.FieldCollection(s.spec.Name))
	}
	return v, nil
}

func (s *EmbeddingStore) Put(ctx context.Context, id string, vec []float32, md vector.Metadata) (uint64, error) {
	if err := store.ValidatePut(s.spec, id, vec); err != nil {
		return 0, err
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

	version, err := s.nextVersion(ctx, tx)
	if err != nil {
		return 0, err
	}

	const upsert = `INSERT INTO embedding_records(collection, id, version, embedding, metadata, deleted)
VALUES ($1, $2, $3, $4::vector, $5::jsonb, FALSE)
ON CONFLICT (collection, id) DO UPDATE SET version = EXCLUDED.version, embedding = EXCLUDED.embedding,
	metadata = EXCLUDED.metadata, deleted = FALSE`
	if _, err := tx.ExecContext(ctx, upsert, s.spec.Name, id, version, formatVector(vec), metaJSON); err != nil {
		return 0, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "upserting record", cperr.FieldRecordID(id))
	}

	if err := tx.Commit(); err != nil {
		return 0, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "committing put", cperr.FieldRecordID(id))
	}
	return version, nil
}

func (s *EmbeddingStore) Get(ctx context.Context, id string) (vector.Record, error) {
	var (
		rec      = vector.Record{ID: id}
		emb      string
		metaJSON []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, embedding::text, metadata FROM embedding_records WHERE collection = $1 AND id = $2 AND NOT deleted`,
		s.spec.Name, id,
	).Scan(&rec.Version, &emb, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return vector.Record{}, store.RecordNotFound(s.spec.Name, id)
	}
	if err != nil {
		return vector.Record{}, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "loading record", cperr.FieldRecordID(id))
	}
	if rec.Vector, err = parseVector(emb); err != nil {
		return vector.Record{}, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "decoding vector", cperr.FieldRecordID(id))
	}
	if rec.Metadata, err = unmarshalMetadata(metaJSON); err != nil {
		return vector.Record{}, err
	}
	return rec, nil
}

func (s *EmbeddingStore) Delete(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	// Take the version lock first so the existence check cannot race a put.
	version, err := s.nextVersion(ctx, tx)
	if err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE embedding_records SET deleted = TRUE, version = $3, embedding = NULL, metadata = '{}'
WHERE collection = $1 AND id = $2 AND NOT deleted`, s.spec.Name, id, version)
	if err != nil {
		return false, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "tombstoning record", cperr.FieldRecordID(id))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Nothing to delete; rolling back discards the version bump.
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "committing delete", cperr.FieldRecordID(id))
	}
	return true, nil
}

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
		`SELECT id, version, COALESCE(embedding::text, ''), metadata, deleted FROM embedding_records
WHERE collection = $1 AND version > $2 ORDER BY version LIMIT $3`,
		s.spec.Name, after, scanPageSize)
	if err != nil {
		return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "scanning records")
	}
	defer func() { _ = rows.Close() }()

	page := make([]vector.Change, 0, scanPageSize)
	for rows.Next() {
		var (
			ch       vector.Change
			emb      string
			metaJSON []byte
		)
		if err := rows.Scan(&ch.ID, &ch.Version, &emb, &metaJSON, &ch.Deleted); err != nil {
			return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "scanning record row")
		}
		if !ch.Deleted {
			if ch.Vector, err = parseVector(emb); err != nil {
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
	err := s.db.QueryRowContext(ctx, `SELECT version FROM collections WHERE name = $1`, s.spec.Name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.CollectionNotFound(s.spec.Name)
	}
	if err != nil {
		return 0, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "reading watermark")
	}
	return v, nil
}

func (s *EmbeddingStore) Compact(ctx context.Context, upTo uint64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM embedding_records WHERE collection = $1 AND deleted AND version <= $2`, s.spec.Name, upTo)
	if err != nil {
		return cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "compacting tombstones")
	}
	return nil
}

func (s *EmbeddingStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM embedding_records WHERE collection = $1 AND NOT deleted`, s.spec.Name).Scan(&n)
	if err != nil {
		return 0, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "counting records")
	}
	return n, nil
}

// distanceOperator maps a metric to its pgvector operator. <#> is the
// negative inner product, matching vector.MetricDot.
func distanceOperator(m vector.Metric) string {
	switch m {
	case vector.MetricL2:
		return "<->"
	case vector.MetricDot:
		return "<#>"
	default:
		return "<=>"
	}
}

// maxNativeK caps the rows one KNN query returns.
const maxNativeK = 4096

// SearchNative ranks with pgvector. Ties are broken by id in SQL so the
// result order matches in-process search.
func (s *EmbeddingStore) SearchNative(ctx context.Context, query []float32, k int) ([]vector.Hit, error) {
	if err := vector.CheckDimension(query, s.spec.Dimension); err != nil {
		return nil, err
	}
	k = min(k, maxNativeK)

	q := fmt.Sprintf(`SELECT id, embedding %s $2::vector AS distance, metadata
FROM embedding_records
WHERE collection = $1 AND NOT deleted
ORDER BY distance, id
LIMIT $3`, distanceOperator(s.spec.Metric))

	rows, err := s.db.QueryContext(ctx, q, s.spec.Name, formatVector(query), k)
	if err != nil {
		return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "searching vectors")
	}
	defer func() { _ = rows.Close() }()

	var hits []vector.Hit
	for rows.Next() {
		var (
			h        vector.Hit
			metaJSON []byte
		)
		if err := rows.Scan(&h.ID, &h.Distance, &metaJSON); err != nil {
			return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "scanning vector result")
		}
		if h.Metadata, err = unmarshalMetadata(metaJSON); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "iterating vector results")
	}
	return hits, nil
}

// Close is a no-op; the pool belongs to the Catalog.
func (s *EmbeddingStore) Close() error { return nil }

// formatVector renders the pgvector text literal, e.g. [1,2.5,3].
func formatVector(v []float32) string {
	var b strings.Builder
	b.Grow(len(v)*8 + 2)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("malformed vector literal %q", s)
	}
	body := s[1 : len(s)-1]
	if body == "" {
		return []float32{}, nil
	}
	parts := strings.Split(body, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parsing vector component %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
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

func unmarshalMetadata(b []byte) (vector.Metadata, error) {
	md := vector.Metadata{}
	if len(b) == 0 || string(b) == "{}" {
		return md, nil
	}
	if err := json.Unmarshal(b, &md); err != nil {
		return nil, cperr.Wrap(err, cperr.CodeStoreDatabaseFailure, "unmarshalling metadata")
	}
	return md, nil
}
