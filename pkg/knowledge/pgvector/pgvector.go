// Package pgvector provides a knowledge index stored in Postgres with the
// pgvector extension, queried by cosine distance.
package pgvector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/contextd/contextd/pkg/knowledge"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds configuration for the pgvector index.
type Config struct {
	DSN       string
	Table     string
	MaxConns  int32
	Dimension int
}

// DB is the subset of *pgxpool.Pool the index uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Index implements knowledge.Index over a Postgres table.
type Index struct {
	db        DB
	pool      *pgxpool.Pool
	table     string
	dimension int
}

// New connects, ensures the schema and returns the index.
func New(ctx context.Context, cfg Config) (*Index, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgvector: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pgvector: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector: ping: %w", err)
	}

	idx := NewWithDB(pool, cfg.Table, cfg.Dimension)
	idx.pool = pool
	if err := idx.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return idx, nil
}

// NewWithDB wraps an existing connection.
func NewWithDB(db DB, table string, dimension int) *Index {
	if table == "" {
		table = "knowledge_chunks"
	}
	return &Index{
		db:        db,
		table:     pgx.Identifier{table}.Sanitize(),
		dimension: dimension,
	}
}

// Migrate creates the extension and table when missing.
func (i *Index) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			text       TEXT NOT NULL,
			source     TEXT NOT NULL DEFAULT '',
			"order"    INTEGER NOT NULL DEFAULT 0,
			metadata   JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding  vector(%d) NOT NULL
		)`, i.table, i.dimension),
	}
	for _, s := range stmts {
		if _, err := i.db.Exec(ctx, s); err != nil {
			return fmt.Errorf("pgvector: migrate: %w", err)
		}
	}
	return nil
}

// Search orders rows by cosine distance; similarity is 1 - distance.
func (i *Index) Search(ctx context.Context, vector []float32, k int) ([]knowledge.Candidate, error) {
	if err := knowledge.CheckVector(vector, i.dimension); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []knowledge.Candidate{}, nil
	}

	q := fmt.Sprintf(`
		SELECT id, text, source, "order", metadata, embedding <=> $1::vector AS distance
		FROM %s
		ORDER BY embedding <=> $1::vector, id
		LIMIT $2`, i.table)

	rows, err := i.db.Query(ctx, q, VectorLiteral(vector), k)
	if err != nil {
		return nil, fmt.Errorf("pgvector: search: %w", err)
	}
	defer rows.Close()

	out := []knowledge.Candidate{}
	for rows.Next() {
		var (
			c        knowledge.Chunk
			meta     []byte
			distance float64
		)
		if err := rows.Scan(&c.ID, &c.Text, &c.SourceLabel, &c.SequenceIndex, &meta, &distance); err != nil {
			return nil, fmt.Errorf("pgvector: scan: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &c.Metadata); err != nil {
				return nil, fmt.Errorf("pgvector: metadata for %s: %w", c.ID, err)
			}
			if len(c.Metadata) == 0 {
				c.Metadata = nil
			}
		}
		out = append(out, knowledge.Candidate{Chunk: c, Similarity: 1 - distance})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgvector: search: %w", err)
	}
	return out, nil
}

// Upsert writes chunks in a single batch.
func (i *Index) Upsert(ctx context.Context, chunks []knowledge.Chunk) error {
	if err := knowledge.CheckChunks(chunks, i.dimension); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	q := fmt.Sprintf(`
		INSERT INTO %s (id, text, source, "order", metadata, embedding)
		VALUES ($1, $2, $3, $4, $5, $6::vector)
		ON CONFLICT (id) DO UPDATE SET
			text = EXCLUDED.text,
			source = EXCLUDED.source,
			"order" = EXCLUDED."order",
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding`, i.table)

	batch := &pgx.Batch{}
	for _, c := range chunks {
		meta := c.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("pgvector: metadata for %s: %w", c.ID, err)
		}
		batch.Queue(q, c.ID, c.Text, c.SourceLabel, c.SequenceIndex, metaJSON, VectorLiteral(c.Embedding))
	}

	br := i.db.SendBatch(ctx, batch)
	var errs []error
	for range chunks {
		if _, err := br.Exec(); err != nil {
			errs = append(errs, err)
			break
		}
	}
	if err := br.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("pgvector: upsert: %w", err)
	}
	return nil
}

// Delete removes rows by id.
func (i *Index) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, i.table)
	if _, err := i.db.Exec(ctx, q, ids); err != nil {
		return fmt.Errorf("pgvector: delete: %w", err)
	}
	return nil
}

// Reset truncates the table.
func (i *Index) Reset(ctx context.Context) error {
	if _, err := i.db.Exec(ctx, fmt.Sprintf(`TRUNCATE %s`, i.table)); err != nil {
		return fmt.Errorf("pgvector: reset: %w", err)
	}
	return nil
}

// Count returns the row count.
func (i *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := i.db.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, i.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("pgvector: count: %w", err)
	}
	return n, nil
}

// Dimension returns the vector length.
func (i *Index) Dimension() int { return i.dimension }

// Ping checks the connection when the index owns a pool.
func (i *Index) Ping(ctx context.Context) error {
	if i.pool == nil {
		return nil
	}
	return i.pool.Ping(ctx)
}

// Close releases the pool when the index owns one.
func (i *Index) Close() error {
	if i.pool != nil {
		i.pool.Close()
	}
	return nil
}

// VectorLiteral formats a vector in pgvector's text input form, e.g. [1,0.5,-2].
func VectorLiteral(vec []float32) string {
	var b strings.Builder
	b.Grow(len(vec) * 8)
	b.WriteByte('[')
	for j, v := range vec {
		if j > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
