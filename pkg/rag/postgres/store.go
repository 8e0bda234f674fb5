package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/acedergren/ocigenai/pkg/apierror"
	"github.com/acedergren/ocigenai/pkg/rag"
)

var _ rag.Store = (*Store)(nil)

// Store is a [rag.Store] backed by a single [pgxpool.Pool].
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
	dims int
}

// NewStore creates a connection pool to the database at dsn, registers
// pgvector types on every connection, and runs [Migrate].
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool, dims: embeddingDimensions}, nil
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Upsert implements [rag.Store]. All chunks are written in one transaction.
func (s *Store) Upsert(ctx context.Context, chunks []rag.Chunk) error {
	const q = `
		INSERT INTO rag_chunks (id, source, content, metadata, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
		    source     = EXCLUDED.source,
		    content    = EXCLUDED.content,
		    metadata   = EXCLUDED.metadata,
		    embedding  = EXCLUDED.embedding,
		    created_at = EXCLUDED.created_at`

	if len(chunks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range chunks {
		if len(c.Embedding) != s.dims {
			return apierror.Validation("rag.upsert", "chunk %q has %d dimensions, store expects %d", c.ID, len(c.Embedding), s.dims)
		}
		meta, err := json.Marshal(orEmpty(c.Metadata))
		if err != nil {
			return fmt.Errorf("postgres store: marshal metadata of %q: %w", c.ID, err)
		}
		batch.Queue(q, c.ID, c.Source, c.Content, meta, pgvector.NewVector(c.Embedding), c.CreatedAt)
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("postgres store: upsert: %w", err)
	}
	return nil
}

// Search implements [rag.Store]. Results are ordered by ascending cosine
// distance (most similar first).
func (s *Store) Search(ctx context.Context, embedding []float32, topK int, filter rag.Filter) ([]rag.Match, error) {
	args := []any{pgvector.NewVector(embedding)} // $1 = query vector
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if filter.Source != "" {
		conditions = append(conditions, "source = "+next(filter.Source))
	}
	if !filter.After.IsZero() {
		conditions = append(conditions, "created_at > "+next(filter.After))
	}
	if !filter.Before.IsZero() {
		conditions = append(conditions, "created_at < "+next(filter.Before))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, "\n  AND ")
	}
	limitArg := next(topK)

	q := fmt.Sprintf(`
		SELECT id, source, content, metadata, embedding, created_at,
		       embedding <=> $1 AS distance
		FROM   rag_chunks
		%s
		ORDER  BY distance
		LIMIT  %s`, whereClause, limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (rag.Match, error) {
		var (
			m    rag.Match
			meta []byte
			vec  pgvector.Vector
		)
		if err := row.Scan(
			&m.Chunk.ID,
			&m.Chunk.Source,
			&m.Chunk.Content,
			&meta,
			&vec,
			&m.Chunk.CreatedAt,
			&m.Distance,
		); err != nil {
			return rag.Match{}, err
		}
		if err := json.Unmarshal(meta, &m.Chunk.Metadata); err != nil {
			return rag.Match{}, fmt.Errorf("metadata of %q: %w", m.Chunk.ID, err)
		}
		m.Chunk.Embedding = vec.Slice()
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if results == nil {
		results = []rag.Match{}
	}
	return results, nil
}

// DeleteSource implements [rag.Store].
func (s *Store) DeleteSource(ctx context.Context, source string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rag_chunks WHERE source = $1`, source)
	if err != nil {
		return 0, fmt.Errorf("postgres store: delete source: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Count returns the number of stored chunks.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM rag_chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres store: count: %w", err)
	}
	return n, nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
