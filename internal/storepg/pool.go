// Package storepg is the PostgreSQL+pgvector persistence layer shared by
// the embedding store (C1) and job queue (C2).
package storepg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/kozaktomas/photo-sorter/internal/config"
)

// Pool wraps a PostgreSQL connection pool.
type Pool struct {
	db *sql.DB
}

// NewPool opens and verifies a connection pool per cfg.
func NewPool(cfg *config.DatabaseConfig) (*Pool, error) {
	if cfg.URL == "" {
		return nil, errors.New("database URL is required")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Pool{db: db}, nil
}

// DB returns the underlying *sql.DB for direct access.
func (p *Pool) DB() *sql.DB { return p.db }

// Close closes the connection pool.
func (p *Pool) Close() error {
	if p.db == nil {
		return nil
	}
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("closing database connection: %w", err)
	}
	return nil
}

func (p *Pool) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return p.db.QueryRowContext(ctx, query, args...)
}

func (p *Pool) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	return rows, nil
}

func (p *Pool) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing statement: %w", err)
	}
	return result, nil
}

func (p *Pool) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	tx, err := p.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return tx, nil
}

// Initialize opens the pool, runs migrations and ensures the vector(dim)
// columns match the configured embedding dimension.
func Initialize(cfg *config.DatabaseConfig) (*Pool, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, errors.New("database URL is required")
	}

	pool, err := NewPool(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL pool: %w", err)
	}

	ctx := context.Background()
	if err := pool.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := pool.ensureVectorColumns(ctx, cfg.EmbeddingDim); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure vector columns: %w", err)
	}

	return pool, nil
}

// ensureVectorColumns creates the embedding/centroid vector columns at the
// configured dimension, since pgvector's vector(N) length is fixed per
// column and N is only known at runtime (mirrors the teacher's dynamic
// CREATE TABLE ... vector(dim) pattern).
func (p *Pool) ensureVectorColumns(ctx context.Context, dim int) error {
	stmts := []string{
		fmt.Sprintf(`ALTER TABLE embedding_blobs ADD COLUMN IF NOT EXISTS embedding vector(%d)`, dim),
		fmt.Sprintf(`ALTER TABLE unknown_clusters ADD COLUMN IF NOT EXISTS centroid vector(%d)`, dim),
	}
	for _, s := range stmts {
		if _, err := p.Exec(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// CreateVectorIndexes creates HNSW indexes for cosine similarity search.
// Deferred until after initial bulk load for faster data ingestion,
// mirroring CreateVectorIndex/CreateFaceVectorIndex in the teacher.
func (p *Pool) CreateVectorIndexes(ctx context.Context) error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS embedding_blobs_vector_idx ON embedding_blobs USING hnsw (embedding vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS unknown_clusters_vector_idx ON unknown_clusters USING hnsw (centroid vector_cosine_ops)`,
	}
	for _, s := range stmts {
		if _, err := p.Exec(ctx, s); err != nil {
			return fmt.Errorf("create vector index: %w", err)
		}
	}
	return nil
}
