package store

import (
	"context"
	"fmt"
	"time"

	"github.com/andresmejia3/faceauth/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Store manages the PostgreSQL connection pool and pgvector operations.
// The pool lets independent auth channels read and write concurrently.
type Store struct {
	pool *pgxpool.Pool
	dim  int
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string, dim int) (*Store, error) {
	if connString == "" {
		return nil, fmt.Errorf("database URL is required for the postgres backend")
	}
	if dim < 1 {
		return nil, fmt.Errorf("embedding dimension must be >= 1, got %d", dim)
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	// The extension must exist before the vector type can be registered on
	// each connection, so create it with a one-off connection first.
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to enable pgvector: %w", err)
	}
	conn.Close(ctx)

	cfg.AfterConnect = func(ctx context.Context, c *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, c)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool, dim); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool, dim: dim}, nil
}

// initSchema creates the enrollments table if it doesn't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool, dim int) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS enrollments (
			id BIGSERIAL PRIMARY KEY,
			identity TEXT NOT NULL UNIQUE,
			embedding VECTOR(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`, dim)
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the database pool.
func (s *Store) Close(ctx context.Context) {
	s.pool.Close()
}

// Put inserts a new enrollment. The unique constraint makes the existence
// check and the insert a single atomic statement.
func (s *Store) Put(ctx context.Context, identity string, emb types.Embedding) error {
	if err := validate(identity, emb, s.dim); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO enrollments (identity, embedding, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (identity) DO NOTHING
	`, identity, pgvector.NewVector(toFloat32(emb)), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert enrollment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIdentityTaken
	}
	return nil
}

// All returns every enrollment in insertion order.
func (s *Store) All(ctx context.Context) ([]types.EnrollmentRecord, error) {
	rows, err := s.pool.Query(ctx, "SELECT identity, embedding, created_at FROM enrollments ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("query enrollments: %w", err)
	}
	defer rows.Close()

	var records []types.EnrollmentRecord
	for rows.Next() {
		var (
			rec types.EnrollmentRecord
			vec pgvector.Vector
		)
		if err := rows.Scan(&rec.Identity, &vec, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		rec.Embedding = toFloat64(vec.Slice())
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate enrollments: %w", err)
	}
	return records, nil
}

// Has checks whether identity is enrolled.
func (s *Store) Has(ctx context.Context, identity string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM enrollments WHERE identity = $1)", identity).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check enrollment exists: %w", err)
	}
	return exists, nil
}

// Reset drops the enrollments table and recreates it empty.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS enrollments CASCADE"); err != nil {
		return err
	}
	return initSchema(ctx, s.pool, s.dim)
}

func toFloat32(v types.Embedding) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func toFloat64(v []float32) types.Embedding {
	out := make(types.Embedding, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
