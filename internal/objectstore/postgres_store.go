package objectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	createTableSQL = `CREATE TABLE IF NOT EXISTS flagged_objects (
		key TEXT PRIMARY KEY,
		data BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`
	upsertSQL = `INSERT INTO flagged_objects (key, data) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, created_at = now()`
	selectSQL = `SELECT data FROM flagged_objects WHERE key = $1`
)

// ErrDSNEmpty indicates a missing database connection string.
var ErrDSNEmpty = errors.New("database connection string cannot be empty")

// PostgresStore keeps objects as rows of the flagged_objects table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ core.ObjectStore = (*PostgresStore)(nil)

// NewPostgresStore connects to databaseURL and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, ErrDSNEmpty
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	store := &PostgresStore{pool: pool}

	schemaErr := store.EnsureSchema(ctx)
	if schemaErr != nil {
		pool.Close()

		return nil, schemaErr
	}

	return store, nil
}

// EnsureSchema creates the objects table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, createTableSQL)
	if err != nil {
		return fmt.Errorf("init schema failed: %w", err)
	}

	return nil
}

// Upload inserts or replaces the object stored under key.
func (s *PostgresStore) Upload(ctx context.Context, key string, data []byte) error {
	_, err := s.pool.Exec(ctx, upsertSQL, key, data)
	if err != nil {
		return fmt.Errorf("failed to store object '%s': %w", key, err)
	}

	return nil
}

// Download returns the object stored under key.
func (s *PostgresStore) Download(ctx context.Context, key string) ([]byte, error) {
	var data []byte

	err := s.pool.QueryRow(ctx, selectSQL, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: '%s'", ErrNotFound, key)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load object '%s': %w", key, err)
	}

	return data, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
