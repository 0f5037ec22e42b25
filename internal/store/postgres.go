package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS room_storage (
			room TEXT NOT NULL,
			key TEXT NOT NULL,
			value BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (room, key)
		)
	`)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Get reads a single key.
func (s *PostgresStore) Get(ctx context.Context, room, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM room_storage WHERE room = $1 AND key = $2
	`, room, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return value, nil
}

// Put upserts a single key.
func (s *PostgresStore) Put(ctx context.Context, room, key string, value []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO room_storage (room, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (room, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, room, key, value)
	return err
}

// Delete removes a single key.
func (s *PostgresStore) Delete(ctx context.Context, room, key string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM room_storage WHERE room = $1 AND key = $2
	`, room, key)
	return err
}

// List returns all keys in a room with the given prefix.
func (s *PostgresStore) List(ctx context.Context, room, prefix string) (map[string][]byte, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, value FROM room_storage
		WHERE room = $1 AND starts_with(key, $2)
	`, room, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
