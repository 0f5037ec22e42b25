package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/questrelay.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/questrelay.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS room_storage (
		room TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (room, key)
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get reads a single key.
func (s *SQLiteStore) Get(ctx context.Context, room, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM room_storage WHERE room = ? AND key = ?
	`, room, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return value, nil
}

// Put upserts a single key.
func (s *SQLiteStore) Put(ctx context.Context, room, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_storage (room, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (room, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, room, key, value, time.Now())
	return err
}

// Delete removes a single key.
func (s *SQLiteStore) Delete(ctx context.Context, room, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM room_storage WHERE room = ? AND key = ?
	`, room, key)
	return err
}

// List returns all keys in a room with the given prefix.
func (s *SQLiteStore) List(ctx context.Context, room, prefix string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM room_storage
		WHERE room = ? AND key LIKE ? ESCAPE '\'
	`, room, escapeLike(prefix)+"%")
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

// escapeLike escapes LIKE wildcards so a prefix matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
