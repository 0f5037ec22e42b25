package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eldtechnologies/questrelay/internal/metrics"
)

var ErrNotFound = errors.New("storage key not found")

// Backend defines durable key-value storage partitioned by room id.
// MemoryStore, SQLiteStore, PostgresStore, RedisStore and PebbleStore
// implement this interface.
type Backend interface {
	// Connection management
	Close() error
	Ping(ctx context.Context) error

	// Key operations, scoped to a room id
	Get(ctx context.Context, room, key string) ([]byte, error)
	Put(ctx context.Context, room, key string, value []byte) error
	Delete(ctx context.Context, room, key string) error
	List(ctx context.Context, room, prefix string) (map[string][]byte, error)
}

// Open creates the backend selected by driver.
func Open(ctx context.Context, driver, dsn string) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch driver {
	case "memory":
		b = NewMemoryStore()
	case "sqlite":
		b, err = NewSQLiteStore(ctx, dsn)
	case "postgres":
		b, err = NewPostgresStore(ctx, dsn)
	case "redis":
		b, err = NewRedisStore(ctx, dsn)
	case "pebble":
		b, err = NewPebbleStore(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	return Instrument(b, driver), nil
}

type instrumented struct {
	Backend
	driver string
}

// Instrument records per-operation latency for a backend.
func Instrument(b Backend, driver string) Backend {
	return &instrumented{Backend: b, driver: driver}
}

func (i *instrumented) observe(op string, start time.Time) {
	metrics.StorageLatency.WithLabelValues(i.driver, op).Observe(time.Since(start).Seconds())
}

func (i *instrumented) Get(ctx context.Context, room, key string) ([]byte, error) {
	defer i.observe("get", time.Now())
	return i.Backend.Get(ctx, room, key)
}

func (i *instrumented) Put(ctx context.Context, room, key string, value []byte) error {
	defer i.observe("put", time.Now())
	return i.Backend.Put(ctx, room, key, value)
}

func (i *instrumented) Delete(ctx context.Context, room, key string) error {
	defer i.observe("delete", time.Now())
	return i.Backend.Delete(ctx, room, key)
}

func (i *instrumented) List(ctx context.Context, room, prefix string) (map[string][]byte, error) {
	defer i.observe("list", time.Now())
	return i.Backend.List(ctx, room, prefix)
}

// Storage is a backend view scoped to one room, storing JSON values.
type Storage struct {
	backend Backend
	room    string
}

// Scope returns the storage view for a room id.
func Scope(b Backend, room string) *Storage {
	return &Storage{backend: b, room: room}
}

// Get decodes the value under key into v. It reports false when the key is absent.
func (s *Storage) Get(ctx context.Context, key string, v interface{}) (bool, error) {
	data, err := s.backend.Get(ctx, s.room, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", s.room, key, err)
	}
	return true, nil
}

// Put encodes v and writes it under key.
func (s *Storage) Put(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.backend.Put(context.WithoutCancel(ctx), s.room, key, data)
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Storage) Delete(ctx context.Context, key string) error {
	return s.backend.Delete(context.WithoutCancel(ctx), s.room, key)
}

// List returns raw values for all keys starting with prefix.
func (s *Storage) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	return s.backend.List(ctx, s.room, prefix)
}
