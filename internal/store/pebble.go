package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleStore is an embedded on-disk backend. Keys are "<room>\x00<key>".
type PebbleStore struct {
	db *pebble.DB
}

// NewPebbleStore opens (or creates) a Pebble database at path.
func NewPebbleStore(path string) (*PebbleStore, error) {
	if path == "" {
		path = "./data/pebble"
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func pebbleKey(room, key string) []byte {
	return []byte(room + "\x00" + key)
}

// keyUpperBound returns the smallest key greater than every key with prefix b.
func keyUpperBound(b []byte) []byte {
	end := append([]byte(nil), b...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func (s *PebbleStore) Ping(ctx context.Context) error {
	_, closer, err := s.db.Get([]byte("\x00ping"))
	if err == nil {
		closer.Close()
		return nil
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	return err
}

func (s *PebbleStore) Get(ctx context.Context, room, key string) ([]byte, error) {
	v, closer, err := s.db.Get(pebbleKey(room, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (s *PebbleStore) Put(ctx context.Context, room, key string, value []byte) error {
	return s.db.Set(pebbleKey(room, key), value, pebble.Sync)
}

func (s *PebbleStore) Delete(ctx context.Context, room, key string) error {
	return s.db.Delete(pebbleKey(room, key), pebble.Sync)
}

func (s *PebbleStore) List(ctx context.Context, room, prefix string) (map[string][]byte, error) {
	lower := pebbleKey(room, prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: keyUpperBound(lower),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	roomPrefix := len(room) + 1
	out := make(map[string][]byte)
	for iter.First(); iter.Valid(); iter.Next() {
		k := string(iter.Key()[roomPrefix:])
		out[k] = append([]byte(nil), iter.Value()...)
	}
	return out, iter.Error()
}
