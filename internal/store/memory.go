package store

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore keeps room storage in process memory. Contents are lost on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]map[string][]byte)}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Get(ctx context.Context, room, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.rooms[room][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Put(ctx context.Context, room, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rooms[room]
	if !ok {
		m = make(map[string][]byte)
		s.rooms[room] = m
	}
	m[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, room, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms[room], key)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, room, prefix string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte)
	for k, v := range s.rooms[room] {
		if strings.HasPrefix(k, prefix) {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}
