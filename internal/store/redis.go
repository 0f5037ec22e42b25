package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each room's storage in one Redis hash.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	client, err := NewRedisClient(ctx, redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

// NewRedisClient parses a redis URL and verifies the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return client, nil
}

// Client exposes the underlying client for rate limiting.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// roomStorageKey returns the hash key holding a room's storage.
func roomStorageKey(room string) string {
	return fmt.Sprintf("room:%s:storage", room)
}

func (s *RedisStore) Get(ctx context.Context, room, key string) ([]byte, error) {
	v, err := s.client.HGet(ctx, roomStorageKey(room), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *RedisStore) Put(ctx context.Context, room, key string, value []byte) error {
	return s.client.HSet(ctx, roomStorageKey(room), key, value).Err()
}

func (s *RedisStore) Delete(ctx context.Context, room, key string) error {
	return s.client.HDel(ctx, roomStorageKey(room), key).Err()
}

func (s *RedisStore) List(ctx context.Context, room, prefix string) (map[string][]byte, error) {
	all, err := s.client.HGetAll(ctx, roomStorageKey(room)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(all))
	for k, v := range all {
		if strings.HasPrefix(k, prefix) {
			out[k] = []byte(v)
		}
	}
	return out, nil
}
