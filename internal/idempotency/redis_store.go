// Package idempotency records the keys of mutating requests so a replayed
// request is detected instead of applied twice.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrEmptyKey = errors.New("idempotency key is empty")

// Record holds the data stored for each claimed key
type Record struct {
	ActorID   string    `json:"actor_id"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// RedisStore implements idempotency key storage using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed key store
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{
		client: client,
		prefix: "idem:",
		ttl:    ttl,
	}
}

// Keys are scoped per actor so two users cannot collide on the same value.
func (s *RedisStore) key(actorID, key string) string {
	return s.prefix + actorID + ":" + key
}

// Claim stores the key if it has not been seen. It returns false when the
// key was already claimed.
func (s *RedisStore) Claim(ctx context.Context, key string, rec Record) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, ErrEmptyKey
	}
	if rec.ClaimedAt.IsZero() {
		rec.ClaimedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal idempotency record: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(rec.ActorID, key), payload, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	return ok, nil
}

// Lookup returns the record stored for a claimed key.
func (s *RedisStore) Lookup(ctx context.Context, actorID, key string) (Record, bool, error) {
	raw, err := s.client.Get(ctx, s.key(actorID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false, fmt.Errorf("unmarshal idempotency record: %w", err)
	}
	return rec, true, nil
}

// Release forgets a key so the request can be retried. Used when the action
// failed for a reason other than a workflow guard.
func (s *RedisStore) Release(ctx context.Context, actorID, key string) error {
	if err := s.client.Del(ctx, s.key(actorID, key)).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
