package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu   sync.RWMutex
	keys map[string]*Record
}

// NewInMemoryRepository creates a new in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		keys: make(map[string]*Record),
	}
}

// Get retrieves a record by key.
func (r *InMemoryRepository) Get(ctx context.Context, key string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.keys[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := *record
	return &out, nil
}

// Store saves a new record.
func (r *InMemoryRepository) Store(ctx context.Context, record *Record) error {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.keys[record.Key]; exists {
		return ErrKeyExists
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	stored := *record
	r.keys[record.Key] = &stored
	return nil
}

// DeleteOlderThan removes records older than the specified duration.
func (r *InMemoryRepository) DeleteOlderThan(ctx context.Context, duration time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoffTime := time.Now().Add(-duration)
	deleted := int64(0)
	for key, record := range r.keys {
		if record.CreatedAt.Before(cutoffTime) {
			delete(r.keys, key)
			deleted++
		}
	}
	return deleted, nil
}

// RedisRepository stores records as JSON values that expire after ttl, so
// every API instance replays the same cached session.
type RedisRepository struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

// NewRedisRepository creates a Redis-backed repository. A zero ttl uses
// DefaultExpiry.
func NewRedisRepository(client redis.Cmdable, ttl time.Duration) *RedisRepository {
	if ttl <= 0 {
		ttl = DefaultExpiry
	}
	return &RedisRepository{client: client, ttl: ttl, prefix: "idempotency:"}
}

// Get retrieves a record by key.
func (r *RedisRepository) Get(ctx context.Context, key string) (*Record, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency record: %w", err)
	}
	return &record, nil
}

// Store saves a new record with SET NX.
func (r *RedisRepository) Store(ctx context.Context, record *Record) error {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency record: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.prefix+record.Key, data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store idempotency key: %w", err)
	}
	if !ok {
		return ErrKeyExists
	}
	return nil
}

// DeleteOlderThan is a no-op; Redis expires records on its own.
func (r *RedisRepository) DeleteOlderThan(ctx context.Context, duration time.Duration) (int64, error) {
	return 0, nil
}
