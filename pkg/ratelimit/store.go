package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// RedisKeyPrefix prefixes the key holding a stack's shared state.
const RedisKeyPrefix = "bulk:rate_limit:"

// Store persists the rate limit State.
type Store interface {
	// Load returns the stored state, or the zero State when none exists.
	Load(ctx context.Context) (State, error)

	// Save replaces the stored state.
	Save(ctx context.Context, state State) error
}

// MemoryStore keeps state in process. Dispatchers sharing one MemoryStore
// share cooldowns.
type MemoryStore struct {
	mu    sync.Mutex
	state State
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	return nil
}

// RedisStore shares state between processes through a single Redis key.
type RedisStore struct {
	redis *redis.Client
	key   string
	ttl   time.Duration
}

// NewRedisStore creates a store under RedisKeyPrefix+namespace. Keys expire
// after a minute without updates.
func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{
		redis: client,
		key:   RedisKeyPrefix + namespace,
		ttl:   time.Minute,
	}
}

// Key returns the Redis key the store uses.
func (r *RedisStore) Key() string {
	return r.key
}

// Load implements Store.
func (r *RedisStore) Load(ctx context.Context) (State, error) {
	data, err := r.redis.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("redis get %s: %w", r.key, err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("decode rate limit state: %w", err)
	}
	return state, nil
}

// Save implements Store.
func (r *RedisStore) Save(ctx context.Context, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode rate limit state: %w", err)
	}
	if err := r.redis.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}
