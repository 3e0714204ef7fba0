package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore remembers consumed nonces until they expire.
type NonceStore interface {
	// Consume records nonce and reports whether it was unused.
	Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// MemoryNonceStore is a process-local NonceStore.
type MemoryNonceStore struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	clock func() time.Time
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{seen: make(map[string]time.Time), clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (m *MemoryNonceStore) WithClock(clock func() time.Time) *MemoryNonceStore {
	m.clock = clock
	return m
}

func (m *MemoryNonceStore) Consume(_ context.Context, nonce string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	for n, exp := range m.seen {
		if !now.Before(exp) {
			delete(m.seen, n)
		}
	}
	if _, used := m.seen[nonce]; used {
		return false, nil
	}
	m.seen[nonce] = now.Add(ttl)
	return true, nil
}

// RedisNonceStore shares consumed nonces across executors with SET NX PX.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
}

func NewRedisNonceStore(client *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: "phoenix:nonce:"}
}

func (r *RedisNonceStore) Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	ok, err := r.client.SetNX(ctx, r.prefix+nonce, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("gate: redis nonce: %w", err)
	}
	return ok, nil
}
