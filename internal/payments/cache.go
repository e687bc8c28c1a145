package payments

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultSettledTTL is how long a settled reference is remembered.
const DefaultSettledTTL = 72 * time.Hour

// SettledCache remembers gateway references that were already credited so
// redeliveries can be acknowledged without a database round trip. It is a
// hint: a miss always falls through to the ledger, which stays
// authoritative.
type SettledCache interface {
	Seen(ctx context.Context, reference string) (bool, error)
	Mark(ctx context.Context, reference string) error
}

// MemoryCache is a process-local SettledCache.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time // reference -> expiry
	now     func() time.Time
}

// NewMemoryCache creates an in-process cache holding references for ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultSettledTTL
	}
	return &MemoryCache{ttl: ttl, entries: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryCache) Seen(_ context.Context, reference string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.entries[reference]
	if !ok {
		return false, nil
	}
	if m.now().After(exp) {
		delete(m.entries, reference)
		return false, nil
	}
	return true, nil
}

func (m *MemoryCache) Mark(_ context.Context, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if len(m.entries) > 10_000 {
		for ref, exp := range m.entries {
			if now.After(exp) {
				delete(m.entries, ref)
			}
		}
	}
	m.entries[reference] = now.Add(m.ttl)
	return nil
}

// RedisCache shares settled references across instances.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

const redisNamespace = "safehold:settled"

// NewRedisCache wraps an existing client.
func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultSettledTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

// DialRedis connects to addr and checks the connection.
func DialRedis(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: 0})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (r *RedisCache) Seen(ctx context.Context, reference string) (bool, error) {
	err := r.client.Get(ctx, redisNamespace+":"+reference).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *RedisCache) Mark(ctx context.Context, reference string) error {
	return r.client.Set(ctx, redisNamespace+":"+reference, "1", r.ttl).Err()
}

var (
	_ SettledCache = (*MemoryCache)(nil)
	_ SettledCache = (*RedisCache)(nil)
)
