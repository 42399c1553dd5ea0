package activity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard records which idempotency keys have already performed their side
// effect.
type Guard interface {
	// Claim marks key as in use for ttl. It returns false when the key was
	// already claimed.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops a claim so a later attempt can perform the side effect.
	Release(ctx context.Context, key string) error
}

// MemoryGuard is a process-local Guard.
type MemoryGuard struct {
	mu     sync.Mutex
	claims map[string]time.Time
	now    func() time.Time
}

// NewMemoryGuard creates an empty MemoryGuard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{
		claims: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Claim implements Guard. A zero ttl never expires.
func (g *MemoryGuard) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if expires, ok := g.claims[key]; ok && (expires.IsZero() || now.Before(expires)) {
		return false, nil
	}
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	g.claims[key] = expires
	return true, nil
}

// Release implements Guard.
func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claims, key)
	return nil
}

// RedisGuard stores claims in Redis with SET NX so that every server instance
// sees the same keys.
type RedisGuard struct {
	client *redis.Client
	prefix string
}

// NewRedisGuard creates a guard that namespaces its keys with prefix.
func NewRedisGuard(client *redis.Client, prefix string) *RedisGuard {
	return &RedisGuard{client: client, prefix: prefix}
}

// Claim implements Guard.
func (g *RedisGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claiming idempotency key %q: %w", key, err)
	}
	return ok, nil
}

// Release implements Guard.
func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, g.prefix+key).Err(); err != nil {
		return fmt.Errorf("releasing idempotency key %q: %w", key, err)
	}
	return nil
}
