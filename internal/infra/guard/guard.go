package guard

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-channel-analytics/internal/domain"
)

const lockPrefix = "scrape_run:"

// RedisGuard реализует single-flight блокировку запусков через Redis SETNX,
// поэтому работает и при нескольких экземплярах сервиса. TTL страхует от
// вечной блокировки после аварийного завершения процесса.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

var _ domain.RunGuard = (*RedisGuard)(nil)

// NewRedis создаёт блокировку на базе Redis.
func NewRedis(client *redis.Client, ttl time.Duration) *RedisGuard {
	return &RedisGuard{client: client, ttl: ttl}
}

// Acquire пытается захватить блокировку для ключа.
func (g *RedisGuard) Acquire(ctx context.Context, key string) (bool, error) {
	return g.client.SetNX(ctx, lockPrefix+key, "1", g.ttl).Result()
}

// Release снимает блокировку.
func (g *RedisGuard) Release(ctx context.Context, key string) error {
	return g.client.Del(ctx, lockPrefix+key).Err()
}

// MemoryGuard — блокировка в памяти процесса для запуска без Redis.
type MemoryGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

var _ domain.RunGuard = (*MemoryGuard)(nil)

// NewMemory создаёт блокировку в памяти.
func NewMemory() *MemoryGuard {
	return &MemoryGuard{held: make(map[string]struct{})}
}

// Acquire пытается захватить блокировку для ключа.
func (g *MemoryGuard) Acquire(ctx context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.held[key]; ok {
		return false, nil
	}
	g.held[key] = struct{}{}
	return true, nil
}

// Release снимает блокировку.
func (g *MemoryGuard) Release(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, key)
	return nil
}
