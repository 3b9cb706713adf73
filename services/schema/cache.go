package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "schema_cache_hits_total"})
	cacheMiss = prometheus.NewCounter(prometheus.CounterOpts{Name: "schema_cache_miss_total"})
)

func init() {
	prometheus.DefaultRegisterer.MustRegister(cacheHits, cacheMiss)
}

// Cache is the advisory active-schema cache. Correctness never depends on it:
// a miss always falls through to the registry, and registry writes invalidate
// the touched keys before returning.
type Cache interface {
	Get(ctx context.Context, tenantID, moduleName string) (*ModuleSchema, bool)
	Put(ctx context.Context, tenantID, moduleName string, schema *ModuleSchema, ttl time.Duration)
	Invalidate(ctx context.Context, tenantID, moduleName string)
	InvalidateTenant(ctx context.Context, tenantID string)
}

type cacheKey struct {
	TenantID   string
	ModuleName string
}

type cacheEntry struct {
	schema    *ModuleSchema
	expiresAt time.Time
}

// MemoryCache is a single-process map cache with TTL expiry and a periodic
// sweep. Run StartSweeper to reclaim expired entries between reads.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[cacheKey]cacheEntry
	done  chan struct{}
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		items: make(map[cacheKey]cacheEntry),
		done:  make(chan struct{}),
	}
}

func (c *MemoryCache) Get(_ context.Context, tenantID, moduleName string) (*ModuleSchema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[cacheKey{tenantID, moduleName}]
	if !ok || time.Now().After(e.expiresAt) {
		cacheMiss.Inc()
		return nil, false
	}
	cacheHits.Inc()
	return e.schema, true
}

func (c *MemoryCache) Put(_ context.Context, tenantID, moduleName string, schema *ModuleSchema, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[cacheKey{tenantID, moduleName}] = cacheEntry{schema: schema, expiresAt: time.Now().Add(ttl)}
}

func (c *MemoryCache) Invalidate(_ context.Context, tenantID, moduleName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, cacheKey{tenantID, moduleName})
}

func (c *MemoryCache) InvalidateTenant(_ context.Context, tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.items {
		if k.TenantID == tenantID {
			delete(c.items, k)
		}
	}
}

func (c *MemoryCache) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

func (c *MemoryCache) Stop() { close(c.done) }

func (c *MemoryCache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.items {
		if now.After(e.expiresAt) {
			delete(c.items, k)
		}
	}
}

// RedisCache shares the active-schema cache across processes. Invalidation
// from another instance is still bounded by TTL, which the registry accepts.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func redisKey(tenantID, moduleName string) string {
	return fmt.Sprintf("schema:active:%s:%s", tenantID, moduleName)
}

func (c *RedisCache) Get(ctx context.Context, tenantID, moduleName string) (*ModuleSchema, bool) {
	raw, err := c.rdb.Get(ctx, redisKey(tenantID, moduleName)).Bytes()
	if err != nil {
		cacheMiss.Inc()
		return nil, false
	}
	var schema ModuleSchema
	if err := json.Unmarshal(raw, &schema); err != nil {
		cacheMiss.Inc()
		return nil, false
	}
	cacheHits.Inc()
	return &schema, true
}

func (c *RedisCache) Put(ctx context.Context, tenantID, moduleName string, schema *ModuleSchema, ttl time.Duration) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, redisKey(tenantID, moduleName), raw, ttl).Err(); err != nil {
		zap.L().Warn("schema cache put failed", zap.Error(err))
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, tenantID, moduleName string) {
	if err := c.rdb.Del(ctx, redisKey(tenantID, moduleName)).Err(); err != nil {
		zap.L().Warn("schema cache invalidate failed", zap.Error(err))
	}
}

func (c *RedisCache) InvalidateTenant(ctx context.Context, tenantID string) {
	pattern := fmt.Sprintf("schema:active:%s:*", tenantID)
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			zap.L().Warn("schema cache invalidate failed", zap.String("key", iter.Val()), zap.Error(err))
		}
	}
}
