package schema

import (
	"context"

	"recordplane/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

type cacheParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.Config
	Redis     *redis.Client `optional:"true"`
}

// NewCache picks the redis-backed cache when redis is configured, otherwise
// the single-process in-memory cache with its TTL sweeper.
func NewCache(p cacheParams) Cache {
	if p.Config.Redis.Enable && p.Redis != nil {
		return NewRedisCache(p.Redis)
	}

	mem := NewMemoryCache()
	mem.StartSweeper(p.Config.SchemaCache.SweepInterval)
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			mem.Stop()
			return nil
		},
	})
	return mem
}

var Module = fx.Module("schema.module",
	fx.Provide(
		NewRepository,
		NewCache,
		NewRegistry,
	),
)
