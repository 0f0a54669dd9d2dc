package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/tech-arch1tect/otpauth/config"
	"github.com/tech-arch1tect/otpauth/services/logging"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Options(
	fx.Provide(ProvideRedisClient),
	fx.Provide(ProvideCache),
)

// ProvideRedisClient returns nil when neither the cache nor the queue uses
// Redis.
func ProvideRedisClient(lc fx.Lifecycle, cfg *config.Config) *redis.Client {
	if cfg.Cache.Driver != "redis" && cfg.Queue.Driver != "redis" {
		return nil
	}

	client := NewRedisClient(cfg.Redis)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

func ProvideCache(lc fx.Lifecycle, cfg *config.Config, client *redis.Client, logger *logging.Service) Cache {
	if cfg.Cache.Driver == "redis" && client != nil {
		logger.Info("verification cache backed by redis", zap.String("addr", cfg.Redis.Addr))
		return NewRedisCache(client, cfg.Cache.KeyPrefix)
	}

	logger.Info("verification cache held in memory")
	mem := NewMemoryCache()
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			mem.Close()
			return nil
		},
	})
	return mem
}
