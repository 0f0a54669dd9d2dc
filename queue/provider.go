package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/tech-arch1tect/otpauth/config"
	"github.com/tech-arch1tect/otpauth/services/logging"
	"go.uber.org/fx"
)

var Module = fx.Options(
	fx.Provide(ProvideBroker),
	fx.Provide(func(b Broker) Publisher { return b }),
	fx.Provide(func(b Broker) Subscriber { return b }),
)

func TopologyFromConfig(cfg config.QueueConfig) Topology {
	return Topology{
		Exchange: cfg.Exchange,
		Bindings: map[string]string{cfg.RoutingKey: cfg.Queue},
	}
}

func NewBroker(cfg *config.Config, client *redis.Client, logger *logging.Service) (Broker, error) {
	topology := TopologyFromConfig(cfg.Queue)

	switch cfg.Queue.Driver {
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("queue driver redis requires a redis client")
		}
		return NewRedisStream(client, topology, RedisStreamConfig{
			Group:        cfg.Queue.Group,
			ClaimIdle:    cfg.Queue.ClaimIdle,
			BlockTimeout: cfg.Queue.BlockTimeout,
			BatchSize:    int64(cfg.Worker.Concurrency),
		}, logger), nil
	case "amqp":
		return NewAMQP(AMQPConfig{URL: cfg.Queue.URL, Prefetch: cfg.Worker.Concurrency}, topology, logger), nil
	case "memory":
		return NewMemory(topology), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver: %s (supported: redis, amqp, memory)", cfg.Queue.Driver)
	}
}

func ProvideBroker(lc fx.Lifecycle, cfg *config.Config, client *redis.Client, logger *logging.Service) (Broker, error) {
	broker, err := NewBroker(cfg, client, logger)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return broker.Close()
		},
	})
	return broker, nil
}
