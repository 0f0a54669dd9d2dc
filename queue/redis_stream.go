package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/tech-arch1tect/otpauth/services/logging"
	"go.uber.org/zap"
)

const (
	fieldBody      = "body"
	fieldTopic     = "topic"
	fieldPublished = "published_at"
)

type RedisStreamConfig struct {
	Group        string
	ClaimIdle    time.Duration
	BlockTimeout time.Duration
	BatchSize    int64
}

// RedisStream is a broker on Redis Streams. Each queue is a stream read by
// one consumer group, so every entry is handled by exactly one subscriber.
// Entries a subscriber read but never acknowledged are re-claimed by any
// subscriber once they have been idle for ClaimIdle.
type RedisStream struct {
	client   redis.UniversalClient
	topology Topology
	cfg      RedisStreamConfig
	logger   *logging.Service
}

func NewRedisStream(client redis.UniversalClient, topology Topology, cfg RedisStreamConfig, logger *logging.Service) *RedisStream {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	return &RedisStream{client: client, topology: topology, cfg: cfg, logger: logger.Named("queue")}
}

func (r *RedisStream) Publish(ctx context.Context, topic string, body []byte) error {
	stream, err := r.topology.Route(topic)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			fieldBody:      body,
			fieldTopic:     topic,
			fieldPublished: time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}

	r.logger.Debug("message published", zap.String("stream", stream), zap.String("id", id))
	return nil
}

func (r *RedisStream) ensureGroup(ctx context.Context, stream string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, r.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", r.cfg.Group, err)
	}
	return nil
}

func (r *RedisStream) Subscribe(ctx context.Context, stream string, handler Handler) error {
	if err := r.ensureGroup(ctx, stream); err != nil {
		return err
	}

	consumer := r.cfg.Group + "-" + uuid.NewString()[:8]
	logger := r.logger.With(zap.String("stream", stream), zap.String("consumer", consumer))
	logger.Info("subscribed")

	for {
		if ctx.Err() != nil {
			return nil
		}

		claimed, err := r.claimStale(ctx, stream, consumer)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, m := range claimed {
			r.handle(ctx, stream, m, true, handler, logger)
		}

		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.cfg.Group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    r.cfg.BatchSize,
			Block:    r.cfg.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read from %s: %w", stream, err)
		}

		for _, s := range streams {
			for _, m := range s.Messages {
				r.handle(ctx, stream, m, false, handler, logger)
			}
		}
	}
}

func (r *RedisStream) claimStale(ctx context.Context, stream, consumer string) ([]redis.XMessage, error) {
	if r.cfg.ClaimIdle <= 0 {
		return nil, nil
	}

	msgs, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    r.cfg.Group,
		Consumer: consumer,
		MinIdle:  r.cfg.ClaimIdle,
		Start:    "0-0",
		Count:    r.cfg.BatchSize,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to claim pending entries on %s: %w", stream, err)
	}
	return msgs, nil
}

func (r *RedisStream) handle(ctx context.Context, stream string, m redis.XMessage, redelivered bool, handler Handler, logger *logging.Service) {
	msg := toMessage(m, redelivered)

	if err := handler(ctx, msg); err != nil {
		logger.Warn("handler failed, entry left pending", zap.String("id", m.ID), zap.Error(err))
		return
	}

	if err := r.client.XAck(ctx, stream, r.cfg.Group, m.ID).Err(); err != nil {
		logger.Error("failed to ack entry", zap.String("id", m.ID), zap.Error(err))
	}
}

func toMessage(m redis.XMessage, redelivered bool) Message {
	msg := Message{ID: m.ID, Redelivered: redelivered}
	if v, ok := m.Values[fieldBody].(string); ok {
		msg.Body = []byte(v)
	}
	if v, ok := m.Values[fieldTopic].(string); ok {
		msg.Topic = v
	}
	if v, ok := m.Values[fieldPublished].(string); ok {
		msg.PublishedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return msg
}

func (r *RedisStream) Close() error {
	return nil
}
