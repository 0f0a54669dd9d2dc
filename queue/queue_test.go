package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tech-arch1tect/otpauth/config"
	"github.com/tech-arch1tect/otpauth/services/logging"
)

var testTopology = Topology{
	Exchange: "otp.exchange",
	Bindings: map[string]string{"otp.send": "otp.queue"},
}

type collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *collector) add(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *collector) snapshot() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.msgs...)
}

func runSubscriber(t *testing.T, sub Subscriber, queue string, handler Handler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sub.Subscribe(ctx, queue, handler)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestTopology_Route(t *testing.T) {
	q, err := testTopology.Route("otp.send")
	require.NoError(t, err)
	assert.Equal(t, "otp.queue", q)

	_, err = testTopology.Route("otp.unknown")
	assert.ErrorIs(t, err, ErrUnroutable)
}

func TestMemory(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers published messages", func(t *testing.T) {
		broker := NewMemory(testTopology)
		defer broker.Close()

		got := &collector{}
		runSubscriber(t, broker, "otp.queue", func(ctx context.Context, m Message) error {
			got.add(m)
			return nil
		})

		require.NoError(t, broker.Publish(ctx, "otp.send", []byte(`{"code":"123456"}`)))

		require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
		msg := got.snapshot()[0]
		assert.Equal(t, "otp.send", msg.Topic)
		assert.JSONEq(t, `{"code":"123456"}`, string(msg.Body))
		assert.False(t, msg.Redelivered)
	})

	t.Run("holds messages until a subscriber arrives", func(t *testing.T) {
		broker := NewMemory(testTopology)
		defer broker.Close()

		require.NoError(t, broker.Publish(ctx, "otp.send", []byte("1")))
		assert.Equal(t, 1, broker.Depth("otp.queue"))
	})

	t.Run("redelivers after handler failure", func(t *testing.T) {
		broker := NewMemory(testTopology)
		broker.retry = time.Millisecond
		defer broker.Close()

		var calls atomic.Int32
		got := &collector{}
		runSubscriber(t, broker, "otp.queue", func(ctx context.Context, m Message) error {
			if calls.Add(1) == 1 {
				return errors.New("smtp down")
			}
			got.add(m)
			return nil
		})

		require.NoError(t, broker.Publish(ctx, "otp.send", []byte("x")))

		require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
		assert.True(t, got.snapshot()[0].Redelivered)
	})

	t.Run("competing consumers see each message once", func(t *testing.T) {
		broker := NewMemory(testTopology)
		defer broker.Close()

		got := &collector{}
		handler := func(ctx context.Context, m Message) error {
			got.add(m)
			return nil
		}
		runSubscriber(t, broker, "otp.queue", handler)
		runSubscriber(t, broker, "otp.queue", handler)

		for i := 0; i < 20; i++ {
			require.NoError(t, broker.Publish(ctx, "otp.send", []byte("m")))
		}

		require.Eventually(t, func() bool { return len(got.snapshot()) == 20 }, time.Second, 5*time.Millisecond)
		seen := map[string]bool{}
		for _, m := range got.snapshot() {
			assert.False(t, seen[m.ID], "duplicate delivery of %s", m.ID)
			seen[m.ID] = true
		}
	})

	t.Run("unroutable and closed", func(t *testing.T) {
		broker := NewMemory(testTopology)

		assert.ErrorIs(t, broker.Publish(ctx, "nowhere", nil), ErrUnroutable)

		require.NoError(t, broker.Close())
		assert.ErrorIs(t, broker.Publish(ctx, "otp.send", nil), ErrClosed)
		assert.ErrorIs(t, broker.Subscribe(ctx, "otp.queue", nil), ErrClosed)
	})
}

func newTestStream(t *testing.T, claimIdle time.Duration) (*miniredis.Miniredis, *RedisStream) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, NewRedisStream(client, testTopology, RedisStreamConfig{
		Group:        "otp-delivery",
		ClaimIdle:    claimIdle,
		BlockTimeout: 20 * time.Millisecond,
	}, logging.NewNop())
}

func TestRedisStream(t *testing.T) {
	ctx := context.Background()

	t.Run("publish appends to the bound stream", func(t *testing.T) {
		mr, broker := newTestStream(t, time.Minute)

		require.NoError(t, broker.Publish(ctx, "otp.send", []byte(`{"email":"a@x.com"}`)))

		entries, err := mr.Stream("otp.queue")
		require.NoError(t, err)
		require.Len(t, entries, 1)
	})

	t.Run("unroutable topic", func(t *testing.T) {
		_, broker := newTestStream(t, time.Minute)

		assert.ErrorIs(t, broker.Publish(ctx, "otp.other", nil), ErrUnroutable)
	})

	t.Run("consumes and acknowledges", func(t *testing.T) {
		_, broker := newTestStream(t, time.Minute)

		require.NoError(t, broker.Publish(ctx, "otp.send", []byte("before-subscribe")))

		got := &collector{}
		runSubscriber(t, broker, "otp.queue", func(ctx context.Context, m Message) error {
			got.add(m)
			return nil
		})
		require.NoError(t, broker.Publish(ctx, "otp.send", []byte("after-subscribe")))

		require.Eventually(t, func() bool { return len(got.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
		msgs := got.snapshot()
		assert.Equal(t, "before-subscribe", string(msgs[0].Body))
		assert.Equal(t, "after-subscribe", string(msgs[1].Body))
		assert.Equal(t, "otp.send", msgs[0].Topic)

		require.Eventually(t, func() bool {
			pending, err := broker.client.XPending(ctx, "otp.queue", "otp-delivery").Result()
			return err == nil && pending.Count == 0
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("failed entries are reclaimed", func(t *testing.T) {
		_, broker := newTestStream(t, 30*time.Millisecond)

		var calls atomic.Int32
		got := &collector{}
		runSubscriber(t, broker, "otp.queue", func(ctx context.Context, m Message) error {
			if calls.Add(1) == 1 {
				return errors.New("transient")
			}
			got.add(m)
			return nil
		})

		require.NoError(t, broker.Publish(ctx, "otp.send", []byte("retry-me")))

		require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)
		assert.True(t, got.snapshot()[0].Redelivered)
		assert.Equal(t, "retry-me", string(got.snapshot()[0].Body))
	})
}

func TestFromDelivery(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := fromDelivery(amqp.Delivery{
		MessageId:   "m-1",
		RoutingKey:  "otp.send",
		Body:        []byte("{}"),
		Redelivered: true,
		Timestamp:   ts,
	})

	assert.Equal(t, "m-1", msg.ID)
	assert.Equal(t, "otp.send", msg.Topic)
	assert.True(t, msg.Redelivered)
	assert.Equal(t, ts, msg.PublishedAt)
}

func TestNewPublishing(t *testing.T) {
	p := newPublishing([]byte("{}"))

	assert.Equal(t, amqp.Persistent, p.DeliveryMode)
	assert.Equal(t, "application/json", p.ContentType)
	assert.NotEmpty(t, p.MessageId)
}

func TestNewBroker(t *testing.T) {
	cfg := &config.Config{Queue: config.QueueConfig{
		Exchange: "otp.exchange", Queue: "otp.queue", RoutingKey: "otp.send",
	}}

	cfg.Queue.Driver = "memory"
	b, err := NewBroker(cfg, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, b)

	cfg.Queue.Driver = "amqp"
	b, err = NewBroker(cfg, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &AMQP{}, b)

	cfg.Queue.Driver = "redis"
	_, err = NewBroker(cfg, nil, nil)
	assert.Error(t, err)

	cfg.Queue.Driver = "kafka"
	_, err = NewBroker(cfg, nil, nil)
	assert.Error(t, err)
}
