package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/tech-arch1tect/otpauth/services/logging"
	"go.uber.org/zap"
)

var ErrNotConfirmed = errors.New("broker did not confirm publish")

type AMQPConfig struct {
	URL      string
	Prefetch int
}

// AMQP publishes to a durable direct exchange with publisher confirms and
// consumes with manual acknowledgements. Failed handlers nack with requeue.
type AMQP struct {
	cfg      AMQPConfig
	topology Topology
	logger   *logging.Service

	mu      sync.Mutex
	conn    *amqp.Connection
	pubChan *amqp.Channel
}

func NewAMQP(cfg AMQPConfig, topology Topology, logger *logging.Service) *AMQP {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &AMQP{cfg: cfg, topology: topology, logger: logger.Named("queue")}
}

func (a *AMQP) Connect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connectLocked()
}

func (a *AMQP) connectLocked() error {
	if a.conn != nil && !a.conn.IsClosed() {
		return nil
	}

	conn, err := amqp.Dial(a.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareTopology(ch, a.topology); err != nil {
		conn.Close()
		return err
	}

	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	a.conn = conn
	a.pubChan = ch
	a.logger.Info("connected to broker", zap.String("exchange", a.topology.Exchange))
	return nil
}

func declareTopology(ch *amqp.Channel, topology Topology) error {
	if err := ch.ExchangeDeclare(topology.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", topology.Exchange, err)
	}

	for key, q := range topology.Bindings {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q, err)
		}
		if err := ch.QueueBind(q, key, topology.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s to %s: %w", q, key, err)
		}
	}
	return nil
}

func (a *AMQP) Publish(ctx context.Context, topic string, body []byte) error {
	if _, err := a.topology.Route(topic); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.connectLocked(); err != nil {
		return err
	}

	confirm, err := a.pubChan.PublishWithDeferredConfirmWithContext(ctx, a.topology.Exchange, topic, true, false, newPublishing(body))
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to confirm publish to %s: %w", topic, err)
	}
	if !acked {
		return ErrNotConfirmed
	}
	return nil
}

func newPublishing(body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
}

func (a *AMQP) Subscribe(ctx context.Context, queue string, handler Handler) error {
	a.mu.Lock()
	if err := a.connectLocked(); err != nil {
		a.mu.Unlock()
		return err
	}
	conn := a.conn
	a.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(a.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	tag := "otpauth-" + uuid.NewString()[:8]
	deliveries, err := ch.ConsumeWithContext(ctx, queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	logger := a.logger.With(zap.String("queue", queue), zap.String("consumer", tag))
	logger.Info("subscribed")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("delivery channel for %s closed", queue)
			}

			if err := handler(ctx, fromDelivery(d)); err != nil {
				logger.Warn("handler failed, requeueing", zap.String("id", d.MessageId), zap.Error(err))
				if nackErr := d.Nack(false, true); nackErr != nil {
					logger.Error("failed to nack delivery", zap.Error(nackErr))
				}
				continue
			}

			if err := d.Ack(false); err != nil {
				logger.Error("failed to ack delivery", zap.String("id", d.MessageId), zap.Error(err))
			}
		}
	}
}

func fromDelivery(d amqp.Delivery) Message {
	return Message{
		ID:          d.MessageId,
		Topic:       d.RoutingKey,
		Body:        d.Body,
		Redelivered: d.Redelivered,
		PublishedAt: d.Timestamp,
	}
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil || a.conn.IsClosed() {
		return nil
	}
	return a.conn.Close()
}
