package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnroutable = errors.New("no queue bound to routing key")
	ErrClosed     = errors.New("broker closed")
)

type Message struct {
	ID          string
	Topic       string
	Body        []byte
	Redelivered bool
	PublishedAt time.Time
}

// Handler processes one message. Returning nil acknowledges it; an error
// leaves it with the broker for redelivery.
type Handler func(ctx context.Context, msg Message) error

type Publisher interface {
	Publish(ctx context.Context, topic string, body []byte) error
}

type Subscriber interface {
	// Subscribe consumes queue until ctx is done or the broker fails.
	Subscribe(ctx context.Context, queue string, handler Handler) error
}

type Broker interface {
	Publisher
	Subscriber
	Close() error
}

// Topology binds routing keys to queues, the way a direct exchange does.
type Topology struct {
	Exchange string
	Bindings map[string]string
}

func (t Topology) Route(topic string) (string, error) {
	q, ok := t.Bindings[topic]
	if !ok {
		return "", ErrUnroutable
	}
	return q, nil
}
