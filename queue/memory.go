package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is an in-process broker. Messages survive subscriber restarts but not
// the process.
type Memory struct {
	topology Topology
	retry    time.Duration

	mu     sync.Mutex
	queues map[string]chan Message
	seq    atomic.Uint64
	closed chan struct{}
	once   sync.Once
}

func NewMemory(topology Topology) *Memory {
	return &Memory{
		topology: topology,
		retry:    100 * time.Millisecond,
		queues:   make(map[string]chan Message),
		closed:   make(chan struct{}),
	}
}

func (m *Memory) queue(name string) chan Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[name]
	if !ok {
		q = make(chan Message, 1024)
		m.queues[name] = q
	}
	return q
}

func (m *Memory) Publish(ctx context.Context, topic string, body []byte) error {
	name, err := m.topology.Route(topic)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	select {
	case <-m.closed:
		return ErrClosed
	default:
	}

	msg := Message{
		ID:          strconv.FormatUint(m.seq.Add(1), 10),
		Topic:       topic,
		Body:        append([]byte(nil), body...),
		PublishedAt: time.Now().UTC(),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case m.queue(name) <- msg:
		return nil
	}
}

func (m *Memory) Subscribe(ctx context.Context, name string, handler Handler) error {
	q := m.queue(name)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.closed:
			return ErrClosed
		case msg := <-q:
			if err := handler(ctx, msg); err != nil {
				msg.Redelivered = true
				go m.requeue(q, msg)
			}
		}
	}
}

func (m *Memory) requeue(q chan Message, msg Message) {
	timer := time.NewTimer(m.retry)
	defer timer.Stop()

	select {
	case <-m.closed:
		return
	case <-timer.C:
	}

	select {
	case <-m.closed:
	case q <- msg:
	}
}

// Depth reports how many messages wait on a queue.
func (m *Memory) Depth(name string) int {
	return len(m.queue(name))
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}
