package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tech-arch1tect/otpauth/config"
	"github.com/tech-arch1tect/otpauth/metrics"
	"github.com/tech-arch1tect/otpauth/queue"
	"github.com/tech-arch1tect/otpauth/services/logging"
	"github.com/tech-arch1tect/otpauth/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrNotRunning = errors.New("dispatcher is not running")

var Module = fx.Options(
	fx.Provide(NewDispatcherFromConfig),
)

type Config struct {
	PollInterval   time.Duration
	Grace          time.Duration
	BatchSize      int
	PublishTimeout time.Duration
}

// Dispatcher moves committed outbox rows onto the notification channel. A row
// is marked dispatched only after the channel accepted it, so a crash between
// the two republishes the row on the next drain.
type Dispatcher struct {
	cfg       Config
	store     *store.Store
	publisher queue.Publisher
	metrics   *metrics.Metrics
	logger    *logging.Service
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDispatcher(cfg Config, s *store.Store, publisher queue.Publisher, m *metrics.Metrics, logger *logging.Service) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Dispatcher{
		cfg:       cfg,
		store:     s,
		publisher: publisher,
		metrics:   m,
		logger:    logger.Named("outbox"),
		now:       time.Now,
	}
}

func NewDispatcherFromConfig(cfg *config.Config, s *store.Store, publisher queue.Publisher, m *metrics.Metrics, logger *logging.Service) *Dispatcher {
	return NewDispatcher(Config{
		PollInterval:   cfg.Outbox.PollInterval,
		Grace:          cfg.Outbox.Grace,
		BatchSize:      cfg.Outbox.BatchSize,
		PublishTimeout: cfg.Queue.PublishTimeout,
	}, s, publisher, m, logger)
}

// Dispatch publishes one row, waiting at most PublishTimeout for the channel.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *store.OutboxMessage) error {
	if err := d.publish(ctx, msg); err != nil {
		d.metrics.Published("failure")
		d.logger.Warn("failed to publish outbox message",
			zap.Uint("outbox_id", msg.ID),
			zap.String("topic", msg.Topic),
			zap.Int("attempts", msg.Attempts+1),
			zap.Error(err))

		if markErr := d.store.Outbox().MarkFailed(ctx, msg.ID, err); markErr != nil {
			d.logger.Error("failed to record outbox failure", zap.Uint("outbox_id", msg.ID), zap.Error(markErr))
		}
		return fmt.Errorf("failed to publish outbox message %d: %w", msg.ID, err)
	}

	d.metrics.Published("success")
	if err := d.store.Outbox().MarkDispatched(ctx, msg.ID, d.now()); err != nil {
		d.logger.Error("published outbox message but failed to mark it dispatched",
			zap.Uint("outbox_id", msg.ID), zap.Error(err))
		return fmt.Errorf("failed to mark outbox message %d dispatched: %w", msg.ID, err)
	}

	d.logger.Debug("outbox message dispatched", zap.Uint("outbox_id", msg.ID), zap.String("topic", msg.Topic))
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, msg *store.OutboxMessage) error {
	if d.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.PublishTimeout)
		defer cancel()
	}
	return d.publisher.Publish(ctx, msg.Topic, []byte(msg.Payload))
}

// DrainOnce publishes one batch of pending rows older than the grace period
// and reports how many were dispatched. Rows that fail stay pending.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	cutoff := d.now().Add(-d.cfg.Grace)
	pending, err := d.store.Outbox().Pending(ctx, cutoff, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending outbox messages: %w", err)
	}

	dispatched := 0
	var errs []error
	for i := range pending {
		if err := d.Dispatch(ctx, &pending[i]); err != nil {
			errs = append(errs, err)
			continue
		}
		dispatched++
	}

	if len(pending) > 0 {
		d.logger.Info("outbox drained",
			zap.Int("pending", len(pending)),
			zap.Int("dispatched", dispatched))
	}
	return dispatched, errors.Join(errs...)
}

func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("outbox drain incomplete", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		d.Run(ctx)
	}(d.done)

	d.logger.Info("outbox dispatcher started", zap.Duration("poll_interval", d.cfg.PollInterval))
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return ErrNotRunning
	}
	cancel()

	select {
	case <-done:
		d.logger.Info("outbox dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func RegisterHooks(lc fx.Lifecycle, d *Dispatcher) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			d.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := d.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
				return err
			}
			return nil
		},
	})
}
