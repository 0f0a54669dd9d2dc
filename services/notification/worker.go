package notification

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
	"go.uber.org/zap"
)

const (
	modeSMTP      = "smtp"
	modeSimulated = "simulated"
)

type Deliverer interface {
	Deliver(ctx context.Context, to, subject, content string) error
}

type WorkerConfig struct {
	Queue          string
	Concurrency    int
	Attempts       int
	RetryBackoff   time.Duration
	SimulatedDelay time.Duration
	ResubscribeIn  time.Duration
}

func WorkerConfigFrom(cfg *config.Config) WorkerConfig {
	return WorkerConfig{
		Queue:          cfg.Queue.Queue,
		Concurrency:    cfg.Worker.Concurrency,
		Attempts:       cfg.Worker.DeliveryAttempts,
		RetryBackoff:   cfg.Worker.RetryBackoff,
		SimulatedDelay: cfg.Worker.SimulatedDelay,
		ResubscribeIn:  5 * time.Second,
	}
}

// Worker consumes notification events and delivers them. A nil Deliverer
// means delivery is disabled and is simulated in the log instead.
//
// Every message is acknowledged once handled, whether or not delivery
// succeeded. A failed delivery is retried up to Attempts times in-process and
// then logged as ErrDeliveryFailure.
type Worker struct {
	cfg        WorkerConfig
	subscriber queue.Subscriber
	deliverer  Deliverer
	renderer   *Renderer
	metrics    *metrics.Metrics
	logger     *logging.Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(cfg WorkerConfig, subscriber queue.Subscriber, deliverer Deliverer, renderer *Renderer, m *metrics.Metrics, logger *logging.Service) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.ResubscribeIn <= 0 {
		cfg.ResubscribeIn = 5 * time.Second
	}
	return &Worker{
		cfg:        cfg,
		subscriber: subscriber,
		deliverer:  deliverer,
		renderer:   renderer,
		metrics:    m,
		logger:     logger.Named("delivery"),
	}
}

func (w *Worker) mode() string {
	if w.deliverer == nil {
		return modeSimulated
	}
	return modeSMTP
}

// Handle processes one message. It returns nil, acknowledging the message,
// once delivery succeeded or was given up on. Shutdown mid-delivery returns
// the context error so the channel redelivers the message.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	event, err := DecodeEvent(msg.Body)
	if err != nil {
		w.logger.Error("discarding undecodable notification", zap.String("message_id", msg.ID), zap.Error(err))
		w.metrics.Delivery(w.mode(), "malformed")
		return nil
	}

	logger := w.logger.With(zap.String("email", event.Email), zap.String("message_id", msg.ID))
	logger.Info("received otp notification", zap.Bool("redelivered", msg.Redelivered))

	var lastErr error
	for attempt := 1; attempt <= w.cfg.Attempts; attempt++ {
		if attempt > 1 {
			if !sleep(ctx, w.cfg.RetryBackoff) {
				lastErr = ctx.Err()
				break
			}
		}

		lastErr = w.deliver(ctx, event)
		if lastErr == nil {
			logger.Info("otp notification delivered", zap.String("mode", w.mode()), zap.Int("attempt", attempt))
			w.metrics.Delivery(w.mode(), "success")
			return nil
		}

		if ctx.Err() != nil {
			break
		}
		logger.Warn("otp delivery attempt failed", zap.Int("attempt", attempt), zap.Error(lastErr))
	}

	if err := ctx.Err(); err != nil {
		logger.Info("otp delivery interrupted, leaving message for redelivery", zap.Error(err))
		return err
	}

	logger.Error("giving up on otp notification",
		zap.Error(fmt.Errorf("%w: %w", ErrDeliveryFailure, lastErr)),
		zap.Int("attempts", w.cfg.Attempts))
	w.metrics.Delivery(w.mode(), "failure")
	return nil
}

func (w *Worker) deliver(ctx context.Context, event Event) error {
	if w.deliverer == nil {
		return w.simulate(ctx, event)
	}

	content, err := w.renderer.Render(event)
	if err != nil {
		return err
	}
	return w.deliverer.Deliver(ctx, event.Email, Subject, content)
}

func (w *Worker) simulate(ctx context.Context, event Event) error {
	w.logger.Info("email simulation",
		zap.String("to", event.Email),
		zap.String("subject", Subject),
		zap.String("display_name", event.DisplayName),
		zap.String("code", event.Code),
		zap.String("expires_in", humanDuration(w.renderer.ttl)))

	if !sleep(ctx, w.cfg.SimulatedDelay) {
		return ctx.Err()
	}
	return nil
}

// Run blocks, consuming with Concurrency subscriptions until ctx is done.
// A subscription that fails is re-established after ResubscribeIn.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consume(ctx, slot)
		}(i)
	}
	wg.Wait()
}

func (w *Worker) consume(ctx context.Context, slot int) {
	for {
		err := w.subscriber.Subscribe(ctx, w.cfg.Queue, w.Handle)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, queue.ErrClosed) {
			w.logger.Info("notification channel closed", zap.Int("slot", slot))
			return
		}

		w.logger.Error("subscription ended, retrying",
			zap.Int("slot", slot),
			zap.Duration("retry_in", w.cfg.ResubscribeIn),
			zap.Error(err))
		if !sleep(ctx, w.cfg.ResubscribeIn) {
			return
		}
	}
}

func (w *Worker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.Run(ctx)
	}()

	w.logger.Info("delivery worker started",
		zap.String("queue", w.cfg.Queue),
		zap.String("mode", w.mode()),
		zap.Int("concurrency", w.cfg.Concurrency))
}

func (w *Worker) Stop(ctx context.Context) error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("delivery worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
