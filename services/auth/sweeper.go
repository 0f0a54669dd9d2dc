package auth

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sweeper runs CleanupExpiredVerifications on an interval. A zero interval
// disables it.
type Sweeper struct {
	service  *Service
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(service *Service, interval time.Duration) *Sweeper {
	return &Sweeper{service: service, interval: interval}
}

func (sw *Sweeper) Start() {
	if sw.interval <= 0 {
		sw.service.logger.Info("verification sweeper disabled")
		return
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sw.cancel = cancel
	sw.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := sw.service.CleanupExpiredVerifications(ctx); err != nil && ctx.Err() == nil {
					sw.service.logger.Warn("verification sweep failed", zap.Error(err))
				}
			}
		}
	}(sw.done)

	sw.service.logger.Info("verification sweeper started", zap.Duration("interval", sw.interval))
}

func (sw *Sweeper) Stop(ctx context.Context) error {
	sw.mu.Lock()
	cancel, done := sw.cancel, sw.done
	sw.cancel, sw.done = nil, nil
	sw.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
