package notification

import (
	"context"

	"github.com/tech-arch1tect/otpauth/config"
	"github.com/tech-arch1tect/otpauth/metrics"
	"github.com/tech-arch1tect/otpauth/queue"
	"github.com/tech-arch1tect/otpauth/services/logging"
	"github.com/tech-arch1tect/otpauth/services/mail"
	"go.uber.org/fx"
)

var Module = fx.Options(
	fx.Provide(ProvideRenderer),
	fx.Provide(ProvideWorker),
)

func ProvideRenderer(cfg *config.Config) (*Renderer, error) {
	return NewRenderer(cfg.App.Name, cfg.OTP.TTL, cfg.Mail.TemplatesDir)
}

func ProvideWorker(cfg *config.Config, subscriber queue.Subscriber, mailer *mail.Service, renderer *Renderer, m *metrics.Metrics, logger *logging.Service) *Worker {
	var deliverer Deliverer
	if cfg.Mail.Enabled && mailer != nil {
		deliverer = mailer
	}
	return NewWorker(WorkerConfigFrom(cfg), subscriber, deliverer, renderer, m, logger)
}

func RegisterWorkerHooks(lc fx.Lifecycle, w *Worker) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			w.Start()
			return nil
		},
		OnStop: w.Stop,
	})
}
