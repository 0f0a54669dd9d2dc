package auth

import (
	"context"

	"github.com/tech-arch1tect/otpauth/cache"
	"github.com/tech-arch1tect/otpauth/config"
	"github.com/tech-arch1tect/otpauth/metrics"
	"github.com/tech-arch1tect/otpauth/services/jwt"
	"github.com/tech-arch1tect/otpauth/services/logging"
	"github.com/tech-arch1tect/otpauth/services/otp"
	"github.com/tech-arch1tect/otpauth/services/outbox"
	"github.com/tech-arch1tect/otpauth/services/password"
	"github.com/tech-arch1tect/otpauth/store"
	"go.uber.org/fx"
)

var Module = fx.Options(
	fx.Provide(ProvideService),
	fx.Provide(ProvideSweeper),
)

func ProvideService(
	cfg *config.Config,
	st *store.Store,
	c cache.Cache,
	hasher password.Hasher,
	tokens *jwt.Service,
	codes *otp.Generator,
	dispatcher *outbox.Dispatcher,
	m *metrics.Metrics,
	logger *logging.Service,
) *Service {
	return NewService(cfg, st, c, hasher, tokens, codes, dispatcher, m, logger)
}

func ProvideSweeper(cfg *config.Config, service *Service) *Sweeper {
	return NewSweeper(service, cfg.OTP.SweepInterval)
}

func RegisterSweeperHooks(lc fx.Lifecycle, sw *Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			sw.Start()
			return nil
		},
		OnStop: sw.Stop,
	})
}
