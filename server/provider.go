package server

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tech-arch1tect/otpauth/config"
	"github.com/tech-arch1tect/otpauth/handlers"
	"github.com/tech-arch1tect/otpauth/metrics"
	mwjwt "github.com/tech-arch1tect/otpauth/middleware/jwt"
	"github.com/tech-arch1tect/otpauth/services/jwt"
	"github.com/tech-arch1tect/otpauth/services/logging"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func NewProvider() fx.Option {
	return fx.Options(
		fx.Provide(func(cfg *config.Config, logger *logging.Service, m *metrics.Metrics, reg *prometheus.Registry) *Server {
			return New(cfg, logger, m, reg)
		}),
		fx.Invoke(MountRoutes),
		fx.Invoke(RegisterHooks),
	)
}

func MountRoutes(srv *Server, h *handlers.Handlers, tokens *jwt.Service) {
	h.Routes(srv.Echo(), mwjwt.RequireJWT(tokens))
}

func RegisterHooks(lc fx.Lifecycle, srv *Server, logger *logging.Service, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server stopped", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
