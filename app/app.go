package app

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/tech-arch1tect/otpauth/config"
	"github.com/tech-arch1tect/otpauth/server"
	"github.com/tech-arch1tect/otpauth/services/auth"
	"github.com/tech-arch1tect/otpauth/services/logging"
	"github.com/tech-arch1tect/otpauth/services/notification"
	"github.com/tech-arch1tect/otpauth/services/outbox"
	"github.com/tech-arch1tect/otpauth/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type App struct {
	fx     *fx.App
	config *config.Config
	logger *logging.Service
	db     *gorm.DB

	server     *server.Server
	auth       *auth.Service
	store      *store.Store
	dispatcher *outbox.Dispatcher
	worker     *notification.Worker
}

func (a *App) Start(ctx context.Context) error {
	if err := a.fx.Start(ctx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}
	return nil
}

// Run starts the application and blocks until SIGINT, SIGTERM or an internal
// shutdown request, then stops it gracefully.
func (a *App) Run() error {
	if err := a.Start(context.Background()); err != nil {
		return err
	}

	sig := <-a.fx.Done()
	a.logger.Info("received shutdown signal, stopping gracefully", zap.String("signal", sig.String()))

	return a.Stop()
}

func (a *App) Stop() error {
	timeout := a.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.fx.Stop(ctx); err != nil {
		a.logger.Error("failed to stop application gracefully", zap.Error(err))
		return err
	}
	return nil
}

// Echo returns nil unless the app was built WithHTTP.
func (a *App) Echo() *echo.Echo {
	if a.server == nil {
		return nil
	}
	return a.server.Echo()
}

func (a *App) Server() *server.Server { return a.server }

func (a *App) Auth() *auth.Service { return a.auth }

func (a *App) Store() *store.Store { return a.store }

func (a *App) Dispatcher() *outbox.Dispatcher { return a.dispatcher }

func (a *App) Worker() *notification.Worker { return a.worker }

func (a *App) DB() *gorm.DB { return a.db }

func (a *App) Logger() *logging.Service { return a.logger }

func (a *App) Config() *config.Config { return a.config }
