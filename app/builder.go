package app

import (
	"errors"
	"fmt"

	"github.com/tech-arch1tect/otpauth/cache"
	"github.com/tech-arch1tect/otpauth/config"
	"github.com/tech-arch1tect/otpauth/database"
	"github.com/tech-arch1tect/otpauth/handlers"
	"github.com/tech-arch1tect/otpauth/metrics"
	"github.com/tech-arch1tect/otpauth/queue"
	"github.com/tech-arch1tect/otpauth/server"
	"github.com/tech-arch1tect/otpauth/services/auth"
	"github.com/tech-arch1tect/otpauth/services/jwt"
	"github.com/tech-arch1tect/otpauth/services/logging"
	"github.com/tech-arch1tect/otpauth/services/mail"
	"github.com/tech-arch1tect/otpauth/services/notification"
	"github.com/tech-arch1tect/otpauth/services/otp"
	"github.com/tech-arch1tect/otpauth/services/outbox"
	"github.com/tech-arch1tect/otpauth/services/password"
	"github.com/tech-arch1tect/otpauth/store"
	"go.uber.org/fx"
)

const (
	runHTTP       = "http"
	runWorker     = "worker"
	runDispatcher = "dispatcher"
	runSweeper    = "sweeper"
)

// AppBuilder assembles the fx graph. The With* runners choose which
// long-running components start with the app; the core services are always
// available.
type AppBuilder struct {
	config    *config.Config
	logger    *logging.Service
	runners   map[string]bool
	fxOptions []fx.Option
	errors    []error
}

func NewApp() *AppBuilder {
	return &AppBuilder{
		runners:   make(map[string]bool),
		fxOptions: make([]fx.Option, 0),
		errors:    make([]error, 0),
	}
}

func (b *AppBuilder) WithConfig(cfg *config.Config) *AppBuilder {
	if cfg == nil {
		b.addError("config cannot be nil")
		return b
	}
	b.config = cfg
	return b
}

func (b *AppBuilder) WithAutoConfig() *AppBuilder {
	cfg := &config.Config{}
	if err := config.LoadConfig(cfg); err != nil {
		b.addError(fmt.Sprintf("failed to load config: %v", err))
		return b
	}
	b.config = cfg
	return b
}

// WithLogger overrides the logger otherwise built from the config.
func (b *AppBuilder) WithLogger(logger *logging.Service) *AppBuilder {
	b.logger = logger
	return b
}

func (b *AppBuilder) WithHTTP() *AppBuilder {
	b.runners[runHTTP] = true
	return b
}

func (b *AppBuilder) WithWorker() *AppBuilder {
	b.runners[runWorker] = true
	return b
}

func (b *AppBuilder) WithDispatcher() *AppBuilder {
	b.runners[runDispatcher] = true
	return b
}

func (b *AppBuilder) WithSweeper() *AppBuilder {
	b.runners[runSweeper] = true
	return b
}

func (b *AppBuilder) WithFxOptions(opts ...fx.Option) *AppBuilder {
	b.fxOptions = append(b.fxOptions, opts...)
	return b
}

func (b *AppBuilder) Build() (*App, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}

	app := &App{config: b.config}

	options := b.buildFxOptions()
	options = append(options, fx.Populate(&app.logger, &app.db, &app.auth, &app.store, &app.dispatcher, &app.worker))
	if b.runners[runHTTP] {
		options = append(options, fx.Populate(&app.server))
	}

	app.fx = fx.New(options...)
	if err := app.fx.Err(); err != nil {
		return nil, fmt.Errorf("failed to build application: %w", err)
	}

	return app, nil
}

func (b *AppBuilder) addError(msg string) {
	b.errors = append(b.errors, errors.New(msg))
}

func (b *AppBuilder) validate() error {
	if len(b.errors) > 0 {
		return fmt.Errorf("configuration errors: %v", b.errors)
	}
	if b.config == nil {
		return fmt.Errorf("config is required")
	}
	return nil
}

func (b *AppBuilder) buildFxOptions() []fx.Option {
	options := []fx.Option{
		config.NewProvider(b.config),
		fx.Supply(database.WithModels(store.Models()...)),
		fx.NopLogger,

		database.Module,
		metrics.Module,
		store.Module,
		cache.Module,
		queue.Module,
		otp.Module,
		password.Module,
		jwt.Module,
		mail.Module,
		outbox.Module,
		notification.Module,
		auth.Module,
		handlers.Module,
	}

	if b.logger != nil {
		options = append(options, fx.Supply(b.logger))
	} else {
		options = append(options, logging.Module)
	}

	if b.runners[runHTTP] {
		options = append(options, server.NewProvider())
	}
	if b.runners[runDispatcher] {
		options = append(options, fx.Invoke(outbox.RegisterHooks))
	}
	if b.runners[runWorker] {
		options = append(options, fx.Invoke(notification.RegisterWorkerHooks))
	}
	if b.runners[runSweeper] {
		options = append(options, fx.Invoke(auth.RegisterSweeperHooks))
	}

	return append(options, b.fxOptions...)
}
