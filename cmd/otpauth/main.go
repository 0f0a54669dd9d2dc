package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/tech-arch1tect/otpauth/app"
	"github.com/tech-arch1tect/otpauth/config"
	"github.com/tech-arch1tect/otpauth/database"
	"github.com/tech-arch1tect/otpauth/services/logging"
	"github.com/tech-arch1tect/otpauth/store"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	cmd := &cli.Command{
		Name:    "otpauth",
		Usage:   "Account registration with one-time-passcode activation",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "env-file",
				Aliases: []string{"e"},
				Usage:   "Load environment variables from this file before reading config",
				Sources: cli.EnvVars("OTPAUTH_ENV_FILE"),
			},
		},
		Before: loadEnvFile,
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the HTTP API with the outbox dispatcher and verification sweeper",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "with-worker",
						Value: true,
						Usage: "Also consume and deliver OTP notifications in this process",
					},
				},
				Action: runServe,
			},
			{
				Name:   "worker",
				Usage:  "Consume OTP notifications and deliver them by email",
				Action: runWorker,
			},
			{
				Name:   "sweep",
				Usage:  "Delete expired unverified verification records once and exit",
				Action: runSweep,
			},
			{
				Name:   "migrate",
				Usage:  "Create or update the database schema and exit",
				Action: runMigrate,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadEnvFile(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	path := cmd.String("env-file")
	if path == "" {
		return ctx, nil
	}
	if err := godotenv.Load(path); err != nil {
		return ctx, fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return ctx, nil
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	builder := app.NewApp().
		WithAutoConfig().
		WithHTTP().
		WithDispatcher().
		WithSweeper()
	if cmd.Bool("with-worker") {
		builder = builder.WithWorker()
	}

	a, err := builder.Build()
	if err != nil {
		return err
	}
	return a.Run()
}

func runWorker(ctx context.Context, cmd *cli.Command) error {
	a, err := app.NewApp().
		WithAutoConfig().
		WithWorker().
		WithDispatcher().
		Build()
	if err != nil {
		return err
	}
	return a.Run()
}

func runSweep(ctx context.Context, cmd *cli.Command) error {
	a, err := app.NewApp().WithAutoConfig().Build()
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}

	removed, sweepErr := a.Auth().CleanupExpiredVerifications(ctx)
	if sweepErr == nil {
		a.Logger().Info("sweep finished", zap.Int64("removed", removed))
	}
	if err := a.Stop(); err != nil && sweepErr == nil {
		return err
	}
	return sweepErr
}

func runMigrate(ctx context.Context, cmd *cli.Command) error {
	cfg := &config.Config{}
	if err := config.LoadConfig(cfg); err != nil {
		return err
	}
	cfg.Database.AutoMigrate = true

	logger, err := logging.NewService(logging.Config{
		Level:      logging.LogLevel(cfg.Log.Level),
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.Output,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	db, err := database.ProvideDatabase(*cfg, database.WithModels(store.Models()...), logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	logger.Info("schema migrated", zap.String("driver", cfg.Database.Driver))
	return nil
}
