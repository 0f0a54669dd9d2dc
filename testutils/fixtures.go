package testutils

import (
	"time"

	"github.com/tech-arch1tect/otpauth/config"
	"golang.org/x/crypto/bcrypt"
)

func GetTestConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{
			Name: "otpauth-test",
			URL:  "http://localhost:8080",
		},
		Log: config.LogConfig{Level: "debug", Format: "console", Output: "stdout"},
		Database: config.DatabaseConfig{
			Driver:      "sqlite",
			DSN:         ":memory:",
			AutoMigrate: true,
		},
		Cache: config.CacheConfig{Driver: "memory", KeyPrefix: "otp:"},
		Queue: config.QueueConfig{
			Driver:         "memory",
			Exchange:       "otp.exchange",
			Queue:          "otp.queue",
			RoutingKey:     "otp.send",
			Group:          "otp-delivery",
			ClaimIdle:      time.Minute,
			BlockTimeout:   50 * time.Millisecond,
			PublishTimeout: time.Second,
		},
		Mail: config.MailConfig{
			Enabled:     false,
			Host:        "localhost",
			Port:        2525,
			Encryption:  "none",
			FromAddress: "noreply@otpauth.test",
			Timeout:     time.Second,
		},
		OTP:  config.OTPConfig{Length: 6, TTL: 5 * time.Minute},
		Auth: config.AuthConfig{BcryptCost: bcrypt.MinCost},
		JWT: config.JWTConfig{
			SecretKey:    "k3Qz9vLw2Rt8Yp5Nm1Bx7Hc4Jd6Fg0Sa",
			Algorithm:    "HS256",
			AccessExpiry: 15 * time.Minute,
			Issuer:       "otpauth-test",
		},
		Outbox: config.OutboxConfig{
			PollInterval: 20 * time.Millisecond,
			Grace:        0,
			BatchSize:    10,
		},
		Worker: config.WorkerConfig{
			Concurrency:      1,
			DeliveryAttempts: 1,
			RetryBackoff:     time.Millisecond,
			SimulatedDelay:   0,
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

var TestAccounts = struct {
	John struct {
		Name     string
		Email    string
		Password string
		Age      int
	}
}{
	John: struct {
		Name     string
		Email    string
		Password string
		Age      int
	}{
		Name:     "John",
		Email:    "j@x.com",
		Password: "pw123",
		Age:      25,
	},
}
