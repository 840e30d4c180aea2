/*
Package config loads server configuration from the environment.

All variables are prefixed with LEADX_ and read with envconfig. Nested
structs add their own segment, e.g. Server.Port is LEADX_SERVER_PORT.

REQUIRED:
  LEADX_AUTH_JWT_SECRET   HMAC key for bearer tokens
  LEADX_DATABASE_DSN      only when LEADX_DATABASE_DRIVER=postgres

OPTIONAL WITH FALLBACK BEHAVIOUR:
  LEADX_STRIPE_SECRET_KEY      unset -> simulated payment intents
  LEADX_STRIPE_WEBHOOK_SECRET  unset -> unsigned webhooks accepted (logged loudly)
  LEADX_RATE_LIMIT_RPS/BURST   unset -> no rate limiting
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const (
	Prefix = "leadx"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	DefaultPort       = "8080"
	DefaultSQLiteDSN  = "./data/leadx.db"
	DefaultCurrency   = "usd"
	DefaultTokenTTL   = 24 * time.Hour
	DefaultJWTIssuer  = "lead-exchange"
	DefaultCleanupTTL = 3 * time.Hour
)

type ServerConfig struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	AllowedOrigins []string      `envconfig:"ALLOWED_ORIGINS" default:"*"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout    time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
}

type DatabaseConfig struct {
	Driver      string `envconfig:"DRIVER" default:"sqlite"`
	DSN         string `envconfig:"DSN"`
	AutoMigrate bool   `envconfig:"AUTO_MIGRATE" default:"true"`
	MaxConns    int32  `envconfig:"MAX_CONNS" default:"10"`

	// Optional lets the server start without a database. Webhooks are then
	// acknowledged as no-ops and the rest of the API answers 500.
	Optional bool `envconfig:"OPTIONAL"`
}

type AuthConfig struct {
	JWTSecret string        `envconfig:"JWT_SECRET"`
	Issuer    string        `envconfig:"ISSUER"`
	TokenTTL  time.Duration `envconfig:"TOKEN_TTL"`
}

type StripeConfig struct {
	SecretKey     string        `envconfig:"SECRET_KEY"`
	WebhookSecret string        `envconfig:"WEBHOOK_SECRET"`
	Currency      string        `envconfig:"CURRENCY"`
	Timeout       time.Duration `envconfig:"TIMEOUT" default:"10s"`
	APIURL        string        `envconfig:"API_URL"`
}

type RateLimitConfig struct {
	RequestsPerSecond *float64      `envconfig:"RPS"`
	Burst             *int          `envconfig:"BURST"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL"`
}

// Enabled reports whether rate limiting is configured.
func (r RateLimitConfig) Enabled() bool {
	return r.RequestsPerSecond != nil && r.Burst != nil
}

type LogConfig struct {
	Level  string `envconfig:"LEVEL" default:"info"`
	Format string `envconfig:"FORMAT"`
}

type Configuration struct {
	Environment string          `envconfig:"ENV" default:"development"`
	Server      ServerConfig    `envconfig:"SERVER"`
	Database    DatabaseConfig  `envconfig:"DATABASE"`
	Auth        AuthConfig      `envconfig:"AUTH"`
	Stripe      StripeConfig    `envconfig:"STRIPE"`
	RateLimit   RateLimitConfig `envconfig:"RATE_LIMIT"`
	Log         LogConfig       `envconfig:"LOG"`
}

// Load reads the environment and applies defaults.
func Load() (*Configuration, error) {
	var cnf Configuration
	if err := envconfig.Process(Prefix, &cnf); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cnf.validateAndAddDefaults(logrus.StandardLogger()); err != nil {
		return nil, err
	}
	return &cnf, nil
}

// Production reports whether the server runs in production.
func (cnf *Configuration) Production() bool {
	return strings.EqualFold(cnf.Environment, "production")
}

func (cnf *Configuration) validateAndAddDefaults(log logrus.FieldLogger) error {
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	if cnf.Server.Port == "" {
		cnf.Server.Port = DefaultPort
	}

	cnf.Database.Driver = strings.ToLower(strings.TrimSpace(cnf.Database.Driver))
	cnf.Database.DSN = strings.TrimSpace(cnf.Database.DSN)
	switch cnf.Database.Driver {
	case DriverSQLite:
		if cnf.Database.DSN == "" {
			cnf.Database.DSN = DefaultSQLiteDSN
		}
	case DriverPostgres:
		if cnf.Database.DSN == "" {
			return errors.New("LEADX_DATABASE_DSN is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q (want %s or %s)", cnf.Database.Driver, DriverSQLite, DriverPostgres)
	}

	if strings.TrimSpace(cnf.Auth.JWTSecret) == "" {
		return errors.New("LEADX_AUTH_JWT_SECRET is required")
	}
	if cnf.Auth.Issuer == "" {
		cnf.Auth.Issuer = DefaultJWTIssuer
	}
	if cnf.Auth.TokenTTL <= 0 {
		cnf.Auth.TokenTTL = DefaultTokenTTL
	}

	cnf.Stripe.Currency = strings.ToLower(strings.TrimSpace(cnf.Stripe.Currency))
	if cnf.Stripe.Currency == "" {
		cnf.Stripe.Currency = DefaultCurrency
	}
	if cnf.Stripe.SecretKey == "" {
		log.Warn("LEADX_STRIPE_SECRET_KEY not set: payment intents will be simulated")
	}
	if cnf.Stripe.WebhookSecret == "" {
		log.Warn("LEADX_STRIPE_WEBHOOK_SECRET not set: webhook signatures will not be verified")
	}

	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		burst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		cnf.RateLimit.Burst = &burst
		log.Warnf("rate limit burst not specified, using %d", burst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		rps := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &rps
		log.Warnf("rate limit RPS not specified, using %.2f", rps)
	}
	if cnf.RateLimit.CleanupInterval <= 0 {
		cnf.RateLimit.CleanupInterval = DefaultCleanupTTL
	}

	if cnf.Log.Format == "" {
		cnf.Log.Format = "text"
		if cnf.Production() {
			cnf.Log.Format = "json"
		}
	}
	if _, err := logrus.ParseLevel(cnf.Log.Level); err != nil {
		return fmt.Errorf("invalid LEADX_LOG_LEVEL: %w", err)
	}

	return nil
}

// NewLogger builds the process logger from the log settings.
func (cnf *Configuration) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if level, err := logrus.ParseLevel(cnf.Log.Level); err == nil {
		logger.SetLevel(level)
	}
	if cnf.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
