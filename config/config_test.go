package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LEADX_AUTH_JWT_SECRET", "secret")

	cnf, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cnf.Server.Port)
	assert.Equal(t, []string{"*"}, cnf.Server.AllowedOrigins)
	assert.Equal(t, DriverSQLite, cnf.Database.Driver)
	assert.Equal(t, DefaultSQLiteDSN, cnf.Database.DSN)
	assert.Equal(t, DefaultJWTIssuer, cnf.Auth.Issuer)
	assert.Equal(t, DefaultTokenTTL, cnf.Auth.TokenTTL)
	assert.Equal(t, "usd", cnf.Stripe.Currency)
	assert.Equal(t, 10*time.Second, cnf.Stripe.Timeout)
	assert.False(t, cnf.RateLimit.Enabled())
	assert.Equal(t, "text", cnf.Log.Format)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("LEADX_ENV", "production")
	t.Setenv("LEADX_SERVER_PORT", "9000")
	t.Setenv("LEADX_SERVER_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("LEADX_DATABASE_DRIVER", "postgres")
	t.Setenv("LEADX_DATABASE_DSN", "postgres://localhost/leadx")
	t.Setenv("LEADX_AUTH_JWT_SECRET", "secret")
	t.Setenv("LEADX_STRIPE_SECRET_KEY", "sk_test_1")
	t.Setenv("LEADX_STRIPE_WEBHOOK_SECRET", "whsec_1")
	t.Setenv("LEADX_STRIPE_CURRENCY", "EUR")
	t.Setenv("LEADX_RATE_LIMIT_RPS", "5")

	cnf, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cnf.Server.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cnf.Server.AllowedOrigins)
	assert.Equal(t, DriverPostgres, cnf.Database.Driver)
	assert.Equal(t, "eur", cnf.Stripe.Currency)
	assert.Equal(t, "json", cnf.Log.Format)

	require.True(t, cnf.RateLimit.Enabled())
	assert.Equal(t, 10, *cnf.RateLimit.Burst, "burst defaults to twice the rate")
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		cnf  Configuration
		want string
	}{
		{
			name: "missing jwt secret",
			cnf:  Configuration{Database: DatabaseConfig{Driver: DriverSQLite}, Log: LogConfig{Level: "info"}},
			want: "LEADX_AUTH_JWT_SECRET",
		},
		{
			name: "postgres without dsn",
			cnf:  Configuration{Database: DatabaseConfig{Driver: DriverPostgres}, Auth: AuthConfig{JWTSecret: "s"}, Log: LogConfig{Level: "info"}},
			want: "LEADX_DATABASE_DSN",
		},
		{
			name: "unknown driver",
			cnf:  Configuration{Database: DatabaseConfig{Driver: "mongo"}, Auth: AuthConfig{JWTSecret: "s"}, Log: LogConfig{Level: "info"}},
			want: "unknown database driver",
		},
		{
			name: "bad log level",
			cnf:  Configuration{Database: DatabaseConfig{Driver: DriverSQLite}, Auth: AuthConfig{JWTSecret: "s"}, Log: LogConfig{Level: "loud"}},
			want: "LEADX_LOG_LEVEL",
		},
	}

	log, _ := test.NewNullLogger()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cnf.validateAndAddDefaults(log)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_RPSFromBurst(t *testing.T) {
	burst := 8
	cnf := Configuration{
		Database:  DatabaseConfig{Driver: DriverSQLite},
		Auth:      AuthConfig{JWTSecret: "s"},
		RateLimit: RateLimitConfig{Burst: &burst},
		Log:       LogConfig{Level: "debug"},
	}

	log, _ := test.NewNullLogger()
	require.NoError(t, cnf.validateAndAddDefaults(log))
	require.NotNil(t, cnf.RateLimit.RequestsPerSecond)
	assert.Equal(t, 4.0, *cnf.RateLimit.RequestsPerSecond)
	assert.Equal(t, DefaultCleanupTTL, cnf.RateLimit.CleanupInterval)

	logger := cnf.NewLogger()
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}
