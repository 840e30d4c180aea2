package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/lead-exchange/api"
	"github.com/warp/lead-exchange/config"
	"github.com/warp/lead-exchange/market"
	"github.com/warp/lead-exchange/payments"
	"github.com/warp/lead-exchange/store/postgres"
	"github.com/warp/lead-exchange/store/sqlite"
)

const shutdownTimeout = 30 * time.Second

func serveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a.cnf, a.log)
		},
	}
}

func serve(ctx context.Context, cnf *config.Configuration, log *logrus.Logger) error {
	store, closeStore, err := openStore(ctx, cnf, log)
	if err != nil {
		if !cnf.Database.Optional {
			return err
		}
		log.WithError(err).Error("database unavailable; webhooks will be acknowledged without being applied")
		store, closeStore = nil, func() {}
	}
	defer closeStore()

	var processor market.PaymentProcessor
	if cnf.Stripe.SecretKey != "" {
		processor = payments.NewStripeProcessor(payments.StripeOptions{
			SecretKey: cnf.Stripe.SecretKey,
			Timeout:   cnf.Stripe.Timeout,
			BaseURL:   cnf.Stripe.APIURL,
			Log:       log,
		})
	} else {
		processor = payments.NewSimulatedProcessor(log)
	}

	handler := api.NewHandler(api.Deps{
		Store:     store,
		Processor: processor,
		Verifier:  payments.NewSignatureVerifier(cnf.Stripe.WebhookSecret, log),
		Tokens:    api.NewTokenIssuer(cnf.Auth.JWTSecret, cnf.Auth.Issuer, cnf.Auth.TokenTTL),
		Currency:  cnf.Stripe.Currency,
		Log:       log,
	})
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cnf.Server.AllowedOrigins,
		RateLimit:      cnf.RateLimit,
	})

	server := &http.Server{
		Addr:         ":" + cnf.Server.Port,
		Handler:      router,
		ReadTimeout:  cnf.Server.ReadTimeout,
		WriteTimeout: cnf.Server.WriteTimeout,
		IdleTimeout:  cnf.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"port":        cnf.Server.Port,
			"environment": cnf.Environment,
			"database":    cnf.Database.Driver,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

// openStore returns a nil Store (never a typed nil) on error.
func openStore(ctx context.Context, cnf *config.Configuration, log logrus.FieldLogger) (market.Store, func(), error) {
	switch cnf.Database.Driver {
	case config.DriverPostgres:
		pg, err := postgres.Connect(ctx, cnf.Database.DSN, postgres.ConnectOptions{
			MaxConns: cnf.Database.MaxConns,
			Log:      log,
		})
		if err != nil {
			return nil, nil, err
		}
		if cnf.Database.AutoMigrate {
			n, err := postgres.Migrate(cnf.Database.DSN, migrate.Up, 0)
			if err != nil {
				pg.Close()
				return nil, nil, err
			}
			log.WithField("applied", n).Info("database migrations applied")
		}
		return pg, pg.Close, nil

	case config.DriverSQLite:
		if dir := filepath.Dir(cnf.Database.DSN); cnf.Database.DSN != ":memory:" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		lite, err := sqlite.New(cnf.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		return lite, func() {
			if err := lite.Close(); err != nil {
				log.WithError(err).Warn("failed to close database")
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown database driver %q", cnf.Database.Driver)
}
