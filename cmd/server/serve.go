package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"premiumpay/config"
	"premiumpay/internal/database"
	"premiumpay/internal/logging"
	"premiumpay/internal/metrics"
	"premiumpay/internal/middleware"
	"premiumpay/internal/router"
	"premiumpay/internal/ws"
	"premiumpay/pkg/payment"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.New(cfg.Log)

	db, err := database.NewDB(&cfg.Database)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rec := metrics.NewPrometheus(reg, "premiumpay")

	limiter, closeLimiter := newLimiter(ctx, cfg, log)
	defer closeLimiter()

	engine := router.Setup(cfg, router.Deps{
		DB:       db,
		Provider: newProvider(cfg, rec, log),
		Limiter:  limiter,
		Registry: reg,
		Metrics:  rec,
		Hub:      ws.NewHub(),
		Logger:   log,
	})
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("provider", cfg.Payment.Provider).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

func newProvider(cfg *config.Config, observer payment.Observer, log zerolog.Logger) payment.Provider {
	if cfg.Payment.Provider == "stub" {
		log.Warn().Msg("using in-memory stub payment provider")
		return payment.NewStubProvider()
	}
	return payment.NewNotchPay(payment.NotchPayConfig{
		BaseURL:   cfg.Payment.BaseURL,
		PublicKey: cfg.Payment.PublicKey,
		SecretKey: cfg.Payment.SecretKey,
		Timeout:   cfg.Payment.ProviderTimeout,
		Observer:  observer,
		Logger:    log,
	})
}

// newLimiter uses redis when configured so limits hold across instances.
func newLimiter(ctx context.Context, cfg *config.Config, log zerolog.Logger) (middleware.Limiter, func()) {
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, rate limiting fails open until it recovers")
		}
		return middleware.NewRedisRateLimiter(client, "premiumpay:ratelimit", cfg.RateLimit.Requests, cfg.RateLimit.Window),
			func() { client.Close() }
	}
	l := middleware.NewInMemoryRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	go l.Run(ctx, time.Minute)
	return l, func() {}
}
