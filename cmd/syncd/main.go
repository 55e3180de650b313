package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"remindsync/internal/api"
	"remindsync/internal/app"
	"remindsync/internal/config"
	"remindsync/internal/database"
	"remindsync/internal/domain"
	"remindsync/internal/logging"
	"remindsync/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("init service")
		return err
	}
	defer (func() { _ = a.Close() })()

	startMetrics(ctx, cfg, &logger)
	startConsumer(ctx, a, &logger)

	if cfg.Backup.Enabled {
		go database.NewBackupService(a.DB, cfg.Backup, &logger).Start(ctx)
	}

	sched, err := startSweepSchedule(ctx, a, cfg, &logger)
	if err != nil {
		return err
	}
	defer sched.Stop()

	return serve(ctx, a, cfg, &logger)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "syncd").Logger()

	return cfg, logger, closer, nil
}

// startConsumer runs whichever side of the task queue the config selected.
func startConsumer(ctx context.Context, a *app.App, logger *zerolog.Logger) {
	if a.SQS != nil {
		go func() {
			if err := a.SQS.Poll(ctx, a.Handle); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("sqs poller stopped")
			}
		}()
		return
	}
	go a.Worker.Start(ctx)
}

// startSweepSchedule enqueues the retry sweep on the configured cron spec.
func startSweepSchedule(ctx context.Context, a *app.App, cfg *config.Config, logger *zerolog.Logger) (*cron.Cron, error) {
	sched := cron.New(cron.WithLocation(cfg.Location()))
	_, err := sched.AddFunc(cfg.Sync.SweepSchedule, func() {
		if err := a.Dispatcher.Enqueue(ctx, domain.Task{Type: domain.TaskSweep}, 0); err != nil {
			logger.Error().Err(err).Msg("enqueue sweep")
			return
		}
		logger.Debug().Msg("sweep enqueued")
	})
	if err != nil {
		return nil, fmt.Errorf("schedule sweep %q: %w", cfg.Sync.SweepSchedule, err)
	}
	sched.Start()
	logger.Info().Str("schedule", cfg.Sync.SweepSchedule).Msg("sweep scheduled")
	return sched, nil
}

func serve(ctx context.Context, a *app.App, cfg *config.Config, logger *zerolog.Logger) error {
	var httpServer *api.HTTPServer
	if cfg.API.Enabled && cfg.API.HTTP.Enabled {
		httpServer = a.HTTPServer()
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
		logger.Info().Int("http_port", cfg.API.HTTP.Port).Msg("API server started")
	}

	logger.Info().Str("queue", cfg.Queue.Backend).Msg("sync service started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}

	logger.Info().Msg("sync service stopped")
	return nil
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
