package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"

	"github.com/couchcryptid/seismoi-feed/internal/adapter/httpadapter"
	kafkaadapter "github.com/couchcryptid/seismoi-feed/internal/adapter/kafka"
	"github.com/couchcryptid/seismoi-feed/internal/adapter/seismoi"
	"github.com/couchcryptid/seismoi-feed/internal/adapter/store"
	"github.com/couchcryptid/seismoi-feed/internal/config"
	"github.com/couchcryptid/seismoi-feed/internal/geolocation"
	"github.com/couchcryptid/seismoi-feed/internal/installation"
	"github.com/couchcryptid/seismoi-feed/internal/observability"
	"github.com/couchcryptid/seismoi-feed/internal/setup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.StoreDriver, cfg.StoreDSN, logger)
	if err != nil {
		logger.Error("failed to open installation store", "error", err)
		os.Exit(1)
	}

	// Entity events go to Kafka when KAFKA_ENABLED / KAFKA_BROKERS are set.
	var (
		listeners []geolocation.Listener
		publisher *kafkaadapter.Publisher
	)
	if cfg.KafkaEnabled {
		publisher = kafkaadapter.NewPublisher(cfg, logger, metrics)
		listeners = append(listeners, publisher)
		logger.Info("kafka entity publishing enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	} else {
		logger.Info("kafka entity publishing disabled")
	}

	client := seismoi.NewClient(cfg.FetchTimeout, logger)
	supervisor := installation.New(db, client, logger, metrics,
		installation.WithInterval(cfg.UpdateInterval),
		installation.WithListeners(listeners...),
	)
	wizard := setup.NewFlow(db, supervisor, setup.Defaults{
		URL:       cfg.FeedURL,
		Latitude:  cfg.HomeLatitude,
		Longitude: cfg.HomeLongitude,
	}, logger, metrics)

	ready := observability.Readiness{db, supervisor}
	srv := httpadapter.NewServer(cfg.HTTPAddr, sharedobs.ReadinessChecker(ready), supervisor, wizard, logger, metrics)

	if err := supervisor.Start(ctx); err != nil {
		logger.Error("failed to start installations", "error", err)
		os.Exit(1)
	}

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		logger.Error("supervisor shutdown error", "error", err)
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("kafka publisher close error", "error", err)
		}
	}
	if err := db.Close(); err != nil {
		logger.Error("installation store close error", "error", err)
	}

	logger.Info("shutdown complete")
}
