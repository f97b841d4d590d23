package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cuongbtq/dataset-export/internal/api/handler"
	"github.com/cuongbtq/dataset-export/internal/api/router"
	"github.com/cuongbtq/dataset-export/internal/blobstore"
	"github.com/cuongbtq/dataset-export/internal/bootstrap"
	"github.com/cuongbtq/dataset-export/internal/event"
	"github.com/cuongbtq/dataset-export/internal/management"
	"github.com/cuongbtq/dataset-export/internal/storage"
	"github.com/gin-gonic/gin"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := bootstrap.LoadConfig("API_SERVICE_CONFIG_PATH", "configs/api-service/config.yaml")
	if err != nil {
		return err
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := bootstrap.NewPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	rabbitClient, err := bootstrap.NewRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	objectStore, err := bootstrap.NewObjectStore(&cfg.BlobStore)
	if err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}
	exportBucket := blobstore.NewBucket(objectStore, cfg.BlobStore.ExportBucket, cfg.BlobStore.Region, appLogger.Logger)

	store := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)
	producer := event.NewProducer(rabbitClient, appLogger.Logger)
	relay := event.NewRelay(store, producer, cfg.Outbox.BatchSize, cfg.Outbox.Interval, appLogger.Logger)
	exports := management.NewService(store, exportBucket, relay, time.Now, appLogger.Logger)

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	r := router.SetupRouter(&handler.Dependencies{
		Logger:      appLogger.Logger,
		Exports:     exports,
		ServiceName: cfg.App.Name,
		HealthCheck: dbClient.HealthCheck,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		relay.Run(relayCtx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		appLogger.Info("Starting HTTP server",
			slog.String("address", addr),
			slog.Duration("read_timeout", cfg.Server.ReadTimeout),
			slog.Duration("write_timeout", cfg.Server.WriteTimeout),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		stopRelay()
		wg.Wait()
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	shutdownErr := srv.Shutdown(ctx)
	stopRelay()
	wg.Wait()

	if shutdownErr != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", shutdownErr))
		return shutdownErr
	}

	appLogger.Info("Server shutdown complete")
	return nil
}
