package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/dataset-export/internal/blobstore"
	"github.com/cuongbtq/dataset-export/internal/bootstrap"
	"github.com/cuongbtq/dataset-export/internal/dataset"
	"github.com/cuongbtq/dataset-export/internal/domain"
	"github.com/cuongbtq/dataset-export/internal/exporter"
	"github.com/cuongbtq/dataset-export/internal/operator"
	"github.com/cuongbtq/dataset-export/internal/storage"
	"github.com/cuongbtq/dataset-export/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := bootstrap.LoadConfig("WORKER_SERVICE_CONFIG_PATH", "configs/worker-service/config.yaml")
	if err != nil {
		return err
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()
	logger := appLogger.Logger

	logger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := bootstrap.NewPostgreSQL(&cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	rabbitClient, err := bootstrap.NewRabbitMQ(&cfg.RabbitMQ, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	rdb, err := bootstrap.NewRedis(&cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}
	defer rdb.Close()

	objectStore, err := bootstrap.NewObjectStore(&cfg.BlobStore)
	if err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}
	exportBucket := blobstore.NewBucket(objectStore, cfg.BlobStore.ExportBucket, cfg.BlobStore.Region, logger)
	originals := blobstore.NewBucket(objectStore, cfg.BlobStore.OriginalsBucket, cfg.BlobStore.Region, logger)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	err = exportBucket.EnsureBucket(startupCtx)
	cancelStartup()
	if err != nil {
		return fmt.Errorf("failed to prepare export bucket: %w", err)
	}

	location, err := cfg.Export.Location()
	if err != nil {
		return err
	}

	provider := dataset.NewProvider(
		bootstrap.NewHTTPClient("dataset-service", &cfg.DatasetService, logger),
		cfg.DatasetService.BaseURL,
		cfg.Export.BatchSize,
		cfg.Export.SnapshotConcurrency,
		logger,
	)
	users := dataset.NewCachedUserResolver(
		dataset.NewUserServiceClient(
			bootstrap.NewHTTPClient("user-service", &cfg.UserService, logger),
			cfg.UserService.BaseURL,
			logger,
		),
		rdb,
		cfg.Redis.UserTTL,
		logger,
	)

	op := operator.New(
		storage.NewStorage(dbClient.GetDB(), logger),
		provider,
		exporter.NewProjector(users),
		map[domain.ExportType]operator.Builder{
			domain.ExportTypeDataset: exporter.NewArchiveBuilder(originals, time.Now, logger),
			domain.ExportTypeExcel:   exporter.NewSpreadsheetBuilder(cfg.Export.TimeLayout, location, time.Now, logger),
		},
		exportBucket,
		operator.Options{
			ScratchDir: cfg.Export.ScratchDir,
			TTL:        cfg.Export.TTL,
			Now:        time.Now,
		},
		logger,
	)

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:        logger,
		Broker:        rabbitClient,
		Processor:     op,
		QueueName:     cfg.RabbitMQ.Queue.Name,
		Concurrency:   cfg.Worker.Concurrency,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
		JobTimeout:    cfg.Worker.JobTimeout,
		MaxRetries:    cfg.Worker.MaxRetries,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- workerInstance.Start(ctx)
	}()

	logger.Info("Worker service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		if err != nil {
			logger.Error("Worker error", slog.Any("error", err))
		}
		return err
	}

	cancel()

	select {
	case <-errChan:
		logger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		logger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	logger.Info("Worker service shutdown complete")
	return nil
}
