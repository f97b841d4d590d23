package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/dataset-export/internal/blobstore"
	"github.com/cuongbtq/dataset-export/internal/bootstrap"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := bootstrap.LoadConfig("MIGRATE_FILES_CONFIG_PATH", "configs/migrate-files/config.yaml")
	if err != nil {
		return err
	}

	if err := cfg.ValidateMigrateFilesConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	objectStore, err := bootstrap.NewObjectStore(&cfg.BlobStore)
	if err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}
	bucket := blobstore.NewBucket(objectStore, cfg.BlobStore.ExportBucket, cfg.BlobStore.Region, appLogger.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bucket.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("failed to prepare export bucket: %w", err)
	}

	result, err := blobstore.MigrateDir(ctx, cfg.Export.LegacyExportDir, bucket, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to migrate legacy export files: %w", err)
	}

	appLogger.Info("Legacy export files migrated",
		slog.String("dir", cfg.Export.LegacyExportDir),
		slog.Int("uploaded", result.Uploaded),
		slog.Int("skipped", result.Skipped),
	)
	return nil
}
