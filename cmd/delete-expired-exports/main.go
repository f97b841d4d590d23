package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/dataset-export/internal/bootstrap"
	"github.com/cuongbtq/dataset-export/internal/management"
	"github.com/cuongbtq/dataset-export/internal/storage"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := bootstrap.LoadConfig("DELETE_EXPIRED_EXPORTS_CONFIG_PATH", "configs/delete-expired-exports/config.yaml")
	if err != nil {
		return err
	}

	if err := cfg.ValidateDatabaseConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	dbClient, err := bootstrap.NewPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)
	exports := management.NewService(store, nil, nil, time.Now, appLogger.Logger)

	removed, err := exports.DeleteExpired(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete expired exports: %w", err)
	}

	appLogger.Info("Expired exports deleted", slog.Int64("removed", removed))
	return nil
}
