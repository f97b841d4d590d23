package blobstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// MigrationTarget is the bucket legacy files are copied into
type MigrationTarget interface {
	Exists(ctx context.Context, name string) (bool, error)
	UploadFile(ctx context.Context, name, path string) error
}

// MigrationResult counts the outcome of MigrateDir
type MigrationResult struct {
	Uploaded int
	Skipped  int
}

// MigrateDir uploads every regular file of dir (not recursive) to target
// under its base name. Files already present in target are skipped and local
// files are left in place, so the migration can be re-run.
func MigrateDir(ctx context.Context, dir string, target MigrationTarget, logger *slog.Logger) (MigrationResult, error) {
	var result MigrationResult

	entries, err := os.ReadDir(dir)
	if err != nil {
		return result, fmt.Errorf("failed to read legacy export dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		name := entry.Name()
		exists, err := target.Exists(ctx, name)
		if err != nil {
			return result, err
		}
		if exists {
			logger.Debug("Legacy export file already migrated", slog.String("name", name))
			result.Skipped++
			continue
		}

		if err := target.UploadFile(ctx, name, filepath.Join(dir, name)); err != nil {
			return result, err
		}
		logger.Info("Migrated legacy export file", slog.String("name", name))
		result.Uploaded++
	}

	return result, nil
}
