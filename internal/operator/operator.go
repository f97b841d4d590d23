// Package operator runs the export job: it claims a requested export,
// generates its file, uploads it and marks the export done.
package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cuongbtq/dataset-export/internal/dataset"
	"github.com/cuongbtq/dataset-export/internal/domain"
	"github.com/cuongbtq/dataset-export/internal/storage"
)

// MetadataSource reads the images selected by an export filter
type MetadataSource interface {
	FetchAll(ctx context.Context, filterOptions []byte) (*dataset.Batch, error)
	FetchSnapshots(ctx context.Context, images []dataset.ImageRecord) ([]dataset.Snapshots, error)
}

// Projector resolves dataset records into exported entries
type Projector interface {
	Project(ctx context.Context, batch *dataset.Batch, snapshots []dataset.Snapshots) ([]domain.ImageEntry, error)
}

// Builder writes an export file into dir and returns its name
type Builder interface {
	Build(ctx context.Context, dir string, entries []domain.ImageEntry) (string, error)
}

// Uploader stores a local file in the export bucket
type Uploader interface {
	UploadFile(ctx context.Context, name, path string) error
}

// Options configures an Operator
type Options struct {
	// ScratchDir is the parent of per-run working directories; empty means the OS temp dir
	ScratchDir string
	// TTL is how long a finished export stays available
	TTL time.Duration
	// Now returns the current time
	Now func() time.Time
}

// Operator processes export requests
type Operator struct {
	store     storage.Store
	metadata  MetadataSource
	projector Projector
	builders  map[domain.ExportType]Builder
	uploader  Uploader
	opts      Options
	logger    *slog.Logger
}

// New creates a new Operator
func New(
	store storage.Store,
	metadata MetadataSource,
	projector Projector,
	builders map[domain.ExportType]Builder,
	uploader Uploader,
	opts Options,
	logger *slog.Logger,
) *Operator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Operator{
		store:     store,
		metadata:  metadata,
		projector: projector,
		builders:  builders,
		uploader:  uploader,
		opts:      opts,
		logger:    logger,
	}
}

// ProcessExport generates the file of export id. It is a no-op unless the
// export is REQUESTED, so duplicate and concurrent calls generate at most one
// file. Failures before the claim commits are returned as
// *domain.RetryableError, except for an export type without a builder. After
// the claim the export stays PROCESSING on failure.
func (o *Operator) ProcessExport(ctx context.Context, id int64) error {
	logger := o.logger.With(slog.Int64("export_id", id))

	export, err := o.claim(ctx, id)
	if err != nil {
		logger.Error("Failed to claim export", slog.Any("error", err))
		if errors.Is(err, domain.ErrInvalidArgument) {
			return err
		}
		return domain.NewRetryableError(err)
	}
	if export == nil {
		return nil
	}

	logger.Info("Processing export", slog.String("type", export.Type.String()))

	fileName, err := o.generate(ctx, export)
	if err != nil {
		logger.Error("Failed to generate export file", slog.Any("error", err))
		return err
	}

	if err := o.finalize(ctx, id, fileName); err != nil {
		logger.Error("Failed to finalize export", slog.Any("error", err))
		return err
	}

	logger.Info("Export done", slog.String("file", fileName))
	return nil
}

// claim moves a REQUESTED export to PROCESSING and returns it. It returns nil
// when there is nothing to do.
func (o *Operator) claim(ctx context.Context, id int64) (*domain.Export, error) {
	var claimed *domain.Export

	err := o.store.WithTransaction(ctx, func(tx storage.Accessor) error {
		export, err := tx.GetExportForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if export == nil {
			o.logger.Warn("Export not found, skipping", slog.Int64("export_id", id))
			return nil
		}
		if export.Status != domain.ExportStatusRequested {
			o.logger.Info("Export already claimed, skipping",
				slog.Int64("export_id", id),
				slog.String("status", export.Status.String()),
			)
			return nil
		}
		if _, ok := o.builders[export.Type]; !ok {
			return fmt.Errorf("%w: no builder for export type %s", domain.ErrInvalidArgument, export.Type)
		}

		export.Status = domain.ExportStatusProcessing
		if err := tx.UpdateExport(ctx, export); err != nil {
			return err
		}
		claimed = export
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (o *Operator) generate(ctx context.Context, export *domain.Export) (string, error) {
	batch, err := o.metadata.FetchAll(ctx, export.FilterOptions)
	if err != nil {
		return "", fmt.Errorf("failed to fetch image metadata: %w", err)
	}
	snapshots, err := o.metadata.FetchSnapshots(ctx, batch.Images)
	if err != nil {
		return "", fmt.Errorf("failed to fetch region snapshots: %w", err)
	}
	entries, err := o.projector.Project(ctx, batch, snapshots)
	if err != nil {
		return "", fmt.Errorf("failed to project image metadata: %w", err)
	}

	dir, err := os.MkdirTemp(o.opts.ScratchDir, fmt.Sprintf("export-%d-*", export.ID))
	if err != nil {
		return "", fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	fileName, err := o.builders[export.Type].Build(ctx, dir, entries)
	if err != nil {
		return "", fmt.Errorf("failed to build export file: %w", err)
	}

	if err := o.uploader.UploadFile(ctx, fileName, filepath.Join(dir, fileName)); err != nil {
		return "", fmt.Errorf("failed to upload export file: %w", err)
	}
	return fileName, nil
}

func (o *Operator) finalize(ctx context.Context, id int64, fileName string) error {
	return o.store.WithTransaction(ctx, func(tx storage.Accessor) error {
		export, err := tx.GetExportForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if export == nil {
			o.logger.Warn("Export deleted while processing", slog.Int64("export_id", id))
			return nil
		}
		if export.Status == domain.ExportStatusDone {
			return nil
		}

		export.Status = domain.ExportStatusDone
		export.ExportedFileFilename = fileName
		export.ExpireTime = o.opts.Now().Add(o.opts.TTL).UnixMilli()
		return tx.UpdateExport(ctx, export)
	})
}
