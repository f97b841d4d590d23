// Package management implements the user facing export operations.
package management

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cuongbtq/dataset-export/internal/domain"
	"github.com/cuongbtq/dataset-export/internal/storage"
)

// FileOpener streams a stored export file
type FileOpener interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// Flusher publishes pending outbox events
type Flusher interface {
	Flush(ctx context.Context) (int, error)
}

// Service creates, lists, serves and deletes exports
type Service struct {
	store  storage.Store
	files  FileOpener
	relay  Flusher
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a new Service
func NewService(store storage.Store, files FileOpener, relay Flusher, now func() time.Time, logger *slog.Logger) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:  store,
		files:  files,
		relay:  relay,
		now:    now,
		logger: logger,
	}
}

// Create records a new export request and queues its "export created" event
// in the same transaction. The event is published right away when the broker
// is reachable and by the periodic relay otherwise.
func (s *Service) Create(ctx context.Context, requestedByUserID int64, exportType domain.ExportType, filterOptions []byte) (*domain.Export, error) {
	if exportType != domain.ExportTypeDataset && exportType != domain.ExportTypeExcel {
		return nil, fmt.Errorf("%w: unknown export type %d", domain.ErrInvalidArgument, int16(exportType))
	}
	if len(filterOptions) > 0 && !json.Valid(filterOptions) {
		return nil, fmt.Errorf("%w: filter options must be valid JSON", domain.ErrInvalidArgument)
	}
	if filterOptions == nil {
		filterOptions = []byte{}
	}

	args := domain.CreateExportArgs{
		RequestedByUserID: requestedByUserID,
		RequestTime:       s.now().UnixMilli(),
		Type:              exportType,
		ExpireTime:        0,
		FilterOptions:     filterOptions,
		Status:            domain.ExportStatusRequested,
	}

	var id int64
	err := s.store.WithTransaction(ctx, func(tx storage.Accessor) error {
		var err error
		if id, err = tx.CreateExport(ctx, args); err != nil {
			return err
		}
		return tx.EnqueueExportCreated(ctx, id)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Export created",
		slog.Int64("export_id", id),
		slog.Int64("requested_by_user_id", requestedByUserID),
		slog.String("type", exportType.String()),
	)

	if _, err := s.relay.Flush(ctx); err != nil {
		s.logger.Warn("Export created event left in outbox",
			slog.Int64("export_id", id),
			slog.Any("error", err),
		)
	}

	return &domain.Export{
		ID:                id,
		RequestedByUserID: args.RequestedByUserID,
		RequestTime:       args.RequestTime,
		Type:              args.Type,
		ExpireTime:        args.ExpireTime,
		FilterOptions:     args.FilterOptions,
		Status:            args.Status,
	}, nil
}

// List returns the number of unexpired exports of a user and one page of them
func (s *Service) List(ctx context.Context, requestedByUserID int64, offset, limit int) (int64, []domain.Export, error) {
	if offset < 0 || limit <= 0 {
		return 0, nil, fmt.Errorf("%w: offset must be >= 0 and limit > 0", domain.ErrInvalidArgument)
	}

	now := s.now().UnixMilli()

	total, err := s.store.CountExports(ctx, requestedByUserID, now)
	if err != nil {
		return 0, nil, err
	}
	exports, err := s.store.ListExports(ctx, requestedByUserID, now, offset, limit)
	if err != nil {
		return 0, nil, err
	}
	return total, exports, nil
}

// Get returns an export by id
func (s *Service) Get(ctx context.Context, id int64) (*domain.Export, error) {
	export, err := s.store.GetExport(ctx, id)
	if err != nil {
		return nil, err
	}
	if export == nil {
		return nil, fmt.Errorf("%w: no export with export_id %d found", domain.ErrNotFound, id)
	}
	return export, nil
}

// OpenFile streams the file of a finished export. The caller must close the reader.
func (s *Service) OpenFile(ctx context.Context, id int64) (io.ReadCloser, *domain.Export, error) {
	export, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if export.Status != domain.ExportStatusDone {
		return nil, nil, fmt.Errorf("%w: export %d is %s", domain.ErrFailedPrecondition, id, export.Status)
	}

	r, err := s.files.Open(ctx, export.ExportedFileFilename)
	if err != nil {
		s.logger.Error("Failed to open export file",
			slog.Int64("export_id", id),
			slog.String("file", export.ExportedFileFilename),
			slog.Any("error", err),
		)
		return nil, nil, err
	}
	return r, export, nil
}

// Delete removes an export record
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.store.DeleteExport(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Export deleted", slog.Int64("export_id", id))
	return nil
}

// DeleteExpired removes every export whose expire time has passed
func (s *Service) DeleteExpired(ctx context.Context) (int64, error) {
	removed, err := s.store.DeleteExpiredExports(ctx, s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	s.logger.Info("Deleted expired exports", slog.Int64("count", removed))
	return removed, nil
}
