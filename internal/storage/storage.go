package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/dataset-export/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const (
	exportTable = "export_service_export_tab"
	outboxTable = "export_service_outbox_tab"

	exportColumns = `export_id, requested_by_user_id, request_time, type,
			expire_time, filter_options, status, exported_file_filename`
)

// OutboxEvent is a pending "export created" notification
type OutboxEvent struct {
	ID       int64 `db:"outbox_id"`
	ExportID int64 `db:"export_id"`
}

// Accessor provides CRUD access to export records.
// GetExport and GetExportForUpdate return nil, nil when the export does not exist.
type Accessor interface {
	CreateExport(ctx context.Context, args domain.CreateExportArgs) (int64, error)
	GetExport(ctx context.Context, id int64) (*domain.Export, error)
	GetExportForUpdate(ctx context.Context, id int64) (*domain.Export, error)
	UpdateExport(ctx context.Context, export *domain.Export) error
	DeleteExport(ctx context.Context, id int64) error
	CountExports(ctx context.Context, requestedByUserID, now int64) (int64, error)
	ListExports(ctx context.Context, requestedByUserID, now int64, offset, limit int) ([]domain.Export, error)
	DeleteExpiredExports(ctx context.Context, now int64) (int64, error)

	EnqueueExportCreated(ctx context.Context, exportID int64) error
	ClaimPendingEvents(ctx context.Context, limit int) ([]OutboxEvent, error)
	DeletePendingEvents(ctx context.Context, ids []int64) error
}

// Store is an Accessor that can run a function inside a transaction
type Store interface {
	Accessor
	// WithTransaction commits when fn returns nil and rolls back otherwise
	WithTransaction(ctx context.Context, fn func(tx Accessor) error) error
}

// Storage handles all database operations on export records
type Storage struct {
	db     *sqlx.DB
	ext    sqlx.ExtContext
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		ext:    db,
		logger: logger,
	}
}

// WithTransaction runs fn with an accessor bound to a single database transaction
func (s *Storage) WithTransaction(ctx context.Context, fn func(tx Accessor) error) error {
	if _, inTx := s.ext.(*sqlx.Tx); inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.Error("Failed to begin transaction", slog.Any("error", err))
		return domain.Internal(fmt.Errorf("failed to begin transaction: %w", err))
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	txStorage := &Storage{db: s.db, ext: tx, logger: s.logger}
	if err := fn(txStorage); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to rollback transaction",
				slog.Any("error", rbErr),
			)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("Failed to commit transaction", slog.Any("error", err))
		return domain.Internal(fmt.Errorf("failed to commit transaction: %w", err))
	}

	return nil
}

// CreateExport inserts a new export and returns its id
func (s *Storage) CreateExport(ctx context.Context, args domain.CreateExportArgs) (int64, error) {
	query := `
		INSERT INTO ` + exportTable + ` (
			requested_by_user_id, request_time, type, expire_time,
			filter_options, status, exported_file_filename
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7
		)
		RETURNING export_id
	`

	filterOptions := args.FilterOptions
	if filterOptions == nil {
		filterOptions = []byte{}
	}

	var id int64
	err := s.ext.QueryRowxContext(
		ctx,
		query,
		args.RequestedByUserID,
		args.RequestTime,
		args.Type,
		args.ExpireTime,
		filterOptions,
		args.Status,
		args.ExportedFileFilename,
	).Scan(&id)
	if err != nil {
		s.logger.Error("Failed to create export", slog.Any("error", err))
		return 0, domain.Internal(fmt.Errorf("failed to create export: %w", err))
	}

	return id, nil
}

// GetExport retrieves an export by its id
func (s *Storage) GetExport(ctx context.Context, id int64) (*domain.Export, error) {
	query := `SELECT ` + exportColumns + ` FROM ` + exportTable + ` WHERE export_id = $1`
	return s.getExport(ctx, query, id)
}

// GetExportForUpdate retrieves an export and holds an exclusive row lock on it
// until the enclosing transaction ends
func (s *Storage) GetExportForUpdate(ctx context.Context, id int64) (*domain.Export, error) {
	query := `SELECT ` + exportColumns + ` FROM ` + exportTable + ` WHERE export_id = $1 FOR UPDATE`
	return s.getExport(ctx, query, id)
}

func (s *Storage) getExport(ctx context.Context, query string, id int64) (*domain.Export, error) {
	var export domain.Export
	err := sqlx.GetContext(ctx, s.ext, &export, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Debug("No export with export_id found", slog.Int64("export_id", id))
			return nil, nil
		}
		s.logger.Error("Failed to get export",
			slog.Int64("export_id", id),
			slog.Any("error", err),
		)
		return nil, domain.Internal(fmt.Errorf("failed to get export: %w", err))
	}

	return &export, nil
}

// UpdateExport overwrites the stored export with the given values
func (s *Storage) UpdateExport(ctx context.Context, export *domain.Export) error {
	query := `
		UPDATE ` + exportTable + `
		SET requested_by_user_id = $1,
			request_time = $2,
			type = $3,
			expire_time = $4,
			filter_options = $5,
			status = $6,
			exported_file_filename = $7
		WHERE export_id = $8
	`

	_, err := s.ext.ExecContext(
		ctx,
		query,
		export.RequestedByUserID,
		export.RequestTime,
		export.Type,
		export.ExpireTime,
		export.FilterOptions,
		export.Status,
		export.ExportedFileFilename,
		export.ID,
	)
	if err != nil {
		s.logger.Error("Failed to update export",
			slog.Int64("export_id", export.ID),
			slog.Any("error", err),
		)
		return domain.Internal(fmt.Errorf("failed to update export: %w", err))
	}

	return nil
}

// DeleteExport removes an export, returning domain.ErrNotFound if no row matched
func (s *Storage) DeleteExport(ctx context.Context, id int64) error {
	query := `DELETE FROM ` + exportTable + ` WHERE export_id = $1`

	result, err := s.ext.ExecContext(ctx, query, id)
	if err != nil {
		s.logger.Error("Failed to delete export",
			slog.Int64("export_id", id),
			slog.Any("error", err),
		)
		return domain.Internal(fmt.Errorf("failed to delete export: %w", err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return domain.Internal(fmt.Errorf("failed to get rows affected: %w", err))
	}

	if rowsAffected == 0 {
		s.logger.Debug("No export with export_id found", slog.Int64("export_id", id))
		return fmt.Errorf("%w: no export with export_id %d found", domain.ErrNotFound, id)
	}

	return nil
}

// CountExports counts the unexpired exports of a user
func (s *Storage) CountExports(ctx context.Context, requestedByUserID, now int64) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM ` + exportTable + `
		WHERE requested_by_user_id = $1
		  AND (expire_time = 0 OR expire_time >= $2)
	`

	var count int64
	if err := sqlx.GetContext(ctx, s.ext, &count, query, requestedByUserID, now); err != nil {
		s.logger.Error("Failed to get export count", slog.Any("error", err))
		return 0, domain.Internal(fmt.Errorf("failed to get export count: %w", err))
	}

	return count, nil
}

// ListExports returns a page of unexpired exports of a user, newest request first
func (s *Storage) ListExports(ctx context.Context, requestedByUserID, now int64, offset, limit int) ([]domain.Export, error) {
	query := `
		SELECT ` + exportColumns + `
		FROM ` + exportTable + `
		WHERE requested_by_user_id = $1
		  AND (expire_time = 0 OR expire_time >= $2)
		ORDER BY request_time DESC, export_id DESC
		OFFSET $3
		LIMIT $4
	`

	exports := []domain.Export{}
	if err := sqlx.SelectContext(ctx, s.ext, &exports, query, requestedByUserID, now, offset, limit); err != nil {
		s.logger.Error("Failed to get export list", slog.Any("error", err))
		return nil, domain.Internal(fmt.Errorf("failed to get export list: %w", err))
	}

	return exports, nil
}

// DeleteExpiredExports removes exports that expired before now.
// Exports with expire_time = 0 never expire.
func (s *Storage) DeleteExpiredExports(ctx context.Context, now int64) (int64, error) {
	query := `DELETE FROM ` + exportTable + ` WHERE expire_time <> 0 AND expire_time < $1`

	result, err := s.ext.ExecContext(ctx, query, now)
	if err != nil {
		s.logger.Error("Failed to delete expired exports",
			slog.Int64("request_time", now),
			slog.Any("error", err),
		)
		return 0, domain.Internal(fmt.Errorf("failed to delete expired exports: %w", err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, domain.Internal(fmt.Errorf("failed to get rows affected: %w", err))
	}

	return rowsAffected, nil
}

// EnqueueExportCreated records a pending notification for exportID
func (s *Storage) EnqueueExportCreated(ctx context.Context, exportID int64) error {
	query := `INSERT INTO ` + outboxTable + ` (export_id) VALUES ($1)`

	if _, err := s.ext.ExecContext(ctx, query, exportID); err != nil {
		s.logger.Error("Failed to enqueue export created event",
			slog.Int64("export_id", exportID),
			slog.Any("error", err),
		)
		return domain.Internal(fmt.Errorf("failed to enqueue export created event: %w", err))
	}

	return nil
}

// ClaimPendingEvents locks up to limit pending notifications, skipping rows
// already locked by another relay
func (s *Storage) ClaimPendingEvents(ctx context.Context, limit int) ([]OutboxEvent, error) {
	query := `
		SELECT outbox_id, export_id
		FROM ` + outboxTable + `
		ORDER BY outbox_id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`

	events := []OutboxEvent{}
	if err := sqlx.SelectContext(ctx, s.ext, &events, query, limit); err != nil {
		s.logger.Error("Failed to claim pending events", slog.Any("error", err))
		return nil, domain.Internal(fmt.Errorf("failed to claim pending events: %w", err))
	}

	return events, nil
}

// DeletePendingEvents removes delivered notifications
func (s *Storage) DeletePendingEvents(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query := `DELETE FROM ` + outboxTable + ` WHERE outbox_id = ANY($1)`

	if _, err := s.ext.ExecContext(ctx, query, pq.Array(ids)); err != nil {
		s.logger.Error("Failed to delete pending events", slog.Any("error", err))
		return domain.Internal(fmt.Errorf("failed to delete pending events: %w", err))
	}

	return nil
}
