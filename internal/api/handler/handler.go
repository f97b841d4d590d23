package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/dataset-export/internal/api/dto"
	"github.com/cuongbtq/dataset-export/internal/domain"
	"github.com/gin-gonic/gin"
)

// ExportService is the export management API used by the handlers
type ExportService interface {
	Create(ctx context.Context, requestedByUserID int64, exportType domain.ExportType, filterOptions []byte) (*domain.Export, error)
	List(ctx context.Context, requestedByUserID int64, offset, limit int) (int64, []domain.Export, error)
	Get(ctx context.Context, id int64) (*domain.Export, error)
	OpenFile(ctx context.Context, id int64) (io.ReadCloser, *domain.Export, error)
	Delete(ctx context.Context, id int64) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Exports     ExportService
	ServiceName string
	// HealthCheck reports backing store reachability; nil skips the check
	HealthCheck func(ctx context.Context) error
}

// ExportHandler handles export-related HTTP requests
type ExportHandler struct {
	logger  *slog.Logger
	exports ExportService
}

// NewExportHandler creates a new ExportHandler instance
func NewExportHandler(deps *Dependencies) *ExportHandler {
	return &ExportHandler{
		logger:  deps.Logger,
		exports: deps.Exports,
	}
}

// writeError maps domain error kinds to HTTP status codes. Internal causes
// are logged and not exposed.
func (h *ExportHandler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		status, message = http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrFailedPrecondition):
		status, message = http.StatusPreconditionFailed, err.Error()
	default:
		h.logger.Error("Request failed",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Any("error", err),
		)
	}

	c.JSON(status, gin.H{"error": message})
}

func toExportDTO(export *domain.Export) dto.ExportDTO {
	var filterOptions json.RawMessage
	if len(export.FilterOptions) > 0 && json.Valid(export.FilterOptions) {
		filterOptions = export.FilterOptions
	}

	return dto.ExportDTO{
		ExportID:             export.ID,
		RequestedByUserID:    export.RequestedByUserID,
		RequestTime:          export.RequestTime,
		Type:                 export.Type.String(),
		ExpireTime:           export.ExpireTime,
		FilterOptions:        filterOptions,
		Status:               export.Status.String(),
		ExportedFileFilename: export.ExportedFileFilename,
	}
}
