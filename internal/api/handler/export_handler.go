package handler

import (
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/cuongbtq/dataset-export/internal/api/dto"
	"github.com/cuongbtq/dataset-export/internal/blobstore"
	"github.com/cuongbtq/dataset-export/internal/domain"
	"github.com/gin-gonic/gin"
)

const (
	defaultListLimit = 10
	maxListLimit     = 100
)

// CreateExport handles POST /api/v1/exports
func (h *ExportHandler) CreateExport(c *gin.Context) {
	var req dto.CreateExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	exportType, err := domain.ParseExportType(req.Type)
	if err != nil {
		h.writeError(c, err)
		return
	}

	export, err := h.exports.Create(c.Request.Context(), req.RequestedByUserID, exportType, req.FilterOptions)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toExportDTO(export))
}

// ListExports handles GET /api/v1/exports
func (h *ExportHandler) ListExports(c *gin.Context) {
	var req dto.ListExportsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Limit <= 0 {
		req.Limit = defaultListLimit
	}
	if req.Limit > maxListLimit {
		req.Limit = maxListLimit
	}

	total, exports, err := h.exports.List(c.Request.Context(), req.RequestedByUserID, req.Offset, req.Limit)
	if err != nil {
		h.writeError(c, err)
		return
	}

	exportList := make([]dto.ExportDTO, len(exports))
	for i := range exports {
		exportList[i] = toExportDTO(&exports[i])
	}

	c.JSON(http.StatusOK, dto.ListExportsResponse{
		TotalExportCount: total,
		ExportList:       exportList,
	})
}

// GetExport handles GET /api/v1/exports/:export_id
func (h *ExportHandler) GetExport(c *gin.Context) {
	id, ok := h.exportID(c)
	if !ok {
		return
	}

	export, err := h.exports.Get(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, toExportDTO(export))
}

// GetExportFile handles GET /api/v1/exports/:export_id/file
// Streams the exported file of a finished export
func (h *ExportHandler) GetExportFile(c *gin.Context) {
	id, ok := h.exportID(c)
	if !ok {
		return
	}

	r, export, err := h.exports.OpenFile(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer r.Close()

	name := export.ExportedFileFilename
	c.DataFromReader(http.StatusOK, -1, blobstore.ContentType(name), r, map[string]string{
		"Content-Disposition": mime.FormatMediaType("attachment", map[string]string{"filename": name}),
	})
}

// DeleteExport handles DELETE /api/v1/exports/:export_id
func (h *ExportHandler) DeleteExport(c *gin.Context) {
	id, ok := h.exportID(c)
	if !ok {
		return
	}

	if err := h.exports.Delete(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *ExportHandler) exportID(c *gin.Context) (int64, bool) {
	raw := c.Param("export_id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		h.writeError(c, fmt.Errorf("%w: export_id must be a positive integer, got %q", domain.ErrInvalidArgument, raw))
		return 0, false
	}
	return id, true
}
