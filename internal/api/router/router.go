package router

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/dataset-export/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		if deps.HealthCheck != nil {
			if err := deps.HealthCheck(c.Request.Context()); err != nil {
				deps.Logger.Warn("Health check failed", slog.Any("error", err))
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": deps.ServiceName,
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": deps.ServiceName,
		})
	})

	exportHandler := handler.NewExportHandler(deps)

	v1 := r.Group("/api/v1")
	{
		exports := v1.Group("/exports")
		{
			exports.POST("", exportHandler.CreateExport)
			exports.GET("", exportHandler.ListExports)
			exports.GET("/:export_id", exportHandler.GetExport)
			exports.GET("/:export_id/file", exportHandler.GetExportFile)
			exports.DELETE("/:export_id", exportHandler.DeleteExport)
		}
	}

	return r
}
