package handlers

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/dvloznov/statement-ingest/internal/api/middleware"
)

// Register installs the error handler, middleware and routes on e.
func Register(e *echo.Echo, h *Handler, log zerolog.Logger, adminToken string) {
	e.HTTPErrorHandler = ErrorHandler

	e.Use(middleware.RequestID(log))
	e.Use(middleware.Logger())
	e.Use(middleware.Recovery())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{
			echo.HeaderContentType,
			echo.HeaderXRequestID,
			middleware.HeaderUserID,
			middleware.HeaderAdminToken,
			middleware.HeaderAdminSubject,
		},
	}))

	e.GET("/health", h.Health)

	api := e.Group("/api", middleware.RequireUser())

	api.POST("/uploads", h.CreateUpload)
	api.GET("/uploads/:id", h.GetUpload)
	api.GET("/uploads/:id/preview", h.GetPreview)
	api.POST("/uploads/:id/process", h.TriggerProcessing)
	api.POST("/uploads/:id/confirm", h.ConfirmUpload)
	api.POST("/uploads/:id/quality-check", h.RunQualityCheck)
	api.POST("/uploads/:id/fix", h.TriggerFix)
	api.POST("/uploads/:id/revert", h.Revert)

	api.POST("/quality-checks/:id/resolve", h.ResolveQualityCheck)

	api.GET("/jobs", h.ListJobs)
	api.GET("/jobs/:id", h.GetJob)

	api.GET("/settings", h.GetSettings)
	api.PUT("/settings", h.UpdateSettings)

	admin := e.Group("/api/admin", middleware.RequireAdmin(adminToken))
	admin.POST("/extraction-failures/:id/resolve", h.ResolveFailure)
}
