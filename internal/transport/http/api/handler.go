// Package api provides the HTTP handlers of the run service.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Carrerajorge/Hola-sub007/internal/gateway"
	"github.com/Carrerajorge/Hola-sub007/internal/service"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
	gateway *gateway.Gateway
}

// NewHandler creates a new handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{
		service: svc,
		gateway: svc.Gateway(),
	}
}

// RegisterRoutes registers the run routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/runs", h.CreateRun)
	e.GET("/runs", h.ListRuns)
	e.GET("/runs/metrics", h.Metrics)
	e.POST("/runs/cleanup", h.Cleanup)
	e.GET("/runs/:runId", h.GetRun)
	e.GET("/runs/:runId/events", h.StreamEvents)
	e.GET("/runs/:runId/ws", h.StreamWS)
	e.POST("/runs/:runId/cancel", h.CancelRun)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}
