// Package http provides the HTTP server of the run service.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/Carrerajorge/Hola-sub007/internal/service"
	"github.com/Carrerajorge/Hola-sub007/internal/transport/http/api"
)

// NewServer creates and configures the HTTP server exposing runs, their
// event streams and the controller endpoints.
func NewServer(svc *service.Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	h := api.NewHandler(svc)

	// Register Routes
	h.RegisterRoutes(e)

	return e
}
