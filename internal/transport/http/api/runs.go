package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"goa.design/clue/log"

	"github.com/Carrerajorge/Hola-sub007/internal/domain"
	"github.com/Carrerajorge/Hola-sub007/internal/service"
)

const defaultListLimit = 50

// CreateRun handles POST /runs.
func (h *Handler) CreateRun(c echo.Context) error {
	var req domain.CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	resp, err := h.service.CreateRun(c.Request().Context(), req)
	if err != nil {
		var capErr *service.CapacityError
		switch {
		case errors.Is(err, service.ErrPromptRequired):
			return errorJSON(c, http.StatusBadRequest, err.Error())
		case errors.As(err, &capErr):
			retryAfter := int(math.Ceil(capErr.RetryAfter.Seconds()))
			c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
			return c.JSON(http.StatusTooManyRequests, domain.TooManyRunsResponse{
				Error:         "too many concurrent runs",
				MaxConcurrent: capErr.Max,
				Current:       capErr.Current,
				RetryAfterMs:  capErr.RetryAfter.Milliseconds(),
			})
		}
		log.Error(c.Request().Context(), err, log.KV{K: "msg", V: "failed to create run"})
		return errorJSON(c, http.StatusInternalServerError, "failed to create run")
	}

	return c.JSON(http.StatusCreated, resp)
}

// ListRuns handles GET /runs.
func (h *Handler) ListRuns(c echo.Context) error {
	limit := defaultListLimit
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return errorJSON(c, http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}

	runs, err := h.service.ListRuns(c.Request().Context(), limit)
	if err != nil {
		log.Error(c.Request().Context(), err, log.KV{K: "msg", V: "failed to list runs"})
		return errorJSON(c, http.StatusInternalServerError, "failed to list runs")
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}

// GetRun handles GET /runs/:runId.
func (h *Handler) GetRun(c echo.Context) error {
	view, err := h.service.GetRun(c.Request().Context(), c.Param("runId"))
	if err != nil {
		if errors.Is(err, service.ErrRunNotFound) {
			return errorJSON(c, http.StatusNotFound, "run not found")
		}
		log.Error(c.Request().Context(), err, log.KV{K: "msg", V: "failed to get run"})
		return errorJSON(c, http.StatusInternalServerError, "failed to get run")
	}
	return c.JSON(http.StatusOK, view)
}

// CancelRun handles POST /runs/:runId/cancel.
func (h *Handler) CancelRun(c echo.Context) error {
	resp, err := h.service.CancelRun(c.Request().Context(), c.Param("runId"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrRunNotFound):
			return errorJSON(c, http.StatusNotFound, "run not found")
		case errors.Is(err, service.ErrRunTerminal):
			return errorJSON(c, http.StatusBadRequest, err.Error())
		}
		log.Error(c.Request().Context(), err, log.KV{K: "msg", V: "failed to cancel run"})
		return errorJSON(c, http.StatusInternalServerError, "failed to cancel run")
	}
	return c.JSON(http.StatusOK, resp)
}

// Cleanup handles POST /runs/cleanup. It removes every finished run from
// memory.
func (h *Handler) Cleanup(c echo.Context) error {
	report := h.service.CollectGarbage(c.Request().Context(), true)
	return c.JSON(http.StatusOK, report)
}

// Metrics handles GET /runs/metrics.
func (h *Handler) Metrics(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.Metrics())
}
