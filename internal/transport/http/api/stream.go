package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"goa.design/clue/log"

	"github.com/Carrerajorge/Hola-sub007/internal/gateway"
)

// lastSeq reads the resume point from the Last-Event-ID header, falling
// back to the from query parameter.
func lastSeq(c echo.Context) (int64, bool) {
	raw := strings.TrimSpace(c.Request().Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = c.QueryParam("from")
	}
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// StreamEvents handles GET /runs/:runId/events as a server-sent event
// stream.
func (h *Handler) StreamEvents(c echo.Context) error {
	from, ok := lastSeq(c)
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "invalid Last-Event-ID")
	}

	ctx := c.Request().Context()
	if err := h.gateway.ServeSSE(ctx, c.Response(), c.Param("runId"), from); err != nil {
		log.Warn(ctx,
			log.KV{K: "msg", V: "event stream ended with error"},
			log.KV{K: "run_id", V: c.Param("runId")},
			log.KV{K: "err", V: err.Error()},
		)
	}
	return nil
}

// StreamWS handles GET /runs/:runId/ws, the WebSocket variant of the event
// stream.
func (h *Handler) StreamWS(c echo.Context) error {
	from, ok := lastSeq(c)
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "invalid from")
	}

	conn, err := gateway.Upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already answered
		return nil
	}
	ctx := c.Request().Context()
	if err := h.gateway.ServeWS(ctx, conn, c.Param("runId"), from); err != nil {
		log.Warn(ctx,
			log.KV{K: "msg", V: "websocket stream ended with error"},
			log.KV{K: "run_id", V: c.Param("runId")},
			log.KV{K: "err", V: err.Error()},
		)
	}
	return nil
}
