package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"goa.design/clue/log"

	"github.com/Carrerajorge/Hola-sub007/internal/domain"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 4096
)

// Upgrader upgrades stream requests to WebSocket connections.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSWriter writes frames as JSON text messages.
type WSWriter struct {
	conn *websocket.Conn
}

// WriteFrame writes f as one text message.
func (w *WSWriter) WriteFrame(f domain.Frame) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return w.conn.WriteJSON(f)
}

// ServeWS streams runID over conn. Messages sent by the client are
// discarded; the read pump only notices when the client goes away.
func (g *Gateway) ServeWS(ctx context.Context, conn *websocket.Conn, runID string, lastSeq int64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		conn.Close()
	}()

	conn.SetReadLimit(wsReadLimit)
	go g.readPump(conn, cancel)

	err := g.Connect(ctx, &WSWriter{conn: conn}, runID, lastSeq)
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return err
}

func (g *Gateway) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn(g.logCtx, log.KV{K: "msg", V: "websocket read failed"}, log.KV{K: "err", V: err.Error()})
			}
			return
		}
	}
}
