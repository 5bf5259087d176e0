package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zot/livequery/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

const writeWait = 10 * time.Second

// WebSocketHandler serves GET /api/ws. It carries the same frames as the
// SSE endpoint, each as a JSON text message {id, event, data}.
type WebSocketHandler struct {
	clients *ClientManager
}

// NewWebSocketHandler creates the WebSocket endpoint.
func NewWebSocketHandler(clients *ClientManager) *WebSocketHandler {
	return &WebSocketHandler{clients: clients}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := ClientID(r)
	if clientID == "" {
		http.Error(w, "Missing client-id", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.clients.opts.Log(0, "WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	resumeID, resume := lastEventID(r)
	q, last := h.clients.Connect(clientID, resumeID, resume)
	defer h.clients.Disconnect(clientID)
	opts := h.clients.opts
	opts.Log(1, "WebSocket connected: client=%s", clientID)

	ctx, cancel := h.clients.streamContext(r.Context())
	defer cancel()
	go h.readPump(conn, cancel)

	for {
		frames := q.Poll(ctx, last, opts.Heartbeat)
		if ctx.Err() != nil {
			break
		}
		if len(frames) == 0 {
			frames = []protocol.Frame{protocol.HeartbeatFrame()}
		}
		for _, f := range frames {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				opts.Log(1, "WebSocket write failed: client=%s: %v", clientID, err)
				return
			}
			if !f.IsHeartbeat() {
				last = f.ID
				opts.Metrics.FramesSent.Inc()
			}
		}
	}
	opts.Log(1, "WebSocket disconnected: client=%s", clientID)
}

// readPump discards client messages and cancels the stream when the
// connection closes.
func (h *WebSocketHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.clients.opts.Log(0, "WebSocket error: %v", err)
			}
			return
		}
	}
}
