package stream

import (
	"net/http"
	"strconv"

	"github.com/zot/livequery/internal/protocol"
)

const (
	// ClientIDHeader names the requesting client.
	ClientIDHeader = "client-id"
	// LastEventIDHeader carries the last frame id a client received.
	LastEventIDHeader = "Last-Event-ID"
)

// ClientID returns the request's client id from the header or, for browser
// EventSource and WebSocket clients that cannot set headers, the query.
func ClientID(r *http.Request) string {
	if id := r.Header.Get(ClientIDHeader); id != "" {
		return id
	}
	return r.URL.Query().Get(ClientIDHeader)
}

// lastEventID returns the resume position, or false when the client sent none.
func lastEventID(r *http.Request) (int64, bool) {
	v := r.Header.Get(LastEventIDHeader)
	if v == "" {
		v = r.URL.Query().Get("last-event-id")
	}
	if v == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// SSEHandler serves GET /api/stream as text/event-stream.
type SSEHandler struct {
	clients *ClientManager
}

// NewSSEHandler creates the SSE endpoint.
func NewSSEHandler(clients *ClientManager) *SSEHandler {
	return &SSEHandler{clients: clients}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	clientID := ClientID(r)
	if clientID == "" {
		http.Error(w, "Missing client-id", http.StatusBadRequest)
		return
	}

	rc := http.NewResponseController(w)
	resumeID, resume := lastEventID(r)
	q, last := h.clients.Connect(clientID, resumeID, resume)
	defer h.clients.Disconnect(clientID)
	opts := h.clients.opts
	opts.Log(1, "SSE connected: client=%s", clientID)
	defer opts.Log(1, "SSE disconnected: client=%s", clientID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logger.Warningf("SSE flush unsupported: %v", err)
		return
	}

	ctx, cancel := h.clients.streamContext(r.Context())
	defer cancel()
	replaying := last < q.LastID()
	for {
		frames := q.Poll(ctx, last, opts.Heartbeat)
		if ctx.Err() != nil {
			return
		}
		if len(frames) == 0 {
			if _, err := w.Write(protocol.HeartbeatFrame().EncodeSSE()); err != nil {
				return
			}
		}
		for _, f := range frames {
			if _, err := w.Write(f.EncodeSSE()); err != nil {
				return
			}
			opts.Log(2, "SSE %s <- %s #%d", clientID, f.Event, f.ID)
			last = f.ID
		}
		if replaying {
			opts.Metrics.FramesReplayed.Add(float64(len(frames)))
			replaying = false
		} else {
			opts.Metrics.FramesSent.Add(float64(len(frames)))
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
