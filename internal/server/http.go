package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/zot/livequery/internal/engine"
	"github.com/zot/livequery/internal/memsource"
	"github.com/zot/livequery/internal/metrics"
	"github.com/zot/livequery/internal/protocol"
	"github.com/zot/livequery/internal/query"
	"github.com/zot/livequery/internal/storage"
	"github.com/zot/livequery/internal/stream"
)

// maxBodySize bounds API request bodies.
const maxBodySize = 1 << 20

// HTTPEndpoint serves the live-query API.
type HTTPEndpoint struct {
	mux     *http.ServeMux
	engine  *engine.Engine
	source  *memsource.Source
	clients *stream.ClientManager
	metrics *metrics.Metrics
	auth    *authenticator
	log     func(level int, format string, args ...interface{})
}

// NewHTTPEndpoint creates the HTTP endpoint. An empty secret disables
// bearer authentication.
func NewHTTPEndpoint(eng *engine.Engine, source *memsource.Source, clients *stream.ClientManager, m *metrics.Metrics, secret string, log func(level int, format string, args ...interface{})) *HTTPEndpoint {
	if log == nil {
		log = func(int, string, ...interface{}) {}
	}
	h := &HTTPEndpoint{
		mux:     http.NewServeMux(),
		engine:  eng,
		source:  source,
		clients: clients,
		metrics: m,
		auth:    newAuthenticator(secret),
		log:     log,
	}
	h.setupRoutes()
	return h
}

// setupRoutes configures the HTTP routes.
func (h *HTTPEndpoint) setupRoutes() {
	h.mux.Handle("GET /api/stream", h.authenticated(stream.NewSSEHandler(h.clients)))
	h.mux.Handle("GET /api/ws", h.authenticated(stream.NewWebSocketHandler(h.clients)))

	h.mux.Handle("POST /api/subscribe", h.authenticated(http.HandlerFunc(h.handleSubscribe)))
	h.mux.Handle("POST /api/unsubscribe", h.authenticated(http.HandlerFunc(h.handleUnsubscribe)))
	h.mux.Handle("POST /api/resync", h.authenticated(http.HandlerFunc(h.handleResync)))
	h.mux.Handle("POST /api/keep-alive", h.authenticated(http.HandlerFunc(h.handleKeepAlive)))

	h.mux.Handle("PUT /api/items/{entity}", h.authenticated(http.HandlerFunc(h.handlePutItem)))
	h.mux.Handle("DELETE /api/items/{entity}/{id}", h.authenticated(http.HandlerFunc(h.handleDeleteItem)))

	h.mux.Handle("GET /metrics", h.metrics.Handler())
}

// ServeHTTP implements http.Handler.
func (h *HTTPEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// handleSubscribe registers a subscription and returns its initial items.
func (h *HTTPEndpoint) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req protocol.SubscribeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Query.Version == 0 {
		req.Query.Version = query.Version
	}
	items, err := h.engine.Subscribe(r.Context(), stream.ClientID(r), req.ID, req.Query)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, protocol.SubscribeResponse{ID: req.ID, Data: items})
}

// handleUnsubscribe removes a subscription. Unknown ids succeed.
func (h *HTTPEndpoint) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req protocol.IDRequest
	if !h.decodeOwned(w, r, &req) {
		return
	}
	if err := h.engine.Unsubscribe(r.Context(), req.ID); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleResync republishes a subscription's full result on its channel.
func (h *HTTPEndpoint) handleResync(w http.ResponseWriter, r *http.Request) {
	var req protocol.IDRequest
	if !h.decodeOwned(w, r, &req) {
		return
	}
	if err := h.engine.Resync(r.Context(), req.ID); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleKeepAlive refreshes the caller's subscriptions and returns the ids
// the registry no longer knows. Ids of other clients are reported unknown
// without being touched.
func (h *HTTPEndpoint) handleKeepAlive(w http.ResponseWriter, r *http.Request) {
	var ids []string
	if !h.decode(w, r, &ids) {
		return
	}
	clientID := stream.ClientID(r)
	owned := make([]string, 0, len(ids))
	unknown := []string{}
	for _, id := range ids {
		if engine.Owns(clientID, id) {
			owned = append(owned, id)
		} else {
			unknown = append(unknown, id)
		}
	}
	gone, err := h.engine.KeepAlive(r.Context(), owned)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, append(unknown, gone...))
}

// handlePutItem writes an item through the entity source. The optional
// old-id query parameter renames the item's key.
func (h *HTTPEndpoint) handlePutItem(w http.ResponseWriter, r *http.Request) {
	var item query.Item
	if !h.decode(w, r, &item) {
		return
	}
	entity := r.PathValue("entity")
	var (
		key query.Key
		err error
	)
	if oldID := r.URL.Query().Get("old-id"); oldID != "" {
		key, err = h.source.Rekey(r.Context(), entity, oldID, item)
	} else {
		key, err = h.source.Put(r.Context(), entity, item)
	}
	if err != nil {
		h.writeSourceError(w, err)
		return
	}
	h.log(2, "Put %s %s", entity, key)
	h.writeJSON(w, http.StatusOK, map[string]query.Key{"id": key})
}

// handleDeleteItem deletes an item through the entity source.
func (h *HTTPEndpoint) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	entity, id := r.PathValue("entity"), r.PathValue("id")
	if err := h.source.Delete(r.Context(), entity, id); err != nil {
		h.writeSourceError(w, err)
		return
	}
	h.log(2, "Deleted %s %s", entity, id)
	w.WriteHeader(http.StatusNoContent)
}

// decode reads a JSON body into v, answering 400 on failure.
func (h *HTTPEndpoint) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "bad-request", "Invalid JSON: "+err.Error())
		return false
	}
	return true
}

// decodeOwned decodes an IDRequest and checks the caller owns its id.
func (h *HTTPEndpoint) decodeOwned(w http.ResponseWriter, r *http.Request, req *protocol.IDRequest) bool {
	if !h.decode(w, r, req) {
		return false
	}
	if !engine.Owns(stream.ClientID(r), req.ID) {
		h.writeError(w, http.StatusForbidden, "forbidden", engine.ErrForbidden.Error())
		return false
	}
	return true
}

// writeEngineError maps engine and registry errors to status codes.
func (h *HTTPEndpoint) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrForbidden):
		h.writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, engine.ErrInvalidQuery):
		h.writeError(w, http.StatusBadRequest, "invalid-query", err.Error())
	case errors.Is(err, engine.ErrUnknownEntity):
		h.writeError(w, http.StatusBadRequest, "unknown-entity", err.Error())
	case errors.Is(err, storage.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not-found", err.Error())
	default:
		logger.Errorf("API error: %v", err)
		h.writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// writeSourceError maps entity source errors to status codes.
func (h *HTTPEndpoint) writeSourceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrUnknownEntity):
		h.writeError(w, http.StatusNotFound, "unknown-entity", err.Error())
	case errors.Is(err, memsource.ErrNoItem):
		h.writeError(w, http.StatusNotFound, "not-found", err.Error())
	default:
		h.writeError(w, http.StatusBadRequest, "bad-item", err.Error())
	}
}

// writeJSON writes v with status.
func (h *HTTPEndpoint) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log(1, "Writing response: %v", err)
	}
}

// writeError writes an error response.
func (h *HTTPEndpoint) writeError(w http.ResponseWriter, status int, code, description string) {
	h.writeJSON(w, status, protocol.ErrorResponse{Code: code, Description: description})
}
