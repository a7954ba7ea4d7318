package builderhttp

import (
	"net/http"
	"strings"
	"time"

	"github.com/Zipper-Inc/zipper-functions-sub004/internal/ws"
)

const sseRetry = 3 * time.Second

func (r *Router) handleBuildSocket(w http.ResponseWriter, req *http.Request) {
	appletID := strings.TrimSpace(req.URL.Query().Get("app_id"))
	if appletID == "" {
		r.writeError(w, http.StatusBadRequest, "app_id query parameter required")
		return
	}
	if r.hub == nil {
		r.writeError(w, http.StatusInternalServerError, "build stream unavailable")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(appletID, client)
	go func() {
		defer func() {
			r.hub.Unregister(appletID, client)
			client.Close()
		}()
		client.Wait()
	}()
}

// handleBuildEvents streams build progress as Server-Sent Events for clients
// that cannot hold a websocket.
func (r *Router) handleBuildEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	appletID := strings.TrimSpace(req.URL.Query().Get("app_id"))
	if appletID == "" {
		r.writeError(w, http.StatusBadRequest, "app_id query parameter required")
		return
	}
	if r.hub == nil {
		r.writeError(w, http.StatusInternalServerError, "build stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		r.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, flusher, r.logger,
		ws.WithRetry(sseRetry),
		ws.WithLastEventID(req.Header.Get("Last-Event-ID")),
	)
	if err := client.Open(); err != nil {
		return
	}
	r.hub.Register(appletID, client)
	defer r.hub.Unregister(appletID, client)

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			client.Close()
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}
