package builderhttp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Zipper-Inc/zipper-functions-sub004/internal/bundler"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/repository"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/service/build"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/ws"
)

// BuildService is the part of the build service the router needs.
type BuildService interface {
	Build(ctx context.Context, appletID string) (build.Result, error)
	Bundle(ctx context.Context, appletID, version string) (*bundler.Bundle, error)
}

// Router exposes HTTP endpoints for the builder service.
type Router struct {
	mux                *http.ServeMux
	logger             *slog.Logger
	builds             BuildService
	hub                *ws.Hub
	upgrader           websocket.Upgrader
	builderToken       string
	dbHealth           func(context.Context) error
	heartbeat          time.Duration
	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	buildResults       *prometheus.CounterVec
	buildDuration      *prometheus.HistogramVec
}

const (
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
)

// New creates and registers handlers. dbHealth may be nil.
func New(logger *slog.Logger, builds BuildService, hub *ws.Hub, builderToken string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		builds: builds,
		hub:    hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		builderToken: strings.TrimSpace(builderToken),
		dbHealth:     dbHealth,
		heartbeat:    sseHeartbeat,
	}
	r.initMetrics()
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) routes() {
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealth))
	r.mux.HandleFunc("/build/", r.instrument("/build/:id", r.requireBuilderToken(r.handleBuild)))
	r.mux.HandleFunc("/bundles/", r.instrument("/bundles/:id/:version", r.requireBuilderToken(r.handleBundle)))
	r.mux.HandleFunc("/ws/builds", r.requireBuilderToken(r.handleBuildSocket))
	r.mux.HandleFunc("/events/builds", r.requireBuilderToken(r.handleBuildEvents))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	component := map[string]any{"status": "up"}
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			component = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		}
	}
	payload := map[string]any{
		"status": status,
		"components": map[string]any{
			"database": component,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	r.writeJSON(w, code, payload)
}

func (r *Router) handleBuild(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	appletID := strings.Trim(strings.TrimPrefix(req.URL.Path, "/build/"), "/")
	if appletID == "" || strings.Contains(appletID, "/") {
		r.writeError(w, http.StatusBadRequest, "applet id required")
		return
	}
	started := time.Now()
	result, err := r.builds.Build(req.Context(), appletID)
	if err != nil {
		r.recordBuild("failure", started)
		r.writeError(w, statusForError(err), err.Error())
		return
	}
	if result.Cached {
		r.recordBuild("cached", started)
		r.writeJSON(w, http.StatusOK, result)
		return
	}
	r.recordBuild("success", started)
	r.writeJSON(w, http.StatusCreated, result)
}

func (r *Router) handleBundle(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/bundles/"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		r.writeError(w, http.StatusBadRequest, "applet id and version required")
		return
	}
	bundle, err := r.builds.Bundle(req.Context(), parts[0], parts[1])
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			r.logger.Error("load bundle failed", "applet_id", parts[0], "version", parts[1], "error", err)
		}
		r.writeError(w, statusForError(err), err.Error())
		return
	}
	r.writeJSON(w, http.StatusOK, bundle)
}

func (r *Router) requireBuilderToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		expected := r.builderToken
		if expected == "" {
			r.logger.Error("builder token not configured", "path", req.URL.Path)
			r.writeError(w, http.StatusInternalServerError, "builder authentication misconfigured")
			return
		}
		token := strings.TrimSpace(req.Header.Get("X-Builder-Token"))
		if token == "" {
			// Browsers cannot set headers on websocket or EventSource requests.
			token = strings.TrimSpace(req.URL.Query().Get("builder_token"))
		}
		if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			r.logger.Warn("builder token mismatch", "path", req.URL.Path)
			r.writeError(w, http.StatusUnauthorized, "invalid builder token")
			return
		}
		next(w, req)
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrVersionCollision):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("failed to encode response", "error", err)
	}
}

func (r *Router) writeError(w http.ResponseWriter, status int, msg string) {
	r.writeJSON(w, status, map[string]string{"error": msg})
}
