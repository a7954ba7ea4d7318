package httpx

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Zipper-Inc/zipper-functions-sub004/internal/repository"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/service/storage"
	"github.com/Zipper-Inc/zipper-functions-sub004/pkg/capability"
	"github.com/Zipper-Inc/zipper-functions-sub004/pkg/config"
)

// TokenIssuer mints capability tokens and maps deployments to runtime URLs.
type TokenIssuer interface {
	Mint(deploymentID string) (capability.Token, error)
	RouteFor(deploymentID string) *url.URL
}

// Router serves relay traffic for applet subdomains and the signed callback
// API the runtime uses.
type Router struct {
	mux             *http.ServeMux
	logger          *slog.Logger
	deployments     repository.DeploymentLookup
	issuer          TokenIssuer
	storage         storage.Service
	limiter         RateLimiter
	proxy           http.Handler
	relayHandler    http.HandlerFunc
	domainSuffix    string
	blocklist       map[string]struct{}
	exposeErrors    bool
	hmacSecret      []byte
	maxCallbackBody int64
	rateRelay       int
	rateCallback    int
	dbHealth        func(context.Context) error
	now             func() time.Time

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	relayOutcomes      *prometheus.CounterVec
	callbackRejects    *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies. transport may be nil.
func NewRouter(logger *slog.Logger, deployments repository.DeploymentLookup, issuer TokenIssuer, storageSvc storage.Service, limiter RateLimiter, cfg config.RelayConfig, transport http.RoundTripper, dbHealth func(context.Context) error) *Router {
	suffix := strings.ToLower(strings.TrimSpace(cfg.RelayDomainSuffix))
	if suffix != "" && !strings.HasPrefix(suffix, ".") {
		suffix = "." + suffix
	}
	blocklist := make(map[string]struct{}, len(cfg.SubdomainBlocklist))
	for _, label := range cfg.SubdomainBlocklist {
		blocklist[strings.ToLower(strings.TrimSpace(label))] = struct{}{}
	}
	maxBody := cfg.CallbackMaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	r := &Router{
		mux:             http.NewServeMux(),
		logger:          logger,
		deployments:     deployments,
		issuer:          issuer,
		storage:         storageSvc,
		limiter:         limiter,
		domainSuffix:    suffix,
		blocklist:       blocklist,
		exposeErrors:    cfg.ExposeRelayErrors,
		hmacSecret:      []byte(cfg.HMACSigningSecret),
		maxCallbackBody: maxBody,
		rateRelay:       cfg.RateLimitRelay,
		rateCallback:    cfg.RateLimitCallback,
		dbHealth:        dbHealth,
		now:             time.Now,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if transport == nil {
		transport = runtimeTransport(cfg.RelayTimeout)
	}
	r.proxy = r.newProxy(transport)
	r.initMetrics()
	r.register()
	return r
}

// runtimeTransport bounds how long the runtime may take to start answering.
func runtimeTransport(timeout time.Duration) http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if timeout > 0 {
		t.ResponseHeaderTimeout = timeout
	}
	return t
}

// ServeHTTP sends applet subdomains to the relay and everything else to the
// platform routes.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.isRelayHost(req.Host) {
		r.relayHandler(w, req)
		return
	}
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.relayHandler = r.audit("relay", "client", r.withRateLimit("relay", r.rateRelay, rateWindowDefault, rateLimitKeyIP, r.handleRelay))

	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/healthz", r.audit("/healthz", "probe", r.handleHealthz))
	r.mux.HandleFunc("/app/", r.audit("/app/:id", "runtime",
		r.withRateLimit("/app/:id", r.rateCallback, rateWindowDefault, rateLimitKeyApplet,
			r.requireCallbackSignature(r.handleApp))))
	r.mux.HandleFunc("/", r.audit("/", "client", func(w http.ResponseWriter, _ *http.Request) { r.notFound(w) }))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
