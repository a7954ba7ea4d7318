package builderhttp

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
	buildBuckets   = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}
)

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		r.requestTotal = register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zipper",
			Subsystem: "builder",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}))

		r.requestDuration = register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "zipper",
			Subsystem: "builder",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   requestBuckets,
		}, []string{"method", "route", "status"}))

		r.buildResults = register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zipper",
			Subsystem: "builder",
			Name:      "build_results_total",
			Help:      "Builds by outcome (success, cached, failure)",
		}, []string{"outcome"}))

		r.buildDuration = register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "zipper",
			Subsystem: "builder",
			Name:      "build_duration_seconds",
			Help:      "Wall time of build requests by outcome",
			Buckets:   buildBuckets,
		}, []string{"outcome"}))

		r.metricsInitialized = true
	})
}

// register adds c to the default registry, returning the collector already
// registered under the same descriptor when there is one.
func register[T prometheus.Collector](c T) T {
	if err := prometheus.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (r *Router) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !r.metricsInitialized {
			next(w, req)
			return
		}
		recorder := &responseRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)
		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		labels := prometheus.Labels{
			"method": req.Method,
			"route":  route,
			"status": strconv.Itoa(status),
		}
		r.requestTotal.With(labels).Inc()
		r.requestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}

func (r *Router) recordBuild(outcome string, started time.Time) {
	if !r.metricsInitialized {
		return
	}
	labels := prometheus.Labels{"outcome": outcome}
	r.buildResults.With(labels).Inc()
	r.buildDuration.With(labels).Observe(time.Since(started).Seconds())
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	return rr.ResponseWriter.Write(b)
}
