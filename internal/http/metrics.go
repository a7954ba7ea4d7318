package httpx

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		r.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zipper",
			Subsystem: "relay",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"})

		r.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "zipper",
			Subsystem: "relay",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"})

		r.rateLimitHits = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zipper",
			Subsystem: "relay",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route", "key"})

		r.relayOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zipper",
			Subsystem: "relay",
			Name:      "forward_outcomes_total",
			Help:      "Outcomes of requests relayed to the runtime",
		}, []string{"outcome"})

		r.callbackRejects = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zipper",
			Subsystem: "relay",
			Name:      "callback_rejections_total",
			Help:      "Runtime callbacks rejected by signature verification",
		}, []string{"reason"})

		collectors := []*prometheus.CounterVec{r.requestTotal, r.rateLimitHits, r.relayOutcomes, r.callbackRejects}
		for i, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
						collectors[i] = existing
					}
				}
			}
		}
		r.requestTotal, r.rateLimitHits, r.relayOutcomes, r.callbackRejects = collectors[0], collectors[1], collectors[2], collectors[3]

		if err := prometheus.Register(r.requestLatency); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
					r.requestLatency = existing
				}
			}
		}
		r.metricsInitialized = true
	})
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	if !r.metricsInitialized {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.requestTotal.With(labels).Inc()
	r.requestLatency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(route, key string) {
	if !r.metricsInitialized {
		return
	}
	r.rateLimitHits.With(prometheus.Labels{"route": route, "key": key}).Inc()
}

func (r *Router) recordRelayOutcome(outcome string) {
	if !r.metricsInitialized {
		return
	}
	r.relayOutcomes.With(prometheus.Labels{"outcome": outcome}).Inc()
}

func (r *Router) recordCallbackRejection(reason string) {
	if !r.metricsInitialized {
		return
	}
	r.callbackRejects.With(prometheus.Labels{"reason": reason}).Inc()
}
