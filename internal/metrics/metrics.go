package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CacheResultsTotal counts reply cache lookups by tier and result.
	CacheResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wizardchat_cache_results_total",
			Help: "Reply cache lookups by tier (memory|redis) and result (hit|miss|error).",
		},
		[]string{"tier", "result"},
	)

	// CacheEvictionsTotal counts entries dropped from the memory tier.
	CacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wizardchat_cache_evictions_total",
			Help: "Entries removed from the memory tier by reason (capacity|expired).",
		},
		[]string{"reason"},
	)

	// DedupJoinsTotal counts callers that joined an in-flight request.
	DedupJoinsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wizardchat_dedup_joins_total",
			Help: "Requests that shared an in-flight upstream call instead of starting one.",
		},
	)

	// LLMAttemptsTotal counts upstream attempts by outcome.
	LLMAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wizardchat_llm_attempts_total",
			Help: "Upstream chat completion attempts by outcome (ok or error kind).",
		},
		[]string{"outcome"},
	)

	// LLMLatencySeconds observes whole completions including retries.
	LLMLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wizardchat_llm_latency_seconds",
			Help:    "Chat completion latency including retries, by mode.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		},
		[]string{"mode"},
	)

	// RitualPhaseTransitionsTotal counts phase entries by label.
	RitualPhaseTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wizardchat_ritual_phase_transitions_total",
			Help: "Ritual phases entered, by phase label.",
		},
		[]string{"phase"},
	)

	// RitualsActive tracks live ritual sessions.
	RitualsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wizardchat_rituals_active",
			Help: "Ritual sessions currently running.",
		},
	)

	// GatewayLatencySeconds observes HTTP latency.
	GatewayLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wizardchat_http_latency_seconds",
			Help:    "HTTP request latency for the gateway in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"route", "method", "status_code"},
	)

	registerOnce sync.Once
)

// Register is called once in main() to register metrics.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			CacheResultsTotal,
			CacheEvictionsTotal,
			DedupJoinsTotal,
			LLMAttemptsTotal,
			LLMLatencySeconds,
			RitualPhaseTransitionsTotal,
			RitualsActive,
			GatewayLatencySeconds,
		)
	})
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures gateway latency for each HTTP request. The route
// pattern is used as label so ritual ids do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		GatewayLatencySeconds.
			WithLabelValues(route, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}
