package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectio_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lectio_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Model invocation metrics
	modelInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectio_model_invocations_total",
			Help: "Total number of resilient model invocations by outcome",
		},
		[]string{"op", "outcome"},
	)

	modelAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectio_model_attempts_total",
			Help: "Total number of individual model attempts, including retries",
		},
		[]string{"op"},
	)

	modelInvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lectio_model_invocation_duration_seconds",
			Help:    "Wall time of a resilient model invocation including backoff",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64, 128},
		},
		[]string{"op"},
	)

	// Tutor metrics
	languageMismatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectio_language_mismatch_total",
			Help: "Generated utterances rejected by the language guard",
		},
		[]string{"expected", "detected"},
	)

	analysisDegradedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectio_analysis_degraded_total",
			Help: "Correction analyses that fell back to the no-error result",
		},
		[]string{"reason"},
	)

	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectio_turns_total",
			Help: "Tutor turns persisted",
		},
		[]string{"mode"},
	)

	sessionsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectio_sessions_started_total",
			Help: "Sessions started",
		},
		[]string{"mode"},
	)

	sessionsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lectio_sessions_completed_total",
			Help: "Sessions whose completion timestamp was written",
		},
	)

	reviewRatingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectio_review_ratings_total",
			Help: "Session reviews produced by rating band",
		},
		[]string{"rating"},
	)

	initOnce sync.Once
)

// InitMetrics registers all collectors with the default Prometheus registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			modelInvocationsTotal,
			modelAttemptsTotal,
			modelInvocationDuration,
			languageMismatchTotal,
			analysisDegradedTotal,
			turnsTotal,
			sessionsStartedTotal,
			sessionsCompletedTotal,
			reviewRatingsTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, route, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordModelAttempt counts a single attempt of a retried operation.
func RecordModelAttempt(op string) {
	modelAttemptsTotal.WithLabelValues(op).Inc()
}

// RecordModelInvocation records the final outcome of a retried operation.
func RecordModelInvocation(op, outcome string, duration time.Duration) {
	modelInvocationsTotal.WithLabelValues(op, outcome).Inc()
	modelInvocationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordLanguageMismatch counts a guard rejection.
func RecordLanguageMismatch(expected, detected string) {
	languageMismatchTotal.WithLabelValues(expected, detected).Inc()
}

// RecordAnalysisDegraded counts an analysis that fell back to the empty result.
func RecordAnalysisDegraded(reason string) {
	analysisDegradedTotal.WithLabelValues(reason).Inc()
}

func RecordTurn(mode string) {
	turnsTotal.WithLabelValues(mode).Inc()
}

func RecordSessionStarted(mode string) {
	sessionsStartedTotal.WithLabelValues(mode).Inc()
}

func RecordSessionCompleted() {
	sessionsCompletedTotal.Inc()
}

func RecordReviewRating(rating string) {
	reviewRatingsTotal.WithLabelValues(rating).Inc()
}
