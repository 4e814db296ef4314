package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements Metrics against a dedicated registry, so a
// broker process never collides with another library's default registry.
type PrometheusMetrics struct {
	decisionsTotal   *prometheus.CounterVec
	decisionDuration *prometheus.HistogramVec
	credentialsIssued  prometheus.Counter
	credentialsRevoked prometheus.Counter
	rateLimitAllowed   prometheus.Counter
	rateLimitDenied    prometheus.Counter
	activeRequests     prometheus.Gauge

	vectorOps            *prometheus.CounterVec
	vectorErrors         *prometheus.CounterVec
	vectorSearchDuration prometheus.Histogram
	vectorInsertDuration prometheus.Histogram

	registry *prometheus.Registry
}

// NewPrometheusMetrics creates a Prometheus-backed Metrics under namespace.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	decisionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total number of RequestAccess decisions by outcome and reason_code",
		},
		[]string{"outcome", "reason_code"},
	)

	decisionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_milliseconds",
			Help:      "RequestAccess decision latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"outcome"},
	)

	credentialsIssued := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "credentials",
		Name:      "issued_total",
		Help:      "Total number of credentials issued",
	})

	credentialsRevoked := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "credentials",
		Name:      "revoked_total",
		Help:      "Total number of credentials revoked",
	})

	rateLimitAllowed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rate_limit",
		Name:      "allowed_total",
		Help:      "Total number of requests allowed by the rate limiter",
	})

	rateLimitDenied := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rate_limit",
		Name:      "denied_total",
		Help:      "Total number of requests denied by the rate limiter",
	})

	activeRequests := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_requests",
		Help:      "Number of in-flight RequestAccess calls",
	})

	vectorOps := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vector",
			Name:      "operations_total",
			Help:      "Total number of policy-similarity vector operations by type",
		},
		[]string{"op"},
	)

	vectorErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vector",
			Name:      "errors_total",
			Help:      "Total number of policy-similarity vector operation errors by type",
		},
		[]string{"type"},
	)

	// HNSW search over a few thousand policy embeddings: sub-second.
	vectorSearchDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "vector",
		Name:      "search_duration_milliseconds",
		Help:      "Policy-similarity search latency in milliseconds",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
	})

	vectorInsertDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "vector",
		Name:      "insert_duration_milliseconds",
		Help:      "Policy embedding insert latency in milliseconds",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
	})

	registry.MustRegister(
		decisionsTotal, decisionDuration,
		credentialsIssued, credentialsRevoked,
		rateLimitAllowed, rateLimitDenied,
		activeRequests,
		vectorOps, vectorErrors, vectorSearchDuration, vectorInsertDuration,
	)

	return &PrometheusMetrics{
		decisionsTotal:       decisionsTotal,
		decisionDuration:     decisionDuration,
		credentialsIssued:    credentialsIssued,
		credentialsRevoked:   credentialsRevoked,
		rateLimitAllowed:     rateLimitAllowed,
		rateLimitDenied:      rateLimitDenied,
		activeRequests:       activeRequests,
		vectorOps:            vectorOps,
		vectorErrors:         vectorErrors,
		vectorSearchDuration: vectorSearchDuration,
		vectorInsertDuration: vectorInsertDuration,
		registry:             registry,
	}
}

func (p *PrometheusMetrics) RecordDecision(outcome, reasonCode string, duration time.Duration) {
	p.decisionsTotal.WithLabelValues(outcome, reasonCode).Inc()
	p.decisionDuration.WithLabelValues(outcome).Observe(float64(duration.Milliseconds()))
}

func (p *PrometheusMetrics) RecordCredentialIssued()  { p.credentialsIssued.Inc() }
func (p *PrometheusMetrics) RecordCredentialRevoked() { p.credentialsRevoked.Inc() }

func (p *PrometheusMetrics) RecordRateLimitDecision(allowed bool) {
	if allowed {
		p.rateLimitAllowed.Inc()
		return
	}
	p.rateLimitDenied.Inc()
}

func (p *PrometheusMetrics) IncActiveRequests() { p.activeRequests.Inc() }
func (p *PrometheusMetrics) DecActiveRequests() { p.activeRequests.Dec() }

func (p *PrometheusMetrics) RecordVectorOp(operation string, duration time.Duration) {
	p.vectorOps.WithLabelValues(operation).Inc()
	switch operation {
	case "search":
		p.vectorSearchDuration.Observe(float64(duration.Milliseconds()))
	case "insert":
		p.vectorInsertDuration.Observe(float64(duration.Milliseconds()))
	}
}

func (p *PrometheusMetrics) RecordVectorError(errorType string) {
	p.vectorErrors.WithLabelValues(errorType).Inc()
}

// HTTPHandler returns the handler for /metrics scraping.
func (p *PrometheusMetrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
