// Package metrics provides observability for the tool access broker.
package metrics

import (
	"net/http"
	"time"
)

// Metrics records the broker's decision, issuance and rate-limit
// behavior for Prometheus scraping.
type Metrics interface {
	// RecordDecision records a completed RequestAccess outcome.
	RecordDecision(outcome string, reasonCode string, duration time.Duration)

	// RecordCredentialIssued/RecordCredentialRevoked track credential
	// lifecycle events.
	RecordCredentialIssued()
	RecordCredentialRevoked()

	// RecordRateLimitDecision tracks RateLimiter.Check outcomes.
	RecordRateLimitDecision(allowed bool)

	IncActiveRequests()
	DecActiveRequests()

	// RecordVectorOp/RecordVectorError instrument the off-hot-path
	// policy-similarity diagnostic.
	RecordVectorOp(operation string, duration time.Duration)
	RecordVectorError(errorType string)

	// HTTPHandler serves the Prometheus exposition format.
	HTTPHandler() http.Handler
}

// NoOpMetrics discards every recording; used when metrics are disabled.
type NoOpMetrics struct{}

// NewNoOp creates a metrics sink that does nothing.
func NewNoOp() *NoOpMetrics {
	return &NoOpMetrics{}
}

func (n *NoOpMetrics) RecordDecision(outcome, reasonCode string, duration time.Duration) {}
func (n *NoOpMetrics) RecordCredentialIssued()                                           {}
func (n *NoOpMetrics) RecordCredentialRevoked()                                          {}
func (n *NoOpMetrics) RecordRateLimitDecision(allowed bool)                              {}
func (n *NoOpMetrics) IncActiveRequests()                                                {}
func (n *NoOpMetrics) DecActiveRequests()                                                {}
func (n *NoOpMetrics) RecordVectorOp(operation string, duration time.Duration)           {}
func (n *NoOpMetrics) RecordVectorError(errorType string)                                {}

func (n *NoOpMetrics) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("# metrics disabled\n"))
	})
}
