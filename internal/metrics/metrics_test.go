package metrics

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsInterface_AllMethodsExist(t *testing.T) {
	tests := []struct {
		name string
		m    Metrics
	}{
		{name: "PrometheusMetrics", m: NewPrometheusMetrics("broker_test")},
		{name: "NoOpMetrics", m: NewNoOp()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.m.RecordDecision("ALLOW", "", 5*time.Millisecond)
			tt.m.RecordCredentialIssued()
			tt.m.RecordCredentialRevoked()
			tt.m.RecordRateLimitDecision(true)
			tt.m.IncActiveRequests()
			tt.m.DecActiveRequests()
			tt.m.RecordVectorOp("search", 10*time.Millisecond)
			tt.m.RecordVectorError("timeout")
			require.NotNil(t, tt.m.HTTPHandler())
		})
	}
}

func TestNoOpMetrics_ConcurrentNoPanic(t *testing.T) {
	m := NewNoOp()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordDecision("DENY", "NO_POLICY_MATCH", time.Millisecond)
			m.RecordRateLimitDecision(false)
		}()
	}
	wg.Wait()
}

func TestPrometheusMetrics_RecordDecision(t *testing.T) {
	m := NewPrometheusMetrics("broker_test")
	m.RecordDecision("ALLOW", "", 5*time.Millisecond)
	m.RecordDecision("ALLOW", "", 6*time.Millisecond)
	m.RecordDecision("DENY", "NO_POLICY_MATCH", 2*time.Millisecond)

	body := scrape(t, m)
	assert.Contains(t, body, `broker_test_decisions_total{outcome="ALLOW",reason_code=""} 2`)
	assert.Contains(t, body, `broker_test_decisions_total{outcome="DENY",reason_code="NO_POLICY_MATCH"} 1`)
	assert.Contains(t, body, "broker_test_decision_duration_milliseconds")
}

func TestPrometheusMetrics_CredentialLifecycle(t *testing.T) {
	m := NewPrometheusMetrics("broker_test")
	m.RecordCredentialIssued()
	m.RecordCredentialIssued()
	m.RecordCredentialRevoked()

	body := scrape(t, m)
	assert.Contains(t, body, "broker_test_credentials_issued_total 2")
	assert.Contains(t, body, "broker_test_credentials_revoked_total 1")
}

func TestPrometheusMetrics_RateLimitDecision(t *testing.T) {
	m := NewPrometheusMetrics("broker_test")
	m.RecordRateLimitDecision(true)
	m.RecordRateLimitDecision(true)
	m.RecordRateLimitDecision(false)

	body := scrape(t, m)
	assert.Contains(t, body, "broker_test_rate_limit_allowed_total 2")
	assert.Contains(t, body, "broker_test_rate_limit_denied_total 1")
}

func TestPrometheusMetrics_ActiveRequestsGauge(t *testing.T) {
	m := NewPrometheusMetrics("broker_test")
	m.IncActiveRequests()
	m.IncActiveRequests()
	m.DecActiveRequests()

	body := scrape(t, m)
	assert.Contains(t, body, "broker_test_active_requests 1")
}

func TestPrometheusMetrics_VectorOps(t *testing.T) {
	m := NewPrometheusMetrics("broker_test")
	m.RecordVectorOp("search", 5*time.Millisecond)
	m.RecordVectorOp("search", 8*time.Millisecond)
	m.RecordVectorOp("insert", 3*time.Millisecond)
	m.RecordVectorError("dimension_mismatch")

	body := scrape(t, m)
	assert.Contains(t, body, `broker_test_vector_operations_total{op="search"} 2`)
	assert.Contains(t, body, `broker_test_vector_operations_total{op="insert"} 1`)
	assert.Contains(t, body, `broker_test_vector_errors_total{type="dimension_mismatch"} 1`)
	assert.Contains(t, body, "broker_test_vector_search_duration_milliseconds")
}

func TestPrometheusMetrics_NamespaceIsolation(t *testing.T) {
	a := NewPrometheusMetrics("broker_a")
	b := NewPrometheusMetrics("broker_b")
	a.RecordCredentialIssued()
	b.RecordCredentialRevoked()

	bodyA := scrape(t, a)
	assert.Contains(t, bodyA, "broker_a_credentials_issued_total 1")
	assert.NotContains(t, bodyA, "broker_b_")

	bodyB := scrape(t, b)
	assert.Contains(t, bodyB, "broker_b_credentials_revoked_total 1")
	assert.NotContains(t, bodyB, "broker_a_")
}

func scrape(t *testing.T, m Metrics) string {
	t.Helper()
	handler := m.HTTPHandler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}
