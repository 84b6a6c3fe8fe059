package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDisabledMetricsReturnsNilAndMethodsAreNoOps(t *testing.T) {
	m := New(Config{Enabled: false})
	assert.Nil(t, m)

	// nil-receiver methods must not panic.
	m.RecordLoopIteration("agent-a")
	m.RecordAction("respond", "self", time.Millisecond, nil)
	m.SetActiveSessions("agent-a", 1)
}

func TestEnabledMetricsServeExposition(t *testing.T) {
	m := New(Config{Enabled: true})
	assert.NotNil(t, m)

	m.RecordLoopIteration("agent-a")
	m.RecordAction("respond", "self", 5*time.Millisecond, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "koi_loop_iterations_total")
}

func TestHealthzReturnsOK(t *testing.T) {
	srv := NewServer(":0", nil)
	_ = srv

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	handleHealthz(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}
