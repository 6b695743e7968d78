package service

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsServiceCounters(t *testing.T) {
	m := NewMetricsService()

	m.RecordTransition("approve", "ok")
	m.RecordTransition("approve", "ok")
	m.RecordTransition("effect", "NOT_YET_DUE")
	m.RecordSweep("ok", 3)
	m.RecordSweep("skipped", 0)
	m.RecordEffectJob("done")
	m.RecordOutbox("sent", 2)
	m.RecordOutbox("failed", 0)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.transitions.WithLabelValues("approve", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.transitions.WithLabelValues("effect", "NOT_YET_DUE")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.sweepEnqueued))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sweepRuns.WithLabelValues("skipped")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.effectJobs.WithLabelValues("done")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.outboxEvents.WithLabelValues("sent")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.outboxEvents.WithLabelValues("failed")))
}

func TestMetricsServiceSnapshotAndHandler(t *testing.T) {
	m := NewMetricsService()
	m.ObserveHTTPRequest(http.MethodGet, "/api/v1/changes", http.StatusOK, 20*time.Millisecond)
	m.ObserveHTTPRequest(http.MethodGet, "/api/v1/changes", http.StatusOK, 40*time.Millisecond)
	m.ObserveDBQuery("student_change_tx", 5*time.Millisecond)

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.RequestsTotal)
	assert.InDelta(t, 30, snap.AverageRequestDurationMs, 0.001)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "db_query_duration_seconds")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `http_requests_total{method="GET",path="/api/v1/changes",status="200"} 2`))
}

func TestMetricsServiceNilSafe(t *testing.T) {
	var m *MetricsService
	m.RecordTransition("submit", "ok")
	m.RecordSweep("ok", 1)
	m.ObserveDBQuery("q", time.Millisecond)
	assert.Nil(t, m.Registry())
	assert.Equal(t, MetricsSnapshot{}, m.Snapshot())

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
