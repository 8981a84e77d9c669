package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RegisterAndRecord(t *testing.T) {
	m := New()

	m.StreamsActive.Inc()
	m.StreamsTotal.WithLabelValues("completed").Inc()
	m.EventsEmittedTotal.WithLabelValues("message").Add(3)
	m.InterruptsTotal.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamsTotal.WithLabelValues("completed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventsEmittedTotal.WithLabelValues("message")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.SessionsCreatedTotal.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sessions_created_total")
}
