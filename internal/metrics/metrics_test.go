package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRecord(t *testing.T) {
	m := New()
	m.Transition("Triggered", "Analyzing")
	m.Transition("Triggered", "Analyzing")
	m.Step("requirements", "completed", 20*time.Millisecond, 120)
	m.Duplicate()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("Triggered", "Analyzing")))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.tokens.WithLabelValues("requirements")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.duplicates))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "planline_workitem_transitions_total"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Transition("a", "b")
	m.Step("x", "failed", time.Second, 0)
	m.Review("Approved")
	m.Checkpoint("awaiting_answers", "created")
	m.WorkerRun("ok")
	m.Duplicate()
	assert.Nil(t, m.Registry())
}
