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

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.TaskSubmitted("collect")
	m.TaskFinished("collect", "complete", time.Second)
	m.SetQueueDepth(3)
	m.SubscriberAdded()
	m.SubscriberRemoved()
	m.FileRendered("regular")
	m.RenderFailed()
	m.SplitDone("regular", 2, 0, 5)
	m.HTTPRequest("GET", "/health", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestCounters(t *testing.T) {
	m := New()
	m.TaskSubmitted("collect")
	m.TaskSubmitted("collect")
	m.SplitDone("ios", 3, 1, 9)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TasksSubmitted.WithLabelValues("collect")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SplitParts.WithLabelValues("ios")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OversizeParts))
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New()
	m.HTTPRequest("GET", "/health", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "codecollect_http_requests_total"))
}
