package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ObserveRequest(t *testing.T) {
	t.Parallel()

	m := New("")
	m.ObserveRequest(0, ModeBuffered, 200, 120*time.Millisecond)
	m.ObserveRequest(0, ModeBuffered, 200, 80*time.Millisecond)
	m.ObserveRequest(1, ModeStream, 429, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("1", ModeBuffered, "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("2", ModeStream, "429")))
}

func TestMetrics_StreamLifecycle(t *testing.T) {
	t.Parallel()

	m := New("test")
	m.StreamStarted()
	m.StreamStarted()
	m.StreamChunk(2, 10)
	m.StreamChunk(2, 5)
	m.StreamFinished(OutcomeCompleted)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.streamsActive))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.streamBytes.WithLabelValues("3")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.streamChunks.WithLabelValues("3")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streamOutcomes.WithLabelValues(OutcomeCompleted)))
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := New("")
	m.ObserveRequest(0, ModeBuffered, 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "claude_balancer_requests_total")
}
