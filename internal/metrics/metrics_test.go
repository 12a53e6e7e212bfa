package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := c
	Init()
	assert.Same(t, first, c)
}

func TestObserveHelpers(t *testing.T) {
	Init()
	m := newCollectors(promauto.With(prometheus.NewRegistry()))
	orig := c
	c = m
	t.Cleanup(func() { c = orig })

	ObserveBackoffRetry("persist")
	ObserveBackoffRetry("persist")
	AddQueueDepth(3)
	AddQueueDepth(-1)
	ObserveJob("COMPLETED")
	ObserveSubmissionRejected("rate_limited")
	ObservePersist("imported", 25*time.Millisecond)

	assert.InDelta(t, 2, testutil.ToFloat64(m.backoffRetries.WithLabelValues("persist")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.queueDepth), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.jobTransitions.WithLabelValues("COMPLETED")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.submissionsRejected.WithLabelValues("rate_limited")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.persistLatency))
}

func TestHandlerExposesCollectors(t *testing.T) {
	ObserveJob("PENDING")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `importer_jobs_total{status="PENDING"}`)
}
