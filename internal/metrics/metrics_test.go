package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector() *Collector {
	reg := prometheus.NewRegistry()
	return NewCollectorWith(reg, reg)
}

func TestNewCollector(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	collector := NewCollector()

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.jobsSubmitted, "jobsSubmitted counter should be initialized")
	assert.NotNil(t, collector.stageAttempts, "stageAttempts counter should be initialized")
	assert.NotNil(t, collector.stageDuration, "stageDuration histogram should be initialized")
	assert.NotNil(t, collector.stagesInFlight, "stagesInFlight gauge should be initialized")
}

func TestDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollectorWith(reg, reg)

	assert.Panics(t, func() {
		NewCollectorWith(reg, reg)
	})
}

func TestRecordSubmitted(t *testing.T) {
	c := newTestCollector()
	c.RecordSubmitted("archive", 2)
	c.RecordSubmitted("analyze", 1)
	c.RecordSubmitted("archive", 3)

	assert.Equal(t, 5.0, testutil.ToFloat64(c.jobsSubmitted.WithLabelValues("archive")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsSubmitted.WithLabelValues("analyze")))
}

func TestRecordStage(t *testing.T) {
	c := newTestCollector()

	c.RecordStage("transcribe", OutcomeTransient, 2*time.Second)
	c.RecordStage("transcribe", OutcomeTransient, time.Second)
	c.RecordStage("transcribe", OutcomeSuccess, 3*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.stageAttempts.WithLabelValues("transcribe", OutcomeTransient)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stageAttempts.WithLabelValues("transcribe", OutcomeSuccess)))
	assert.Equal(t, 1, testutil.CollectAndCount(c.stageDuration))
}

func TestGauges(t *testing.T) {
	c := newTestCollector()

	c.StageStarted()
	c.StageStarted()
	c.StageFinished()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stagesInFlight))

	c.SetQueued(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(c.jobsQueued))

	c.SetRecoveryTime(1500 * time.Millisecond)
	assert.Equal(t, 1.5, testutil.ToFloat64(c.recoveryTime))
}

func TestCounters(t *testing.T) {
	c := newTestCollector()

	c.RecordFinished("SUCCEEDED")
	c.RecordFinished("FAILED")
	c.RecordFinished("FAILED")
	c.RecordBusDrop()
	c.RecordEngineError()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsFinished.WithLabelValues("FAILED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.busDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.engineErrors))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := newTestCollector()
	c.RecordSubmitted("archive", 1)
	c.RecordEngineError()

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `clipflow_jobs_submitted_total{mode="archive"} 1`)
	assert.Contains(t, string(body), "clipflow_engine_errors_total 1")
}
