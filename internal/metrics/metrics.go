// ============================================================================
// clipflow Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose engine metrics for Prometheus scraping.
//
// Metric families:
//
//   Counters:
//     - clipflow_jobs_submitted_total{mode}
//     - clipflow_stage_attempts_total{stage,outcome}   outcome: success|transient|permanent|engine
//     - clipflow_jobs_finished_total{state}            SUCCEEDED|FAILED|CANCELLED
//     - clipflow_bus_events_dropped_total
//     - clipflow_engine_errors_total
//
//   Histogram:
//     - clipflow_stage_duration_seconds{stage}
//       buckets cover seconds (HTTP fetch) up to tens of minutes (transcription)
//
//   Gauges:
//     - clipflow_stages_in_flight
//     - clipflow_jobs_queued
//     - clipflow_recovery_time_seconds
//
// Example queries:
//
//   # transcribe retry rate
//   rate(clipflow_stage_attempts_total{stage="transcribe",outcome="transient"}[5m])
//
//   # p95 stage latency
//   histogram_quantile(0.95, sum by (le, stage) (rate(clipflow_stage_duration_seconds_bucket[5m])))
//
// HTTP endpoint:
//   /metrics served by promhttp, default port 9090.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clipflow"

// Stage attempt outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeTransient = "transient"
	OutcomePermanent = "permanent"
	OutcomeEngine    = "engine"
)

// Collector holds every metric the engine reports.
type Collector struct {
	jobsSubmitted  *prometheus.CounterVec
	stageAttempts  *prometheus.CounterVec
	jobsFinished   *prometheus.CounterVec
	busDropped     prometheus.Counter
	engineErrors   prometheus.Counter
	stageDuration  *prometheus.HistogramVec
	stagesInFlight prometheus.Gauge
	jobsQueued     prometheus.Gauge
	recoveryTime   prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector registers the metrics with the default registry.
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewCollectorWith registers the metrics with reg; g backs Handler.
func NewCollectorWith(reg prometheus.Registerer, g prometheus.Gatherer) *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs submitted",
		}, []string{"mode"}),
		stageAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_attempts_total",
			Help:      "Stage attempts by stage and outcome",
		}, []string{"stage", "outcome"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal state",
		}, []string{"state"}),
		busDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_dropped_total",
			Help:      "Progress events dropped for slow subscribers",
		}),
		engineErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_errors_total",
			Help:      "Invariant violations detected by the scheduler",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage attempt latency in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"stage"}),
		stagesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stages_in_flight",
			Help:      "Stages currently executing",
		}),
		jobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_queued",
			Help:      "Jobs waiting in the ready queue",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to restore the last snapshot",
		}),
		gatherer: g,
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.stageAttempts,
		c.jobsFinished,
		c.busDropped,
		c.engineErrors,
		c.stageDuration,
		c.stagesInFlight,
		c.jobsQueued,
		c.recoveryTime,
	)

	return c
}

// RecordSubmitted counts n new jobs of mode.
func (c *Collector) RecordSubmitted(mode string, n int) {
	c.jobsSubmitted.WithLabelValues(mode).Add(float64(n))
}

// RecordStage records one finished stage attempt.
func (c *Collector) RecordStage(stage, outcome string, d time.Duration) {
	c.stageAttempts.WithLabelValues(stage, outcome).Inc()
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordFinished counts a job entering a terminal state.
func (c *Collector) RecordFinished(state string) {
	c.jobsFinished.WithLabelValues(state).Inc()
}

// RecordBusDrop counts one dropped bus event.
func (c *Collector) RecordBusDrop() {
	c.busDropped.Inc()
}

// RecordEngineError counts one invariant violation.
func (c *Collector) RecordEngineError() {
	c.engineErrors.Inc()
}

// StageStarted increments the in-flight gauge.
func (c *Collector) StageStarted() {
	c.stagesInFlight.Inc()
}

// StageFinished decrements the in-flight gauge.
func (c *Collector) StageFinished() {
	c.stagesInFlight.Dec()
}

// SetQueued sets the ready queue length.
func (c *Collector) SetQueued(n int) {
	c.jobsQueued.Set(float64(n))
}

// SetRecoveryTime sets the last restore duration.
func (c *Collector) SetRecoveryTime(d time.Duration) {
	c.recoveryTime.Set(d.Seconds())
}

// Handler serves the collector's registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on port until ctx is cancelled.
func (c *Collector) StartServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
