// Package monitor tracks service performance for the operations API and
// exports it to Prometheus.
package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AnalysesTotal counts finished analyses by outcome (ok, error).
	AnalysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biaslab_analyses_total",
			Help: "Analyses finished, by outcome",
		},
		[]string{"outcome"},
	)

	// AnalysisDuration tracks end-to-end analysis latency.
	AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "biaslab_analysis_duration_seconds",
			Help:    "End-to-end analysis latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// StageDuration tracks per-stage latency of the scoring cascade.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "biaslab_stage_duration_seconds",
			Help:    "Bias cascade stage latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage", "status"},
	)

	// CacheRequests counts analysis cache lookups by result (hit, miss).
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biaslab_cache_requests_total",
			Help: "Analysis cache lookups, by result",
		},
		[]string{"result"},
	)

	// BackgroundTasks reports task runner occupancy by state (pending, active).
	BackgroundTasks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "biaslab_background_tasks",
			Help: "Background tasks, by state",
		},
		[]string{"state"},
	)

	// AccuracyPercent is agreement with human raters.
	AccuracyPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "biaslab_accuracy_percent",
			Help: "Agreement with human raters (100 minus mean absolute error)",
		},
	)

	// UptimePercent is the share of successful health checks over 30 days.
	UptimePercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "biaslab_uptime_percent",
			Help: "Successful health checks over the last 30 days",
		},
	)
)

// StageMetrics feeds cascade stage latency into StageDuration.
type StageMetrics struct{}

// ObserveStage records one stage run.
func (StageMetrics) ObserveStage(stage, status string, elapsed time.Duration) {
	StageDuration.WithLabelValues(stage, status).Observe(elapsed.Seconds())
}

// RecordCacheLookup counts one cache lookup.
func RecordCacheLookup(hit bool) {
	if hit {
		CacheRequests.WithLabelValues("hit").Inc()
		return
	}
	CacheRequests.WithLabelValues("miss").Inc()
}
