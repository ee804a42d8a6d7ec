// Package health exposes Prometheus metrics for the rotation engine.
package health

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rotation metrics
	rotationStartedTotal   *prometheus.CounterVec
	rotationCompletedTotal *prometheus.CounterVec
	rotationDuration       *prometheus.HistogramVec
	rollbackTotal          *prometheus.CounterVec

	// Daemon queue metrics
	queueDepth        prometheus.Gauge
	queueRejectedTotal *prometheus.CounterVec

	// Registration guard
	metricsOnce       sync.Once
	metricsRegistered bool
)

// RotationMetrics provides methods to record rotation metrics.
type RotationMetrics struct{}

// NewRotationMetrics creates a new RotationMetrics instance.
// Metrics are lazily registered on first use.
func NewRotationMetrics() *RotationMetrics {
	return &RotationMetrics{}
}

// InitMetrics initializes all Prometheus metrics.
// This should be called once at startup if Prometheus metrics are enabled.
func InitMetrics() {
	metricsOnce.Do(func() {
		rotationStartedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "birch_rotation_started_total",
				Help: "Total number of rotation attempts started",
			},
			[]string{"secret", "environment", "actor"},
		)

		rotationCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "birch_rotation_completed_total",
				Help: "Total number of rotation attempts reaching a terminal outcome",
			},
			[]string{"secret", "environment", "outcome"},
		)

		rotationDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "birch_rotation_duration_seconds",
				Help:    "Duration of rotation attempts in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"secret"},
		)

		rollbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "birch_rollback_total",
				Help: "Total number of rollback operations",
			},
			[]string{"secret", "environment", "outcome"},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "birch_daemon_queue_depth",
				Help: "Rotation requests currently queued in the daemon",
			},
		)

		queueRejectedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "birch_daemon_rejected_total",
				Help: "Rotation signals rejected before queuing",
			},
			[]string{"reason"},
		)

		metricsRegistered = true
	})
}

// RecordRotationStarted records a rotation start event.
func (m *RotationMetrics) RecordRotationStarted(secret, environment, actor string) {
	if !metricsRegistered || rotationStartedTotal == nil {
		return
	}
	rotationStartedTotal.WithLabelValues(secret, environment, actor).Inc()
}

// RecordRotationCompleted records a terminal rotation outcome.
func (m *RotationMetrics) RecordRotationCompleted(secret, environment, outcome string, durationSeconds float64) {
	if !metricsRegistered {
		return
	}

	if rotationCompletedTotal != nil {
		rotationCompletedTotal.WithLabelValues(secret, environment, outcome).Inc()
	}

	if rotationDuration != nil {
		rotationDuration.WithLabelValues(secret).Observe(durationSeconds)
	}
}

// RecordRollback records a rollback event.
func (m *RotationMetrics) RecordRollback(secret, environment, outcome string) {
	if !metricsRegistered || rollbackTotal == nil {
		return
	}
	rollbackTotal.WithLabelValues(secret, environment, outcome).Inc()
}

// SetQueueDepth publishes the daemon's current queue depth.
func (m *RotationMetrics) SetQueueDepth(depth int) {
	if !metricsRegistered || queueDepth == nil {
		return
	}
	queueDepth.Set(float64(depth))
}

// RecordQueueRejected counts a signal turned away before queuing.
func (m *RotationMetrics) RecordQueueRejected(reason string) {
	if !metricsRegistered || queueRejectedTotal == nil {
		return
	}
	queueRejectedTotal.WithLabelValues(reason).Inc()
}
