// Package orchestrator Prometheus 指标导出
package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mlrun-admin/internal/shared/apperr"
)

// Metrics 编排器指标
type Metrics struct {
	RunsStarted     prometheus.Counter
	RunsFinished    *prometheus.CounterVec
	StartErrors     *prometheus.CounterVec
	AdvanceErrors   *prometheus.CounterVec
	AdvanceDuration prometheus.Histogram
	RunsActive      prometheus.Gauge
	SweepDuration   prometheus.Histogram
}

// NewMetrics 在 reg 上注册编排器指标；reg 为 nil 时使用默认注册表
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		RunsStarted: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total runs dispatched",
			},
		),
		RunsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_finished_total",
				Help:      "Total runs finalized by outcome",
			},
			[]string{"outcome"},
		),
		StartErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "start_errors_total",
				Help:      "Total rejected or failed starts by error kind",
			},
			[]string{"kind"},
		),
		AdvanceErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "advance_errors_total",
				Help:      "Total advance errors by error kind",
			},
			[]string{"kind"},
		),
		AdvanceDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "advance_duration_seconds",
				Help:      "Advance latency in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		RunsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_active",
				Help:      "Running runs seen by the last sweep",
			},
		),
		SweepDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sweep_duration_seconds",
				Help:      "Sweep pass duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
		),
	}
}

func (m *Metrics) observeAdvance(start time.Time, err error) {
	m.AdvanceDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		m.AdvanceErrors.WithLabelValues(kindLabel(err)).Inc()
	}
}

func kindLabel(err error) string {
	if k := apperr.KindOf(err); k != "" {
		return string(k)
	}
	return "internal"
}
