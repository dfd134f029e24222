package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics worker 指标，带 worker 常量标签
type Metrics struct {
	HeartbeatTotal  prometheus.Counter
	HeartbeatErrors prometheus.Counter

	CommandsRunning prometheus.Gauge
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	ConsumeErrors   prometheus.Counter
}

// NewMetrics 在 reg 上注册指标；reg 为 nil 时使用独立 registry
func NewMetrics(namespace, ref string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	labels := prometheus.Labels{"worker": ref}

	return &Metrics{
		HeartbeatTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "heartbeat_total",
			Help:        "Total heartbeats written",
			ConstLabels: labels,
		}),
		HeartbeatErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "heartbeat_errors_total",
			Help:        "Total heartbeat write errors",
			ConstLabels: labels,
		}),
		CommandsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "commands_running",
			Help:        "Number of commands currently executing",
			ConstLabels: labels,
		}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "commands_total",
			Help:        "Total commands executed by final state",
			ConstLabels: labels,
		}, []string{"state"}),
		CommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "command_duration_seconds",
			Help:        "Command execution duration in seconds",
			Buckets:     []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			ConstLabels: labels,
		}, []string{"state"}),
		ConsumeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "consume_errors_total",
			Help:        "Total errors reading the command stream",
			ConstLabels: labels,
		}),
	}
}

// RecordHeartbeat 记录心跳
func (m *Metrics) RecordHeartbeat(success bool) {
	m.HeartbeatTotal.Inc()
	if !success {
		m.HeartbeatErrors.Inc()
	}
}

// RecordCommandStart 记录命令开始
func (m *Metrics) RecordCommandStart() {
	m.CommandsRunning.Inc()
}

// RecordCommandComplete 记录命令结束
func (m *Metrics) RecordCommandComplete(state string, d time.Duration) {
	m.CommandsRunning.Dec()
	m.CommandsTotal.WithLabelValues(state).Inc()
	m.CommandDuration.WithLabelValues(state).Observe(d.Seconds())
}
