// Package metrics exposes guardian state as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vadiminshakov/sentinel/internal/domain"
)

const namespace = "sentinel"

// Metrics implements guardian.Observer on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	mode             prometheus.Gauge
	pnl              prometheus.Gauge
	threshold        prometheus.Gauge
	triggers         prometheus.Gauge
	openPositions    prometheus.Gauge
	pendingCloses    prometheus.Gauge
	gatewayConnected prometheus.Gauge
	safeMode         prometheus.Gauge
	restarts         prometheus.Counter
	ticks            prometheus.Counter
	tickDuration     prometheus.Histogram
	closes           *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		mode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "mode",
			Help: "Guardian mode: 0 normal, 1 triggered, 2 active block.",
		}),
		pnl: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "daily_pnl",
			Help: "Daily PnL observed on the last evaluated tick.",
		}),
		threshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "daily_loss_threshold",
			Help: "Configured daily loss limit.",
		}),
		triggers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "trigger_count",
			Help: "Loss limit breaches since the last reset.",
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "open_positions",
			Help: "Open positions after the last tick.",
		}),
		pendingCloses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_closes",
			Help: "Positions whose close is being retried.",
		}),
		gatewayConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gateway_connected",
			Help: "1 when the last tick reached the gateway.",
		}),
		safeMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "safe_mode",
			Help: "1 when the supervisor gave up restarting the loop.",
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "loop_restarts_total",
			Help: "Guardian loop restarts performed by the supervisor.",
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_total",
			Help: "Guardian ticks.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tick_duration_seconds",
			Help:    "Time spent in a tick.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "closes_total",
			Help: "Position close batches by reason and result.",
		}, []string{"action", "result"}),
	}

	m.registry.MustRegister(
		m.mode, m.pnl, m.threshold, m.triggers, m.openPositions, m.pendingCloses,
		m.gatewayConnected, m.safeMode, m.restarts, m.ticks, m.tickDuration, m.closes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveTick records the published snapshot.
func (m *Metrics) ObserveTick(snap domain.Snapshot, took time.Duration) {
	m.ticks.Inc()
	m.tickDuration.Observe(took.Seconds())
	m.mode.Set(float64(snap.Mode))
	m.pnl.Set(snap.LastPnL.InexactFloat64())
	m.threshold.Set(snap.DailyLossThreshold.InexactFloat64())
	m.triggers.Set(float64(snap.TriggerCount))
	m.openPositions.Set(float64(snap.OpenPositions))
	m.pendingCloses.Set(float64(len(snap.PendingCloses)))
	m.gatewayConnected.Set(boolToFloat(snap.GatewayConnected))
}

// ObserveClose counts a close attempt batch for one position.
func (m *Metrics) ObserveClose(action domain.AuditAction, success bool) {
	result := "ok"
	if !success {
		result = "failed"
	}
	m.closes.WithLabelValues(string(action), result).Inc()
}

// SetSafeMode flags safe mode.
func (m *Metrics) SetSafeMode(on bool) {
	m.safeMode.Set(boolToFloat(on))
}

// IncRestarts counts a supervisor restart.
func (m *Metrics) IncRestarts() {
	m.restarts.Inc()
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
