// Package telemetry centralizes the Prometheus counters and gauges exposed
// by the core's components. Nothing in the core writes to the console
// directly (§7); telemetry is the one place metrics are recorded, and
// logging is left to the slog sink injected at each component's
// construction. Modeled on cuemby-warren's pkg/metrics: a package-level
// registry of typed collectors, registered once at construction and
// exercised from every hot path.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the core's single Prometheus collector set. A nil *Metrics is
// valid everywhere it's accepted — every method is a safe no-op on nil
// receiver, so components don't need to branch on whether metrics are wired.
type Metrics struct {
	OrderedDeliveryFlushed     *prometheus.CounterVec
	OrderedDeliveryDropped     *prometheus.CounterVec
	OrderedDeliveryOverflow    *prometheus.CounterVec
	OrderedDeliveryWindow      *prometheus.GaugeVec
	BreakerState               *prometheus.GaugeVec
	BreakerTrips               *prometheus.CounterVec
	LimiterDenials             *prometheus.CounterVec
	LimiterAllows              *prometheus.CounterVec
	VarietyPressure            *prometheus.GaugeVec
	VarietyOverflow            *prometheus.CounterVec
	AlgedonicSignals           *prometheus.CounterVec
	ControlLoopCycleSeconds    prometheus.Histogram
	ControlLoopEmergencyActive prometheus.Gauge
	SupervisorRestarts         *prometheus.CounterVec
}

// New constructs and registers the full metric set against reg. Pass
// prometheus.NewRegistry() in production and a fresh registry per test to
// avoid collisions between parallel test packages.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrderedDeliveryFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vsm_ordered_delivery_flushed_total",
			Help: "Events flushed to subscribers, by topic and subscriber.",
		}, []string{"topic", "subscriber"}),
		OrderedDeliveryDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vsm_ordered_delivery_dropped_total",
			Help: "Events dropped because a subscriber mailbox was unreachable.",
		}, []string{"topic", "subscriber"}),
		OrderedDeliveryOverflow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vsm_ordered_delivery_overflow_total",
			Help: "Forced partial flushes triggered by max_buffer_size.",
		}, []string{"topic", "subscriber"}),
		OrderedDeliveryWindow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vsm_ordered_delivery_window_ms",
			Help: "Current adaptive buffer window, in milliseconds.",
		}, []string{"topic", "subscriber"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vsm_circuit_breaker_state",
			Help: "Breaker state: 0=closed, 1=half_open, 2=open.",
		}, []string{"breaker"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vsm_circuit_breaker_trips_total",
			Help: "Transitions into the open state, by cause.",
		}, []string{"breaker", "cause"}),
		LimiterDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vsm_rate_limiter_denials_total",
			Help: "Requests denied by the rate limiter.",
		}, []string{"rule"}),
		LimiterAllows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vsm_rate_limiter_allows_total",
			Help: "Requests allowed by the rate limiter.",
		}, []string{"rule"}),
		VarietyPressure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vsm_variety_channel_pressure",
			Help: "Current backlog / capacity ratio, in [0,1].",
		}, []string{"from", "to"}),
		VarietyOverflow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vsm_variety_channel_overflow_total",
			Help: "Damping actions taken because capacity was exceeded.",
		}, []string{"from", "to", "policy"}),
		AlgedonicSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vsm_algedonic_signals_total",
			Help: "Pain/pleasure/scream signals routed, by kind and severity.",
		}, []string{"kind", "severity"}),
		ControlLoopCycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vsm_control_loop_cycle_seconds",
			Help:    "Duration of a full control-loop cognitive cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		ControlLoopEmergencyActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vsm_control_loop_emergency_active",
			Help: "1 while emergency mode is active, else 0.",
		}),
		SupervisorRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vsm_supervisor_restarts_total",
			Help: "Subsystem restarts performed by the supervisor.",
		}, []string{"subsystem"}),
	}

	reg.MustRegister(
		m.OrderedDeliveryFlushed, m.OrderedDeliveryDropped, m.OrderedDeliveryOverflow, m.OrderedDeliveryWindow,
		m.BreakerState, m.BreakerTrips,
		m.LimiterDenials, m.LimiterAllows,
		m.VarietyPressure, m.VarietyOverflow,
		m.AlgedonicSignals,
		m.ControlLoopCycleSeconds, m.ControlLoopEmergencyActive,
		m.SupervisorRestarts,
	)
	return m
}
