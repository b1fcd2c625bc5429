package telemetry

// The methods below let every component call telemetry unconditionally —
// a nil *Metrics (the zero value used when a collaborator hasn't wired a
// registry) makes every call a no-op instead of forcing nil checks at every
// call site.

func (m *Metrics) FlushedEvents(topic, subscriber string, n int) {
	if m == nil {
		return
	}
	m.OrderedDeliveryFlushed.WithLabelValues(topic, subscriber).Add(float64(n))
}

func (m *Metrics) DroppedEvent(topic, subscriber string) {
	if m == nil {
		return
	}
	m.OrderedDeliveryDropped.WithLabelValues(topic, subscriber).Inc()
}

func (m *Metrics) BufferOverflow(topic, subscriber string) {
	if m == nil {
		return
	}
	m.OrderedDeliveryOverflow.WithLabelValues(topic, subscriber).Inc()
}

func (m *Metrics) WindowAdjusted(topic, subscriber string, windowMS int64) {
	if m == nil {
		return
	}
	m.OrderedDeliveryWindow.WithLabelValues(topic, subscriber).Set(float64(windowMS))
}

func (m *Metrics) SetBreakerState(breaker string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(breaker).Set(float64(state))
}

func (m *Metrics) BreakerTripped(breaker, cause string) {
	if m == nil {
		return
	}
	m.BreakerTrips.WithLabelValues(breaker, cause).Inc()
}

func (m *Metrics) LimiterDenied(rule string) {
	if m == nil {
		return
	}
	m.LimiterDenials.WithLabelValues(rule).Inc()
}

func (m *Metrics) LimiterAllowed(rule string) {
	if m == nil {
		return
	}
	m.LimiterAllows.WithLabelValues(rule).Inc()
}

func (m *Metrics) SetVarietyPressure(from, to string, pressure float64) {
	if m == nil {
		return
	}
	m.VarietyPressure.WithLabelValues(from, to).Set(pressure)
}

func (m *Metrics) VarietyDamped(from, to, policy string) {
	if m == nil {
		return
	}
	m.VarietyOverflow.WithLabelValues(from, to, policy).Inc()
}

func (m *Metrics) AlgedonicSignal(kind, severity string) {
	if m == nil {
		return
	}
	m.AlgedonicSignals.WithLabelValues(kind, severity).Inc()
}

func (m *Metrics) ObserveCycle(seconds float64) {
	if m == nil {
		return
	}
	m.ControlLoopCycleSeconds.Observe(seconds)
}

func (m *Metrics) SetEmergencyActive(active bool) {
	if m == nil {
		return
	}
	v := 0.0
	if active {
		v = 1.0
	}
	m.ControlLoopEmergencyActive.Set(v)
}

func (m *Metrics) SubsystemRestarted(subsystem string) {
	if m == nil {
		return
	}
	m.SupervisorRestarts.WithLabelValues(subsystem).Inc()
}
