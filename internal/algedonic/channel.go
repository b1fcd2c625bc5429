// Package algedonic implements the priority pain/pleasure conduit of
// spec.md §4.6: a thin routing layer over the EventBus that applies repeat
// filtering and stamps the algedonic metadata fields (Algedonic, Intensity)
// the bus and OrderedDelivery interpret for bypass.
package algedonic

import (
	"fmt"
	"sync"
	"time"

	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/event"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/eventbus"
)

// Recorder receives telemetry about routed signals.
type Recorder interface {
	AlgedonicSignal(kind, severity string)
}

type noopRecorder struct{}

func (noopRecorder) AlgedonicSignal(string, string) {}

// DefaultRepeatWindow is the default repeat-collapse window (§4.6).
const DefaultRepeatWindow = 2 * time.Second

// Channel routes pain, pleasure, and emergency-scream signals through the
// bus's algedonic topics.
type Channel struct {
	bus          *eventbus.Bus
	repeatWindow time.Duration
	rec          Recorder
	nowFn        func() time.Time

	mu     sync.Mutex
	recent map[string]time.Time
}

// Option configures a Channel at construction.
type Option func(*Channel)

// WithRepeatWindow overrides DefaultRepeatWindow.
func WithRepeatWindow(d time.Duration) Option { return func(c *Channel) { c.repeatWindow = d } }

// New constructs a Channel over bus.
func New(bus *eventbus.Bus, rec Recorder, opts ...Option) *Channel {
	if rec == nil {
		rec = noopRecorder{}
	}
	c := &Channel{
		bus:          bus,
		repeatWindow: DefaultRepeatWindow,
		rec:          rec,
		nowFn:        time.Now,
		recent:       make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pain publishes a pain signal. source identifies the emitter (used by
// breakers to exclude self-feedback); severity drives the default
// intensity mapping unless intensity is explicitly > 0. Repeated
// (source, reason, severity) combinations below SeverityCritical are
// collapsed to one delivery per repeatWindow; critical pain is always
// delivered.
func (c *Channel) Pain(source, reason string, severity event.Severity, intensity float64, meta map[string]any) *event.Envelope {
	if !c.admit(source, reason, severity) {
		return nil
	}
	c.rec.AlgedonicSignal("pain", string(severity))
	return c.bus.Publish(event.TopicAlgedonicPain, reason, event.Metadata{
		Algedonic: true,
		Intensity: intensity,
		Priority:  severity,
		Source:    source,
		Reason:    reason,
		Extra:     meta,
	})
}

// Pleasure publishes a pleasure signal, e.g. on breaker recovery or limiter
// usage dropping back below the pleasure threshold.
func (c *Channel) Pleasure(source, reason string, severity event.Severity, meta map[string]any) *event.Envelope {
	if !c.admit(source, reason, severity) {
		return nil
	}
	c.rec.AlgedonicSignal("pleasure", string(severity))
	return c.bus.Publish(event.TopicAlgedonicPleasure, reason, event.Metadata{
		Algedonic: true,
		Intensity: severity.Intensity(),
		Priority:  severity,
		Source:    source,
		Reason:    reason,
		Extra:     meta,
	})
}

// EmergencyScream publishes a system-wide emergency_algedonic event with
// maximum intensity and scope "system_wide", bypassing repeat filtering
// entirely — it is never collapsed.
func (c *Channel) EmergencyScream(source, message string) *event.Envelope {
	c.rec.AlgedonicSignal("emergency_scream", string(event.SeverityCritical))
	return c.bus.Publish(event.TopicEmergencyAlgedonic, message, event.Metadata{
		Algedonic: true,
		Intensity: 1.0,
		Priority:  event.SeverityCritical,
		Source:    source,
		Reason:    message,
		Scope:     "system_wide",
	})
}

func (c *Channel) admit(source, reason string, severity event.Severity) bool {
	if severity == event.SeverityCritical {
		return true
	}
	key := fmt.Sprintf("%s|%s|%s", source, reason, severity)
	now := c.nowFn()

	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.recent[key]; ok && now.Sub(last) < c.repeatWindow {
		return false
	}
	c.recent[key] = now
	return true
}
