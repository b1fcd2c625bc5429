// Package vsm implements the five VSM subsystem workers of spec.md §4.8:
// long-lived actors, each owning its own mutable state and consuming the
// EventBus topics that connect adjacent layers.
package vsm

import "github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/event"

// OperationalEvent is S1's variety output: absorbed environmental input,
// published on TopicS1Operations.
type OperationalEvent struct {
	Value  float64
	Source string
}

// CoordinationData is S2's output, published on TopicS2Coordination.
type CoordinationData struct {
	DampingFactor       float64
	OscillationDetected bool
	DominantFrequency   float64
	SampleCount         int
}

// ControlCommand flows S3 → S1 (throttling) on TopicS3Control.
// variety.Channel's channel_capacity_change envelopes on the same topic
// carry a plain map, not a ControlCommand.
type ControlCommand struct {
	Kind   string
	Params map[string]any
}

// EnvironmentalSignal is S4's input, carried on TopicS4EnvironmentalSignal
// and TopicPatternDetected.
type EnvironmentalSignal struct {
	PatternType string
	Confidence  float64
	Severity    event.Severity
	Urgency     float64
	Data        any
	Vector      []float32 // optional embedding for VectorStore persistence
}

// Strategy is S4's adaptive response posture.
type Strategy struct {
	MonitoringIntensity string // "baseline" | "elevated" | "maximum"
	Horizon             string // "long_term" | "short_term"
	AlertThreshold      float64
	Mode                string // "normal" | "emergency"
	AlgedonicBypass     bool
}

// PolicyDirective is S5's output on a viability threat or goal/action
// review, published on TopicS3Control and, when critical, forces
// emergency mode via TopicVSMViabilityThreat.
type PolicyDirective struct {
	Reason         string
	Directive      string
	ForceEmergency bool
}

// Status is the generic query-API shape every worker exposes.
type Status struct {
	Name    string
	Healthy bool
	Detail  map[string]any
}
