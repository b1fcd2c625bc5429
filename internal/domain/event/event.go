// Package event defines the typed core entity passed between every
// subsystem and through the EventBus: a sum type of the well-known VSM
// event shapes plus a Generic escape hatch for forward-compatibility with
// topics the core doesn't yet know about, as the teacher's Eventer /
// Exportable duo does for transport events.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/hlc"
)

// Topic identifies a pub/sub channel. The set enumerated below is the
// external contract of §4.2 — closed for the spec's own purposes, but open
// to new values as long as they don't collide with these.
type Topic string

const (
	TopicAlgedonicPain           Topic = "algedonic_pain"
	TopicAlgedonicPleasure       Topic = "algedonic_pleasure"
	TopicEmergencyAlgedonic      Topic = "emergency_algedonic"
	TopicS1Operations            Topic = "s1_operations"
	TopicS2Coordination          Topic = "s2_coordination"
	TopicS3Control               Topic = "s3_control"
	TopicS4EnvironmentalSignal   Topic = "s4_environmental_signal"
	TopicPatternDetected         Topic = "pattern_detected"
	TopicTemporalPatternDetected Topic = "temporal_pattern_detected"
	TopicPatternsIndexed         Topic = "patterns_indexed"
	TopicVSMAlgedonic            Topic = "vsm_algedonic"
	TopicVSMViabilityThreat      Topic = "vsm_viability_threat"
)

// Severity is the coarse pain/pleasure intensity classification used at the
// algedonic boundary. The exact numeric mapping is an explicit Open
// Question in spec.md §9: this implementation fixes
// critical=1.0, high=0.8, medium=0.5, low=0.2.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Intensity maps a Severity onto the [0,1] scale the bus and breakers use.
// Unknown severities map to 0, letting callers fall back to an explicit
// Metadata.Intensity instead.
func (s Severity) Intensity() float64 {
	switch s {
	case SeverityCritical:
		return 1.0
	case SeverityHigh:
		return 0.8
	case SeverityMedium:
		return 0.5
	case SeverityLow:
		return 0.2
	default:
		return 0
	}
}

// Metadata carries the fields the bus itself interprets (Algedonic,
// Intensity) plus the contextual fields breakers, limiters, and the
// algedonic channel use to classify and de-duplicate signals.
type Metadata struct {
	Algedonic   bool
	Intensity   float64
	Urgency     float64
	Priority    Severity
	Source      string
	Reason      string
	Scope       string // e.g. "system_wide" for emergency_scream fan-out
	FromCluster bool   // set on events replicated in from another node; never re-replicated
	Extra       map[string]any
}

// EffectiveIntensity resolves Metadata.Intensity, falling back to the
// Severity→intensity mapping when Intensity is unset (zero value).
func (m Metadata) EffectiveIntensity() float64 {
	if m.Intensity > 0 {
		return m.Intensity
	}
	return m.Priority.Intensity()
}

// Envelope is the immutable, globally unique unit of data flowing through
// the EventBus. Its ID is a content hash combined with the HLC, which is
// itself unique per node — so IDs are globally unique given unique node IDs.
type Envelope struct {
	ID       string
	Topic    Topic
	Data     any
	HLC      hlc.Timestamp
	Metadata Metadata
}

// NewEnvelope stamps data for topic with the given HLC and computes its ID.
func NewEnvelope(topic Topic, data any, ts hlc.Timestamp, meta Metadata) *Envelope {
	e := &Envelope{
		Topic:    topic,
		Data:     data,
		HLC:      ts,
		Metadata: meta,
	}
	e.ID = contentID(topic, data, ts)
	return e
}

func contentID(topic Topic, data any, ts hlc.Timestamp) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%v|%s", topic, data, ts.String())
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// SubsystemKind enumerates the five VSM layers.
type SubsystemKind string

const (
	S1 SubsystemKind = "S1"
	S2 SubsystemKind = "S2"
	S3 SubsystemKind = "S3"
	S4 SubsystemKind = "S4"
	S5 SubsystemKind = "S5"
)

// VSMEventType enumerates the typed payloads a subsystem may emit. Generic
// is the forward-compatibility escape hatch for topics not yet modeled as a
// dedicated Go type — the statically typed analogue of the source's
// untyped maps and runtime atoms.
type VSMEventType string

const (
	EventOperationStarted     VSMEventType = "operation_started"
	EventPatternDetected      VSMEventType = "pattern_detected"
	EventCoordinationConflict VSMEventType = "coordination_conflict"
	EventControlCommand       VSMEventType = "control_command"
	EventPolicyDirective      VSMEventType = "policy_directive"
	EventAlgedonicPain        VSMEventType = "algedonic_pain"
	EventAlgedonicPleasure    VSMEventType = "algedonic_pleasure"
	EventGeneric              VSMEventType = "generic"
)

// VSMEvent is the typed core entity passed between subsystems, per spec §3.
type VSMEvent struct {
	ID        uuid.UUID
	Subsystem SubsystemKind
	Type      VSMEventType
	Data      any
	HLC       hlc.Timestamp
	CreatedAt time.Time
}

// NewVSMEvent stamps a new event with a fresh UUID and wall-clock CreatedAt.
func NewVSMEvent(subsystem SubsystemKind, typ VSMEventType, data any, ts hlc.Timestamp) VSMEvent {
	return VSMEvent{
		ID:        uuid.New(),
		Subsystem: subsystem,
		Type:      typ,
		Data:      data,
		HLC:       ts,
		CreatedAt: time.Now(),
	}
}
