package vsm

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/algedonic"
	coreerrors "github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/errors"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/event"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/eventbus"
)

const (
	goalAlignmentThreshold  = 0.5
	actionApprovalThreshold = 0.6
)

// S5 is the Policy worker: owns core values, validates strategic goals and
// proposed actions, and reacts to viability threats by publishing a
// PolicyDirective — forcing emergency mode via TopicVSMViabilityThreat for
// critical threats, which ControlLoop subscribes to (§4.9).
type S5 struct {
	bus  *eventbus.Bus
	pain *algedonic.Channel

	mu         sync.Mutex
	coreValues map[string]float64
}

// NewS5 constructs the S5 worker. Unlike S1-S4, S5 has no standing
// subscription of its own in the base design — it is invoked directly by
// ControlLoop's cognitive cycle and by the operator surface — but it still
// reacts to algedonic pain per §4.8, via the pain subscription started
// here; S5 does not subscribe to pleasure.
func NewS5(ctx context.Context, bus *eventbus.Bus, pain *algedonic.Channel) *S5 {
	w := &S5{
		bus:        bus,
		pain:       pain,
		coreValues: make(map[string]float64),
	}
	opts := eventbus.DefaultOptions()
	opts.MailboxSize = 64
	painSub := bus.Subscribe(ctx, event.TopicAlgedonicPain, "s5:pain", opts)
	go w.consumePain(painSub)
	return w
}

func (w *S5) consumePain(sub *eventbus.Subscription) {
	for {
		select {
		case <-sub.Done():
			return
		case d := <-sub.Recv():
			for _, env := range deliveredEnvelopes(d) {
				if env.Metadata.Priority == event.SeverityCritical {
					w.ReactToViabilityThreat(event.SeverityCritical, env.Metadata.Reason)
				}
			}
		}
	}
}

// SetCoreValues validates and installs core value weights, each required
// to be in [0,1].
func (w *S5) SetCoreValues(values map[string]float64) error {
	for k, v := range values {
		if v < 0 || v > 1 {
			return fmt.Errorf("core value %q = %v out of [0,1]: %w", k, v, coreerrors.ErrInvalidInput)
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, v := range values {
		w.coreValues[k] = v
	}
	return nil
}

// CoreValues returns a copy of the current core value weights.
func (w *S5) CoreValues() map[string]float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]float64, len(w.coreValues))
	for k, v := range w.coreValues {
		out[k] = v
	}
	return out
}

// ValidateGoal reports whether a strategic goal's alignment score clears
// the approval bar.
func (w *S5) ValidateGoal(alignment float64) bool { return alignment >= goalAlignmentThreshold }

// ApproveAction reports whether a proposed action's score clears the
// approval bar.
func (w *S5) ApproveAction(score float64) bool { return score >= actionApprovalThreshold }

// ReactToViabilityThreat publishes a PolicyDirective and, for critical
// severity, additionally publishes on TopicVSMViabilityThreat to force
// ControlLoop into emergency mode.
func (w *S5) ReactToViabilityThreat(severity event.Severity, reason string) {
	w.bus.Publish(event.TopicS3Control, PolicyDirective{
		Reason:    reason,
		Directive: "policy_directive",
	}, event.Metadata{Priority: severity, Reason: reason, Source: "s5_policy"})

	if severity == event.SeverityCritical {
		w.bus.Publish(event.TopicVSMViabilityThreat, PolicyDirective{
			Reason:         reason,
			Directive:      "force_emergency_mode",
			ForceEmergency: true,
		}, event.Metadata{Algedonic: true, Priority: severity, Reason: reason, Source: "s5_policy"})
	}
}

// Status implements the generic query API.
func (w *S5) Status() Status {
	return Status{Name: "s5_policy", Healthy: true, Detail: map[string]any{"core_values": w.CoreValues()}}
}
