package vsm

import (
	"context"
	"testing"
	"time"

	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/algedonic"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/event"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/eventbus"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/hlc"
)

func newCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func TestS1ThrottleCommandAppliesToIngest(t *testing.T) {
	bus := eventbus.New(hlc.New("node-1"), nil)
	pain := algedonic.New(bus, nil)
	s1 := NewS1(newCtx(t), bus, pain)

	bus.Publish(event.TopicS3Control, ControlCommand{Kind: "throttle", Params: map[string]any{"factor": 0.5}}, event.Metadata{})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && s1.Throttle() != 0.5 {
		time.Sleep(5 * time.Millisecond)
	}
	if s1.Throttle() != 0.5 {
		t.Fatalf("expected throttle 0.5, got %v", s1.Throttle())
	}
}

func TestS1ToS2ToS3Pipeline(t *testing.T) {
	bus := eventbus.New(hlc.New("node-1"), nil)
	pain := algedonic.New(bus, nil)
	ctx := newCtx(t)
	s1 := NewS1(ctx, bus, pain)
	_ = NewS2(ctx, bus, pain, 8)
	s3 := NewS3(ctx, bus, pain)

	for i := 0; i < 10; i++ {
		s1.Ingest(float64(i%2)*10-5, "test")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s3.Status().Detail["damping_factor"] != 0.0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected S3 to receive a non-zero damping factor through S1→S2→S3")
}

func TestS4ConfidenceFiltering(t *testing.T) {
	bus := eventbus.New(hlc.New("node-1"), nil)
	pain := algedonic.New(bus, nil)
	s4 := NewS4(newCtx(t), bus, pain, nil, DefaultS4Options())

	bus.Publish(event.TopicS4EnvironmentalSignal, EnvironmentalSignal{
		PatternType: "latency_spike",
		Confidence:  0.2, // below default threshold, should be dropped
		Severity:    event.SeverityHigh,
	}, event.Metadata{})
	bus.Publish(event.TopicS4EnvironmentalSignal, EnvironmentalSignal{
		PatternType: "latency_spike",
		Confidence:  0.9,
		Severity:    event.SeverityHigh,
	}, event.Metadata{})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s4.PatternCounts()["latency_spike"] == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected exactly one counted pattern, got %v", s4.PatternCounts())
}

func TestS4EmergencyModeOnHighUrgency(t *testing.T) {
	bus := eventbus.New(hlc.New("node-1"), nil)
	pain := algedonic.New(bus, nil)
	s4 := NewS4(newCtx(t), bus, pain, nil, DefaultS4Options())

	bus.Publish(event.TopicS4EnvironmentalSignal, EnvironmentalSignal{
		PatternType: "cascading_error",
		Confidence:  0.95,
		Severity:    event.SeverityCritical,
		Urgency:     0.85,
	}, event.Metadata{})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s4.Strategy().Mode == "emergency" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected emergency mode at urgency 0.85 (>= EmergencyThreshold 0.8)")
}

func TestS5ValidateGoalAndApproveAction(t *testing.T) {
	bus := eventbus.New(hlc.New("node-1"), nil)
	pain := algedonic.New(bus, nil)
	s5 := NewS5(newCtx(t), bus, pain)

	if !s5.ValidateGoal(0.6) || s5.ValidateGoal(0.4) {
		t.Fatal("goal validation threshold mismatch")
	}
	if !s5.ApproveAction(0.7) || s5.ApproveAction(0.5) {
		t.Fatal("action approval threshold mismatch")
	}
}

func TestS5RejectsOutOfRangeCoreValue(t *testing.T) {
	bus := eventbus.New(hlc.New("node-1"), nil)
	pain := algedonic.New(bus, nil)
	s5 := NewS5(newCtx(t), bus, pain)

	if err := s5.SetCoreValues(map[string]float64{"safety": 1.5}); err == nil {
		t.Fatal("expected out-of-range core value to be rejected")
	}
}

func TestS5CriticalThreatForcesEmergencyTopic(t *testing.T) {
	bus := eventbus.New(hlc.New("node-1"), nil)
	pain := algedonic.New(bus, nil)
	s5 := NewS5(newCtx(t), bus, pain)

	sub := bus.Subscribe(newCtx(t), event.TopicVSMViabilityThreat, "test-sub", eventbus.DefaultOptions())
	s5.ReactToViabilityThreat(event.SeverityCritical, "resource_exhaustion")

	select {
	case d := <-sub.Recv():
		if d.Single == nil {
			t.Fatal("expected a viability threat envelope")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for viability threat publication")
	}
}
