package controlloop

import (
	"context"
	"testing"
	"time"

	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/algedonic"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/event"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/eventbus"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/hlc"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/vsm"
)

func newCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func newTestLoop(t *testing.T, opts Options) (*ControlLoop, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(hlc.New("node-1"), nil)
	pain := algedonic.New(bus, nil)
	ctx := newCtx(t)
	workers := Workers{
		S1: vsm.NewS1(ctx, bus, pain),
		S2: vsm.NewS2(ctx, bus, pain, 8),
		S3: vsm.NewS3(ctx, bus, pain),
		S4: vsm.NewS4(ctx, bus, pain, nil, vsm.DefaultS4Options()),
		S5: vsm.NewS5(ctx, bus, pain),
	}
	loop := New(ctx, bus, pain, workers, opts, nil)
	t.Cleanup(loop.Stop)
	return loop, bus
}

func TestTriggerControlCycleUpdatesStatus(t *testing.T) {
	opts := DefaultOptions()
	opts.CycleMS = time.Hour.Milliseconds() // disable ticking; drive manually
	loop, _ := newTestLoop(t, opts)

	loop.TriggerControlCycle()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		st := loop.GetSystemStatus()
		if len(st.Subsystem) == 5 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected all five subsystems polled after a triggered cycle")
}

func TestCriticalViabilityThreatEnablesEmergencyMode(t *testing.T) {
	opts := DefaultOptions()
	opts.CycleMS = time.Hour.Milliseconds()
	loop, bus := newTestLoop(t, opts)

	bus.Publish(event.TopicVSMViabilityThreat, "resource_exhaustion", event.Metadata{
		Priority: event.SeverityCritical, Reason: "resource_exhaustion",
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !loop.EmergencyActive() {
		time.Sleep(5 * time.Millisecond)
	}
	if !loop.EmergencyActive() {
		t.Fatal("expected emergency mode after critical viability threat")
	}
}

func TestEmergencyAlgedonicScreamEnablesEmergencyMode(t *testing.T) {
	opts := DefaultOptions()
	opts.CycleMS = time.Hour.Milliseconds()
	loop, bus := newTestLoop(t, opts)

	bus.Publish(event.TopicEmergencyAlgedonic, "operator_triggered", event.Metadata{
		Algedonic: true, Priority: event.SeverityCritical, Scope: "system_wide",
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !loop.EmergencyActive() {
		time.Sleep(5 * time.Millisecond)
	}
	if !loop.EmergencyActive() {
		t.Fatal("expected emergency mode after emergency_algedonic scream")
	}
}

func TestEnableDisableEmergencyModeIsIdempotent(t *testing.T) {
	opts := DefaultOptions()
	opts.CycleMS = time.Hour.Milliseconds()
	loop, _ := newTestLoop(t, opts)

	loop.EnableEmergencyMode("manual")
	loop.EnableEmergencyMode("manual_again")
	if !loop.EmergencyActive() {
		t.Fatal("expected emergency mode active")
	}
	loop.DisableEmergencyMode()
	loop.DisableEmergencyMode()
	if loop.EmergencyActive() {
		t.Fatal("expected emergency mode cleared")
	}
}

func TestEmergencyOnStartOption(t *testing.T) {
	opts := DefaultOptions()
	opts.CycleMS = time.Hour.Milliseconds()
	opts.EmergencyOnStart = true
	loop, _ := newTestLoop(t, opts)

	if !loop.EmergencyActive() {
		t.Fatal("expected emergency mode active at construction")
	}
}
