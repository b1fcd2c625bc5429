package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/algedonic"
	coreerrors "github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/errors"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/event"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/eventbus"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/hlc"
)

func newTestBreaker(t *testing.T, name string) (*Breaker, *eventbus.Bus, context.CancelFunc) {
	t.Helper()
	bus := eventbus.New(hlc.New("node-1"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	pain := algedonic.New(bus, nil)
	opts := DefaultOptions()
	opts.MaxFailures = 3
	opts.PainWindow = time.Second
	return New(ctx, name, opts, bus, pain, nil), bus, cancel
}

func TestCallClosedAllowsSuccess(t *testing.T) {
	b, _, cancel := newTestBreaker(t, "svc-a")
	defer cancel()

	if err := b.Call(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.GetState() != StateClosed {
		t.Fatalf("expected closed, got %v", b.GetState())
	}
}

func TestCallTripsOnConsecutiveFailures(t *testing.T) {
	b, _, cancel := newTestBreaker(t, "svc-b")
	defer cancel()

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = b.Call(func() error { return boom })
	}

	if err := b.Call(func() error { return nil }); !errors.Is(err, coreerrors.ErrCircuitOpen) {
		t.Fatalf("expected circuit open after consecutive failures, got %v", err)
	}
}

func TestCriticalPainForcesOpenWithoutFailures(t *testing.T) {
	b, bus, cancel := newTestBreaker(t, "svc-c")
	defer cancel()

	bus.Publish(event.TopicAlgedonicPain, "disk_full", event.Metadata{
		Algedonic: true,
		Priority:  event.SeverityCritical,
		Source:    "other-subsystem",
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if b.GetState() == StateOpen {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected breaker to be forced open by critical pain")
}

func TestSelfPainExcluded(t *testing.T) {
	b, bus, cancel := newTestBreaker(t, "svc-d")
	defer cancel()

	bus.Publish(event.TopicAlgedonicPain, "self_report", event.Metadata{
		Algedonic: true,
		Priority:  event.SeverityCritical,
		Source:    "svc-d",
	})

	time.Sleep(100 * time.Millisecond)
	if b.GetState() == StateOpen {
		t.Fatal("breaker should ignore its own pain emissions")
	}
}

func TestEmergencyScreamForcesOpenIndependentOfOwnPain(t *testing.T) {
	b, bus, cancel := newTestBreaker(t, "svc-e")
	defer cancel()

	bus.Publish(event.TopicEmergencyAlgedonic, "cascading_failure", event.Metadata{
		Algedonic: true,
		Priority:  event.SeverityCritical,
		Source:    "other-subsystem",
		Scope:     "system_wide",
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if b.GetState() == StateOpen {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected emergency scream to force the breaker open")
}

func TestPainScopedToGuardedServiceDoesNotCascade(t *testing.T) {
	bus := eventbus.New(hlc.New("node-1"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pain := algedonic.New(bus, nil)
	opts := DefaultOptions()
	opts.MaxFailures = 3
	opts.PainWindow = time.Second

	api := New(ctx, "api", opts, bus, pain, nil)
	db := New(ctx, "db", opts, bus, pain, nil)
	cache := New(ctx, "cache", opts, bus, pain, nil)

	bus.Publish(event.TopicAlgedonicPain, "connection_pool_exhausted", event.Metadata{
		Algedonic: true,
		Priority:  event.SeverityCritical,
		Source:    "health_monitor",
		Extra:     map[string]any{"service": "db"},
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && db.GetState() != StateOpen {
		time.Sleep(5 * time.Millisecond)
	}
	if db.GetState() != StateOpen {
		t.Fatal("expected db breaker to be forced open by pain scoped to it")
	}
	// Give api/cache a chance to (incorrectly) react before asserting they didn't.
	time.Sleep(50 * time.Millisecond)
	if api.GetState() == StateOpen {
		t.Fatal("pain scoped to db should not cascade into the api breaker")
	}
	if cache.GetState() == StateOpen {
		t.Fatal("pain scoped to db should not cascade into the cache breaker")
	}
}

func TestForceOpenIsIdempotent(t *testing.T) {
	b, _, cancel := newTestBreaker(t, "svc-f")
	defer cancel()

	b.ForceOpen("manual")
	b.ForceOpen("manual")
	if b.GetState() != StateOpen {
		t.Fatal("expected open after ForceOpen")
	}
}
