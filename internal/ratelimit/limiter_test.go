package ratelimit

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

func newTestLimiter(t *testing.T) (*Limiter, *eventbus.Bus, context.CancelFunc) {
	t.Helper()
	bus := eventbus.New(hlc.New("node-1"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	pain := algedonic.New(bus, nil)
	opts := DefaultOptions()
	opts.AdaptationInterval = time.Hour // disable ticking mid-test
	l := New(ctx, opts, bus, pain, nil, nil, nil)
	l.AddRule(Rule{Name: "s1_ingest", WindowMS: 1000, MaxRequests: 5, MinRequests: 1, NumBuckets: 10})
	return l, bus, cancel
}

func TestCheckAndTrackAllowsUnderLimit(t *testing.T) {
	l, _, cancel := newTestLimiter(t)
	defer cancel()
	defer l.Close()

	for i := 0; i < 5; i++ {
		ok, usage, err := l.CheckAndTrack(context.Background(), "client-a", "s1_ingest", 1)
		if err != nil || !ok {
			t.Fatalf("request %d: expected allowed, got ok=%v err=%v usage=%#v", i, ok, err, usage)
		}
	}
}

func TestCheckAndTrackDeniesOverLimit(t *testing.T) {
	l, _, cancel := newTestLimiter(t)
	defer cancel()
	defer l.Close()

	for i := 0; i < 5; i++ {
		_, _, _ = l.CheckAndTrack(context.Background(), "client-b", "s1_ingest", 1)
	}
	ok, _, err := l.CheckAndTrack(context.Background(), "client-b", "s1_ingest", 1)
	if ok || !errors.Is(err, coreerrors.ErrRateLimited) {
		t.Fatalf("expected rate_limited, got ok=%v err=%v", ok, err)
	}
}

func TestUnknownRuleReturnsInvalidInput(t *testing.T) {
	l, _, cancel := newTestLimiter(t)
	defer cancel()
	defer l.Close()

	_, _, err := l.CheckAndTrack(context.Background(), "client-c", "no_such_rule", 1)
	if !errors.Is(err, coreerrors.ErrInvalidInput) {
		t.Fatalf("expected invalid_input, got %v", err)
	}
}

// TestSlidingWindowScenario5 reproduces spec.md §8 scenario 5 exactly:
// five checks at t=[0,100,200,300,400] all ok, a sixth at t=500
// rate_limited, and a seventh at t=1050 ok again once the t=0 event has
// fully aged out of the trailing 1000ms window.
func TestSlidingWindowScenario5(t *testing.T) {
	bus := eventbus.New(hlc.New("node-1"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pain := algedonic.New(bus, nil)

	base := time.Now()
	var cur time.Duration
	opts := DefaultOptions()
	opts.AdaptationInterval = time.Hour
	opts.nowFn = func() time.Time { return base.Add(cur) }

	l := New(ctx, opts, bus, pain, nil, nil, nil)
	defer l.Close()
	l.AddRule(Rule{Name: "s1_ingest", WindowMS: 1000, MaxRequests: 5, MinRequests: 1, NumBuckets: 10})

	for _, ms := range []int64{0, 100, 200, 300, 400} {
		cur = time.Duration(ms) * time.Millisecond
		ok, _, err := l.CheckAndTrack(context.Background(), "client-a", "s1_ingest", 1)
		if err != nil || !ok {
			t.Fatalf("t=%dms: expected allowed, got ok=%v err=%v", ms, ok, err)
		}
	}

	cur = 500 * time.Millisecond
	if ok, _, err := l.CheckAndTrack(context.Background(), "client-a", "s1_ingest", 1); ok || !errors.Is(err, coreerrors.ErrRateLimited) {
		t.Fatalf("t=500ms: expected rate_limited, got ok=%v err=%v", ok, err)
	}

	cur = 1050 * time.Millisecond
	if ok, _, err := l.CheckAndTrack(context.Background(), "client-a", "s1_ingest", 1); err != nil || !ok {
		t.Fatalf("t=1050ms: expected allowed once t=0 aged out, got ok=%v err=%v", ok, err)
	}
}

func TestCriticalPainScalesLimitDown(t *testing.T) {
	l, bus, cancel := newTestLimiter(t)
	defer cancel()
	defer l.Close()

	bus.Publish(event.TopicAlgedonicPain, "upstream_overload", event.Metadata{
		Algedonic: true,
		Priority:  event.SeverityCritical,
		Source:    "other-subsystem",
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		l.mu.RLock()
		rs := l.rules["s1_ingest"]
		l.mu.RUnlock()
		rs.mu.Lock()
		cur := rs.effectiveMax
		rs.mu.Unlock()
		if cur < 5 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected critical pain to scale the rule's effective max down")
}
