package vsm

import (
	"context"
	"sync"

	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/algedonic"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/event"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/eventbus"
)

// S2 is the Coordination worker: consumes S1's variety, detects
// oscillations, computes a damping factor, and publishes s2_coordination.
type S2 struct {
	bus    *eventbus.Bus
	pain   *algedonic.Channel
	window *oscillationWindow
	sub    *eventbus.Subscription

	mu   sync.Mutex
	last CoordinationData
}

// NewS2 constructs and starts the S2 worker. windowSize bounds how many
// recent S1 samples the oscillation detector retains.
func NewS2(ctx context.Context, bus *eventbus.Bus, pain *algedonic.Channel, windowSize int) *S2 {
	w := &S2{
		bus:    bus,
		pain:   pain,
		window: newOscillationWindow(windowSize),
	}
	opts := eventbus.DefaultOptions()
	opts.MailboxSize = 256
	w.sub = bus.Subscribe(ctx, event.TopicS1Operations, "s2:ingest", opts)
	go w.consume()
	return w
}

func (w *S2) consume() {
	for {
		select {
		case <-w.sub.Done():
			return
		case d := <-w.sub.Recv():
			for _, env := range deliveredEnvelopes(d) {
				op, ok := env.Data.(OperationalEvent)
				if !ok {
					continue
				}
				data := w.window.add(op.Value)
				w.mu.Lock()
				w.last = data
				w.mu.Unlock()
				w.bus.Publish(event.TopicS2Coordination, data, event.Metadata{})
				if data.OscillationDetected && data.DampingFactor > 0.8 && w.pain != nil {
					w.pain.Pain("s2_coordination", "sustained_oscillation", event.SeverityMedium, data.DampingFactor, nil)
				}
			}
		}
	}
}

// Status implements the generic query API.
func (w *S2) Status() Status {
	w.mu.Lock()
	last := w.last
	w.mu.Unlock()
	return Status{
		Name:    "s2_coordination",
		Healthy: true,
		Detail: map[string]any{
			"damping_factor":       last.DampingFactor,
			"oscillation_detected": last.OscillationDetected,
			"dominant_frequency":   last.DominantFrequency,
		},
	}
}
