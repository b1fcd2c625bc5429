package vsm

import (
	"context"
	"sync"

	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/algedonic"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/event"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/eventbus"
)

// S3 is the Control worker: consumes S2's coordination data, enforces
// resource policy by issuing throttle commands back to S1, and maintains
// per-subsystem health scores for ControlLoop's health polling.
type S3 struct {
	bus  *eventbus.Bus
	pain *algedonic.Channel
	sub  *eventbus.Subscription

	mu     sync.Mutex
	health map[string]float64
	last   CoordinationData
}

// NewS3 constructs and starts the S3 worker.
func NewS3(ctx context.Context, bus *eventbus.Bus, pain *algedonic.Channel) *S3 {
	w := &S3{
		bus:    bus,
		pain:   pain,
		health: make(map[string]float64),
	}
	opts := eventbus.DefaultOptions()
	opts.MailboxSize = 256
	w.sub = bus.Subscribe(ctx, event.TopicS2Coordination, "s3:ingest", opts)
	go w.consume()
	return w
}

func (w *S3) consume() {
	for {
		select {
		case <-w.sub.Done():
			return
		case d := <-w.sub.Recv():
			for _, env := range deliveredEnvelopes(d) {
				coord, ok := env.Data.(CoordinationData)
				if !ok {
					continue
				}
				w.mu.Lock()
				w.last = coord
				w.mu.Unlock()

				// Resource policy: translate S2's damping factor directly into
				// S1's throttle factor — the more oscillatory the upstream
				// variety, the harder S1 is throttled.
				factor := 1 - coord.DampingFactor
				w.bus.Publish(event.TopicS3Control, ControlCommand{
					Kind:   "throttle",
					Params: map[string]any{"factor": factor},
				}, event.Metadata{})
			}
		}
	}
}

// UpdateHealth records a subsystem's latest health score, called by
// ControlLoop after each liveness/status poll.
func (w *S3) UpdateHealth(subsystem string, score float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.health[subsystem] = score
}

// HealthScores returns a copy of the current per-subsystem health map.
func (w *S3) HealthScores() map[string]float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]float64, len(w.health))
	for k, v := range w.health {
		out[k] = v
	}
	return out
}

// Status implements the generic query API.
func (w *S3) Status() Status {
	scores := w.HealthScores()
	w.mu.Lock()
	damping := w.last.DampingFactor
	w.mu.Unlock()
	return Status{
		Name:    "s3_control",
		Healthy: true,
		Detail: map[string]any{
			"damping_factor": damping,
			"health_scores":  scores,
		},
	}
}
