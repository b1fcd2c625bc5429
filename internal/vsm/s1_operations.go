package vsm

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/algedonic"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/event"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/eventbus"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/ordereddelivery"
)

// atomicFloat64 stores a float64 behind an atomic.Uint64 bit pattern —
// the field is accessed from the worker's own loop goroutine and from
// Status()/Ingest() callers concurrently.
type atomicFloat64 struct{ bits atomic.Uint64 }

func newAtomicFloat64(v float64) *atomicFloat64 {
	a := &atomicFloat64{}
	a.store(v)
	return a
}
func (a *atomicFloat64) store(v float64) { a.bits.Store(math.Float64bits(v)) }
func (a *atomicFloat64) load() float64   { return math.Float64frombits(a.bits.Load()) }

// S1 is the Operations worker: absorbs environmental variety, applies
// throttling commands from S3, and publishes s1_operations variety.
type S1 struct {
	bus      *eventbus.Bus
	pain     *algedonic.Channel
	throttle *atomicFloat64 // 1.0 = unthrottled, 0.0 = fully throttled

	cmdSub  *eventbus.Subscription
	painSub *eventbus.Subscription
	pleaSub *eventbus.Subscription
}

// NewS1 constructs and starts the S1 worker.
func NewS1(ctx context.Context, bus *eventbus.Bus, pain *algedonic.Channel) *S1 {
	w := &S1{
		bus:      bus,
		pain:     pain,
		throttle: newAtomicFloat64(1.0),
	}
	opts := eventbus.DefaultOptions()
	opts.MailboxSize = 128
	w.cmdSub = bus.Subscribe(ctx, event.TopicS3Control, "s1:commands", opts)
	w.painSub = bus.Subscribe(ctx, event.TopicAlgedonicPain, "s1:pain", opts)
	w.pleaSub = bus.Subscribe(ctx, event.TopicAlgedonicPleasure, "s1:pleasure", opts)
	go w.consumeCommands()
	go w.consumeAlgedonic(w.painSub, true)
	go w.consumeAlgedonic(w.pleaSub, false)
	return w
}

// Ingest absorbs one unit of environmental variety, applying the current
// throttle factor, and publishes the resulting operational event.
func (w *S1) Ingest(value float64, source string) *event.Envelope {
	effective := value * w.throttle.load()
	return w.bus.Publish(event.TopicS1Operations, OperationalEvent{Value: effective, Source: source}, event.Metadata{})
}

func (w *S1) consumeCommands() {
	for {
		select {
		case <-w.cmdSub.Done():
			return
		case d := <-w.cmdSub.Recv():
			for _, env := range deliveredEnvelopes(d) {
				cmd, ok := env.Data.(ControlCommand)
				if !ok || cmd.Kind != "throttle" {
					continue
				}
				if f, ok := cmd.Params["factor"].(float64); ok {
					if f < 0 {
						f = 0
					}
					if f > 1 {
						f = 1
					}
					w.throttle.store(f)
				}
			}
		}
	}
}

func (w *S1) consumeAlgedonic(sub *eventbus.Subscription, isPain bool) {
	for {
		select {
		case <-sub.Done():
			return
		case d := <-sub.Recv():
			for range deliveredEnvelopes(d) {
				if isPain {
					// Back off by a fixed 0.8x per pain signal, whatever its
					// intensity; never below 0.1 so the subsystem keeps making
					// forward progress.
					cur := w.throttle.load() * 0.8
					if cur < 0.1 {
						cur = 0.1
					}
					w.throttle.store(cur)
				} else {
					cur := w.throttle.load() * 1.1
					if cur > 1 {
						cur = 1
					}
					w.throttle.store(cur)
				}
			}
		}
	}
}

// Throttle reports the current throttling factor in [0,1].
func (w *S1) Throttle() float64 { return w.throttle.load() }

// Status implements the generic query API.
func (w *S1) Status() Status {
	return Status{Name: "s1_operations", Healthy: true, Detail: map[string]any{"throttle": w.throttle.load()}}
}

func deliveredEnvelopes(d ordereddelivery.Delivery) []*event.Envelope {
	if d.Single != nil {
		return []*event.Envelope{d.Single}
	}
	return d.Batch
}
