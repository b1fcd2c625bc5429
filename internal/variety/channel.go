// Package variety implements the VarietyChannel of spec.md §4.7: a typed
// transformer sitting between two adjacent VSM layers, enforcing a
// backlog capacity with a configurable damping policy, and publishing
// capacity-change notifications when S3 adjusts it.
package variety

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/algedonic"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/event"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/eventbus"
)

// DampingPolicy selects backlog behavior once Capacity is exceeded.
type DampingPolicy string

const (
	// DampDrop discards the incoming event.
	DampDrop DampingPolicy = "drop"
	// DampCoalesce keeps the overflowing event in a single side slot, each
	// overflow replacing the previous one; the backlog itself is left as is,
	// and Drain hands the slot's event out once the backlog is empty.
	DampCoalesce DampingPolicy = "coalesce"
	// DampPain emits algedonic pain (variety_overflow) and still drops.
	DampPain DampingPolicy = "pain"
)

// Transformer produces a typed downstream event from an upstream one, e.g.
// s1.operational → s2.aggregated.
type Transformer func(upstream *event.Envelope) (data any, ok bool)

// Recorder receives variety telemetry.
type Recorder interface {
	SetVarietyPressure(from, to string, pressure float64)
	VarietyDamped(from, to, policy string)
}

type noopRecorder struct{}

func (noopRecorder) SetVarietyPressure(string, string, float64) {}
func (noopRecorder) VarietyDamped(string, string, string)       {}

// Channel connects an upstream topic to a downstream topic through
// Transform, applying Policy once the downstream backlog exceeds Capacity.
type Channel struct {
	from, to    string
	upstream    event.Topic
	downstream  event.Topic
	transform   Transformer
	policy      DampingPolicy
	bus         *eventbus.Bus
	pain        *algedonic.Channel
	rec         Recorder
	capacity    atomic.Int64
	pressure    atomic.Int64 // current backlog depth
	backlog     chan *event.Envelope
	mu          sync.Mutex
	coalesceBuf *event.Envelope
}

// Config configures a new Channel.
type Config struct {
	Name       string // human-readable, e.g. "s1_to_s2"
	Upstream   event.Topic
	Downstream event.Topic
	Transform  Transformer
	Capacity   int64
	Policy     DampingPolicy
}

// New constructs a Channel. It does not subscribe to Upstream or start a
// goroutine: callers feed it with Admit and publish the transformed result
// on Downstream through Drain and Transform.
func New(cfg Config, bus *eventbus.Bus, pain *algedonic.Channel, rec Recorder) *Channel {
	if rec == nil {
		rec = noopRecorder{}
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	c := &Channel{
		from:       string(cfg.Upstream),
		to:         string(cfg.Downstream),
		upstream:   cfg.Upstream,
		downstream: cfg.Downstream,
		transform:  cfg.Transform,
		policy:     cfg.Policy,
		bus:        bus,
		pain:       pain,
		rec:        rec,
	}
	c.capacity.Store(cfg.Capacity)
	c.backlog = make(chan *event.Envelope, cfg.Capacity)
	return c
}

// Admit pushes an upstream envelope into the channel, applying damping if
// the backlog is at capacity. Never blocks.
func (c *Channel) Admit(ev *event.Envelope) {
	select {
	case c.backlog <- ev:
		c.pressure.Add(1)
		c.rec.SetVarietyPressure(c.from, c.to, c.pressureRatio())
	default:
		c.damp(ev)
	}
}

func (c *Channel) damp(ev *event.Envelope) {
	c.rec.VarietyDamped(c.from, c.to, string(c.policy))
	switch c.policy {
	case DampCoalesce:
		c.mu.Lock()
		c.coalesceBuf = ev
		c.mu.Unlock()
	case DampPain:
		if c.pain != nil {
			c.pain.Pain("variety:"+c.from+"->"+c.to, "variety_overflow", event.SeverityHigh, 0, map[string]any{
				"capacity": c.capacity.Load(),
			})
		}
	case DampDrop:
		// fallthrough to default drop behavior
	default:
	}
}

// Drain removes one event for processing: an admitted backlog entry, or a
// coalesced replacement if the backlog is currently empty but a coalesce
// buffer is pending.
func (c *Channel) Drain() (*event.Envelope, bool) {
	select {
	case ev := <-c.backlog:
		c.pressure.Add(-1)
		c.rec.SetVarietyPressure(c.from, c.to, c.pressureRatio())
		return ev, true
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.coalesceBuf != nil {
		ev := c.coalesceBuf
		c.coalesceBuf = nil
		return ev, true
	}
	return nil, false
}

// Transform applies the configured Transformer and publishes the result on
// the downstream topic through bus. Callers typically loop Drain+Transform
// in the owning subsystem worker's own goroutine, preserving single-owner
// mutation of that worker's state.
func (c *Channel) Transform(ev *event.Envelope) *event.Envelope {
	if c.transform == nil || c.bus == nil {
		return nil
	}
	data, ok := c.transform(ev)
	if !ok {
		return nil
	}
	return c.bus.Publish(c.downstream, data, event.Metadata{
		FromCluster: ev.Metadata.FromCluster,
	})
}

// SetCapacity records a new backlog capacity (S3 control action) and
// publishes channel_capacity_change. The backlog channel keeps the size it
// was created with, so admission and damping still follow the capacity
// passed to New; the new value only changes Capacity, the pressure ratio
// and the capacity reported in overflow pain.
func (c *Channel) SetCapacity(n int64) {
	if n <= 0 {
		n = 1
	}
	old := c.capacity.Swap(n)
	if old == n {
		return
	}
	if c.bus != nil {
		c.bus.Publish(event.TopicS3Control, map[string]any{
			"event":   "channel_capacity_change",
			"channel": fmt.Sprintf("%s->%s", c.from, c.to),
			"from":    old,
			"to":      n,
		}, event.Metadata{})
	}
}

// Capacity returns the channel's current configured backlog capacity.
func (c *Channel) Capacity() int64 { return c.capacity.Load() }

// Pressure returns the current backlog depth.
func (c *Channel) Pressure() int64 { return c.pressure.Load() }

func (c *Channel) pressureRatio() float64 {
	cap := c.capacity.Load()
	if cap <= 0 {
		return 0
	}
	return float64(c.pressure.Load()) / float64(cap)
}
