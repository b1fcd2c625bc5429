// Package ordereddelivery implements the per-(topic,subscriber) HLC-ordered
// delivery buffer of spec.md §4.3 — the educative core of the module.
//
// One Instance exists per subscription that opted into ordered delivery. It
// owns its heap, its dedup cache, and its bypass lane outright (per the
// concurrency model's "per-subscriber buffers are owned by the
// corresponding OrderedDelivery instance"): all state is touched only by
// the instance's own loop goroutine, so no locking is needed beyond the
// channels used to hand events in and deliveries out.
//
// The implementation follows the teacher's registry.Cell actor shape
// (owned mailbox, dedicated goroutine, never-block delivery) generalized
// from a single FIFO mailbox into an HLC min-heap with a priority bypass
// lane, adaptive window, and forced-flush-on-overflow.
package ordereddelivery

import (
	"container/heap"
	"context"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/event"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/hlc"
)

// Recorder receives telemetry about buffer behavior. telemetry.Metrics
// satisfies this interface; nil is always safe to pass.
type Recorder interface {
	FlushedEvents(topic, subscriber string, n int)
	DroppedEvent(topic, subscriber string)
	BufferOverflow(topic, subscriber string)
	WindowAdjusted(topic, subscriber string, windowMS int64)
}

type noopRecorder struct{}

func (noopRecorder) FlushedEvents(string, string, int)    {}
func (noopRecorder) DroppedEvent(string, string)          {}
func (noopRecorder) BufferOverflow(string, string)        {}
func (noopRecorder) WindowAdjusted(string, string, int64) {}

// Delivery is what an Instance hands to a subscriber's mailbox: either a
// single event (Batch disabled) or the flushed batch of a cycle, in
// ascending HLC order.
type Delivery struct {
	Single *event.Envelope
	Batch  []*event.Envelope
}

// Options configures one Instance. Zero value is not meaningful — use
// DefaultOptions and override selectively.
type Options struct {
	WindowMS        int64
	MinWindowMS     int64
	MaxWindowMS     int64
	AdaptiveWindow  bool
	Batch           bool
	MaxBufferSize   int
	BypassThreshold float64
	GraceMS         int64
	DedupCacheSize  int

	// HighReorderRatio / LowReorderRatio / PanicReorderRatio are the
	// thresholds driving the adaptive window of spec §4.3/§9.
	HighReorderRatio  float64
	LowReorderRatio   float64
	PanicReorderRatio float64

	// nowWall is overridable for deterministic tests.
	nowWall func() time.Time
}

// DefaultOptions returns the spec's documented defaults.
func DefaultOptions() Options {
	return Options{
		WindowMS:          50,
		MinWindowMS:       10,
		MaxWindowMS:       2000,
		AdaptiveWindow:    true,
		Batch:             true,
		MaxBufferSize:     10_000,
		BypassThreshold:   0.9,
		GraceMS:           50,
		DedupCacheSize:    4096,
		HighReorderRatio:  0.2,
		LowReorderRatio:   0.02,
		PanicReorderRatio: 0.5,
		nowWall:           time.Now,
	}
}

// Instance is one HLC-ordered delivery buffer for a single (topic,
// subscriber) pair.
type Instance struct {
	topic      string
	subscriber string
	opts       Options
	rec        Recorder
	out        chan<- Delivery

	admit chan *event.Envelope
	done  chan struct{}

	h          envelopeHeap
	dedup      *lru.Cache[string, struct{}]
	bypass     []*event.Envelope
	lastMaxHLC hlc.Timestamp

	admissions  int64
	outOfOrder  int64
	windowMS    atomic.Int64
	stoppedFlag int32
}

// New constructs and starts an Instance. out is the subscriber's mailbox —
// the Instance sends non-blocking and drops (with telemetry) if it's full.
func New(topic, subscriber string, opts Options, rec Recorder, out chan<- Delivery) *Instance {
	if rec == nil {
		rec = noopRecorder{}
	}
	if opts.nowWall == nil {
		opts.nowWall = time.Now
	}
	dedupSize := opts.DedupCacheSize
	if dedupSize <= 0 {
		dedupSize = 4096
	}
	cache, _ := lru.New[string, struct{}](dedupSize)

	inst := &Instance{
		topic:      topic,
		subscriber: subscriber,
		opts:       opts,
		rec:        rec,
		out:        out,
		admit:      make(chan *event.Envelope, 256),
		done:       make(chan struct{}),
		dedup:      cache,
	}
	inst.windowMS.Store(opts.WindowMS)
	heap.Init(&inst.h)
	go inst.loop()
	return inst
}

// Admit submits ev for ordered delivery. Never blocks the publisher: the
// admit channel is generously buffered, and a full channel simply means the
// instance is falling behind, which forced-flush and telemetry surface.
func (i *Instance) Admit(ev *event.Envelope) {
	select {
	case i.admit <- ev:
	case <-i.done:
	default:
		// admit queue saturated: drop rather than block the publisher.
		i.rec.DroppedEvent(i.topic, i.subscriber)
	}
}

// Stop terminates the instance and clears its buffer (subscriber death, §4.3).
func (i *Instance) Stop() {
	if atomic.CompareAndSwapInt32(&i.stoppedFlag, 0, 1) {
		close(i.done)
	}
}

// StopWithContext ties Stop to ctx.Done, matching subscriber liveness
// monitoring: when the subscriber's own context is canceled, this instance
// shuts down.
func (i *Instance) StopWithContext(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			i.Stop()
		case <-i.done:
		}
	}()
}

func (i *Instance) loop() {
	ticker := time.NewTicker(time.Duration(i.windowMS.Load()) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-i.done:
			return
		case ev := <-i.admit:
			i.handleAdmit(ev)
		case <-ticker.C:
			i.flushWindow()
			newPeriod := time.Duration(i.windowMS.Load()) * time.Millisecond
			ticker.Reset(newPeriod)
		}
	}
}

func (i *Instance) handleAdmit(ev *event.Envelope) {
	if _, seen := i.dedup.Get(ev.ID); seen {
		return // duplicate: silent drop
	}
	i.dedup.Add(ev.ID, struct{}{})

	if ev.Metadata.Algedonic && ev.Metadata.EffectiveIntensity() >= i.opts.BypassThreshold {
		i.bypass = append(i.bypass, ev)
		i.flushBypass()
		return
	}

	nowMS := i.opts.nowWall().UnixMilli()
	if ev.HLC.Physical < nowMS-i.windowMS.Load()-i.opts.GraceMS {
		// Late arrival: flush immediately rather than buffering further.
		i.deliverBatch([]*event.Envelope{ev})
		return
	}

	heap.Push(&i.h, ev)
	i.admissions++
	if hlc.Before(ev.HLC, i.lastMaxHLC) {
		i.outOfOrder++
	} else {
		i.lastMaxHLC = ev.HLC
	}

	if i.h.Len() >= i.opts.MaxBufferSize {
		i.forceFlush()
	}
}

// forceFlush drains the oldest half of the buffer in HLC order once the
// buffer reaches MaxBufferSize.
func (i *Instance) forceFlush() {
	i.rec.BufferOverflow(i.topic, i.subscriber)
	n := i.h.Len() / 2
	if n == 0 {
		n = i.h.Len()
	}
	batch := make([]*event.Envelope, 0, n)
	for j := 0; j < n; j++ {
		batch = append(batch, heap.Pop(&i.h).(*event.Envelope))
	}
	i.deliverBatch(batch)
}

// flushWindow drains the whole buffer at the window tick and recomputes the
// adaptive window for the next cycle.
func (i *Instance) flushWindow() {
	if i.h.Len() > 0 {
		batch := make([]*event.Envelope, 0, i.h.Len())
		for i.h.Len() > 0 {
			batch = append(batch, heap.Pop(&i.h).(*event.Envelope))
		}
		i.deliverBatch(batch)
	}
	i.adaptWindow()
}

func (i *Instance) flushBypass() {
	if len(i.bypass) == 0 {
		return
	}
	batch := i.bypass
	i.bypass = nil
	i.deliverBatch(batch)
}

func (i *Instance) deliverBatch(batch []*event.Envelope) {
	if len(batch) == 0 {
		return
	}
	var d Delivery
	if i.opts.Batch && len(batch) > 1 {
		d = Delivery{Batch: batch}
	} else {
		d = Delivery{Single: batch[0]}
		for _, extra := range batch[1:] {
			i.send(Delivery{Single: extra})
		}
	}
	i.send(d)
	i.rec.FlushedEvents(i.topic, i.subscriber, len(batch))
}

// send is non-blocking and may still run briefly after Stop: Stop only
// signals loop to exit on its next iteration, it does not wait for an
// in-flight handleAdmit→deliverBatch call to return. That's safe because
// out (the subscriber's mailbox) is never closed by anyone — see
// eventbus.Bus.Unsubscribe — so a late send lands in an unread channel
// instead of panicking.
func (i *Instance) send(d Delivery) {
	select {
	case i.out <- d:
	default:
		i.rec.DroppedEvent(i.topic, i.subscriber)
	}
}

// adaptWindow implements the §4.3/§9 adaptive-window and panic-mode rules.
func (i *Instance) adaptWindow() {
	if !i.opts.AdaptiveWindow || i.admissions == 0 {
		i.admissions, i.outOfOrder = 0, 0
		return
	}

	ratio := float64(i.outOfOrder) / float64(i.admissions)
	cur := i.windowMS.Load()
	switch {
	case ratio > i.opts.PanicReorderRatio:
		cur = i.opts.MaxWindowMS
	case ratio > i.opts.HighReorderRatio:
		cur = clamp(int64(float64(cur)*1.25), i.opts.MinWindowMS, i.opts.MaxWindowMS)
	case ratio < i.opts.LowReorderRatio:
		cur = clamp(int64(float64(cur)*0.8), i.opts.MinWindowMS, i.opts.MaxWindowMS)
	}
	i.windowMS.Store(cur)

	i.rec.WindowAdjusted(i.topic, i.subscriber, cur)
	i.admissions, i.outOfOrder = 0, 0
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CurrentWindowMS exposes the adaptive window's current value, for tests
// and operator status reports.
func (i *Instance) CurrentWindowMS() int64 {
	return i.windowMS.Load()
}

// envelopeHeap is a container/heap min-heap ordered by HLC. There is no
// general-purpose priority-queue dependency in the example corpus's actual
// go.mod graph (the candidates are algorithm references in unrelated
// monorepo submodules, not importable deps — see DESIGN.md), so this is
// implemented directly on container/heap, as spec.md's own "min-heap keyed
// by HLC" data model names the structure explicitly.
type envelopeHeap []*event.Envelope

func (h envelopeHeap) Len() int            { return len(h) }
func (h envelopeHeap) Less(a, b int) bool  { return hlc.Before(h[a].HLC, h[b].HLC) }
func (h envelopeHeap) Swap(a, b int)       { h[a], h[b] = h[b], h[a] }
func (h *envelopeHeap) Push(x interface{}) { *h = append(*h, x.(*event.Envelope)) }
func (h *envelopeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
