// Package controlloop implements the periodic cognitive-cycle driver of
// spec.md §4.9: health-polls every subsystem, detects blocked channels,
// feeds the polled health scores into S3 each tick (and, in emergency
// mode, invokes S5's viability-threat reaction directly), and tracks
// emergency mode triggered by a critical viability threat or an emergency
// algedonic scream. The loop does not step the workers through
// S1→S2→S3→S4→S5 itself: they drive each other through their EventBus
// subscriptions, and emergency mode does not pause S2 or S4.
//
// Grounded on the teacher's fx.Lifecycle-style start/stop hook registration
// in cmd/fx.go: a ticker-driven goroutine started on fx.Lifecycle.OnStart
// and stopped via context cancellation on OnStop.
package controlloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/algedonic"
	coreerrors "github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/errors"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/event"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/eventbus"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/ordereddelivery"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/vsm"
	"golang.org/x/sync/errgroup"
)

// Recorder receives telemetry about each completed cognitive cycle and
// emergency-mode transitions.
type Recorder interface {
	ObserveCycle(seconds float64)
	SetEmergencyActive(active bool)
}

type noopRecorder struct{}

func (noopRecorder) ObserveCycle(float64)    {}
func (noopRecorder) SetEmergencyActive(bool) {}

// HealthPollable is implemented by anything ControlLoop polls each tick.
// The five VSM workers all satisfy it via their existing Status() method.
type HealthPollable interface {
	Status() vsm.Status
}

// Workers bundles the five VSM subsystem workers the cognitive cycle
// drives, plus S3's health-score sink.
type Workers struct {
	S1 *vsm.S1
	S2 *vsm.S2
	S3 *vsm.S3
	S4 *vsm.S4
	S5 *vsm.S5
}

// Options configures the loop. CycleMS and CallTimeout mirror the env-var
// surface of spec.md §6 (CORE_CYCLE_MS) and §5 (default inter-component
// call timeout).
type Options struct {
	CycleMS          int64
	CallTimeout      time.Duration
	EmergencyOnStart bool
	nowFn            func() time.Time
}

// DefaultOptions returns spec-documented defaults.
func DefaultOptions() Options {
	return Options{CycleMS: 1000, CallTimeout: 5 * time.Second, nowFn: time.Now}
}

// SystemStatus is the return value of GetSystemStatus: a snapshot of the
// health report every subsystem contributes, plus the loop's own state.
type SystemStatus struct {
	Emergency bool
	Subsystem map[string]vsm.Status
	Blocked   map[string]bool
	CycleAt   time.Time
}

// ControlLoop is the periodic driver. It owns no subsystem state directly;
// it polls and commands the workers it was constructed with.
type ControlLoop struct {
	bus     *eventbus.Bus
	pain    *algedonic.Channel
	workers Workers
	opts    Options
	rec     Recorder

	emergency atomic.Bool
	triggerCh chan struct{}

	mu      sync.Mutex
	blocked map[string]bool
	last    map[string]vsm.Status
	cycleAt time.Time

	threatSub *eventbus.Subscription
	emergSub  *eventbus.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs and starts the control loop: it begins ticking
// immediately and subscribes to the topics that force emergency mode.
func New(ctx context.Context, bus *eventbus.Bus, pain *algedonic.Channel, workers Workers, opts Options, rec Recorder) *ControlLoop {
	if rec == nil {
		rec = noopRecorder{}
	}
	if opts.nowFn == nil {
		opts.nowFn = time.Now
	}
	if opts.CycleMS <= 0 {
		opts.CycleMS = 1000
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l := &ControlLoop{
		bus:       bus,
		pain:      pain,
		workers:   workers,
		opts:      opts,
		rec:       rec,
		triggerCh: make(chan struct{}, 1),
		blocked:   make(map[string]bool),
		last:      make(map[string]vsm.Status),
		ctx:       loopCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if opts.EmergencyOnStart {
		l.emergency.Store(true)
		rec.SetEmergencyActive(true)
	}

	subOpts := eventbus.DefaultOptions()
	subOpts.MailboxSize = 32
	l.threatSub = bus.Subscribe(loopCtx, event.TopicVSMViabilityThreat, "controlloop:threat", subOpts)
	l.emergSub = bus.Subscribe(loopCtx, event.TopicEmergencyAlgedonic, "controlloop:emergency", subOpts)
	go l.consumeThreats()
	go l.consumeEmergencyScreams()
	go l.run()
	return l
}

// Stop halts the ticking goroutine and waits for it to exit.
func (l *ControlLoop) Stop() {
	l.cancel()
	<-l.done
}

func (l *ControlLoop) run() {
	defer close(l.done)
	ticker := time.NewTicker(time.Duration(l.opts.CycleMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.tick()
		case <-l.triggerCh:
			l.tick()
		}
	}
}

// TriggerControlCycle runs one cycle immediately, outside the regular
// schedule, without resetting the ticker.
func (l *ControlLoop) TriggerControlCycle() {
	select {
	case l.triggerCh <- struct{}{}:
	default:
	}
}

// EnableEmergencyMode forces emergency mode on, broadcasting to S5 and the
// AlgedonicChannel exactly as an incoming critical viability threat would.
func (l *ControlLoop) EnableEmergencyMode(reason string) {
	if l.emergency.CompareAndSwap(false, true) {
		l.rec.SetEmergencyActive(true)
		l.broadcastEmergency(reason)
	}
}

// DisableEmergencyMode clears emergency mode, so the next tick no longer
// calls S5's emergency reaction.
func (l *ControlLoop) DisableEmergencyMode() {
	if l.emergency.CompareAndSwap(true, false) {
		l.rec.SetEmergencyActive(false)
	}
}

// EmergencyActive reports the loop's current emergency-mode flag.
func (l *ControlLoop) EmergencyActive() bool { return l.emergency.Load() }

// GetSystemStatus returns the most recent health report assembled by tick.
func (l *ControlLoop) GetSystemStatus() SystemStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	subsystem := make(map[string]vsm.Status, len(l.last))
	for k, v := range l.last {
		subsystem[k] = v
	}
	blocked := make(map[string]bool, len(l.blocked))
	for k, v := range l.blocked {
		blocked[k] = v
	}
	return SystemStatus{
		Emergency: l.emergency.Load(),
		Subsystem: subsystem,
		Blocked:   blocked,
		CycleAt:   l.cycleAt,
	}
}

func (l *ControlLoop) tick() {
	start := l.opts.nowFn()
	defer func() { l.rec.ObserveCycle(l.opts.nowFn().Sub(start).Seconds()) }()

	statuses := l.pollHealth()
	l.mu.Lock()
	l.last = statuses
	l.cycleAt = start
	l.mu.Unlock()

	l.checkChannelHealth(statuses)
	l.runCognitiveCycle()
}

// pollHealth calls Status() on each configured worker concurrently under
// CallTimeout, marking unreachable workers "failed" per §4.9(i). Status()
// never blocks in this implementation (it's a mutex-guarded read), so the
// timeout exists to bound a future collaborator whose Status() might
// genuinely block — modeled on the teacher's errgroup.WithContext fan-out
// in internal/service/peer_enricher.go, generalized from two concurrent
// lookups to five concurrent health polls.
func (l *ControlLoop) pollHealth() map[string]vsm.Status {
	out := make(map[string]vsm.Status, 5)
	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(l.ctx)

	poll := func(name string, w HealthPollable) {
		if w == nil {
			return
		}
		g.Go(func() error {
			resultCh := make(chan vsm.Status, 1)
			go func() { resultCh <- w.Status() }()
			var st vsm.Status
			select {
			case st = <-resultCh:
			case <-time.After(l.opts.CallTimeout):
				st = vsm.Status{Name: name, Healthy: false, Detail: map[string]any{"reason": "poll_timeout"}}
			case <-gCtx.Done():
				st = vsm.Status{Name: name, Healthy: false, Detail: map[string]any{"reason": "poll_canceled"}}
			}
			mu.Lock()
			out[name] = st
			mu.Unlock()
			return nil
		})
	}
	poll("s1_operations", l.workers.S1)
	poll("s2_coordination", l.workers.S2)
	poll("s3_control", l.workers.S3)
	poll("s4_intelligence", l.workers.S4)
	poll("s5_policy", l.workers.S5)
	_ = g.Wait()
	return out
}

// checkChannelHealth marks a channel blocked when its source subsystem is
// unhealthy, and publishes viability_threat without silently stalling the
// loop (§4.12, §5 backpressure invariant).
func (l *ControlLoop) checkChannelHealth(statuses map[string]vsm.Status) {
	channels := map[string]string{
		"s1_to_s2": "s1_operations",
		"s2_to_s3": "s2_coordination",
		"s3_to_s1": "s3_control",
		"s4_to_s5": "s4_intelligence",
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for channel, source := range channels {
		st, ok := statuses[source]
		healthy := ok && st.Healthy
		wasBlocked := l.blocked[channel]
		l.blocked[channel] = !healthy
		if !healthy && !wasBlocked {
			if l.pain != nil {
				l.pain.Pain("control_loop", "channel_blocked", event.SeverityHigh, 0, map[string]any{
					"channel": channel, "source": source,
				})
			}
			l.bus.Publish(event.TopicVSMViabilityThreat, coreerrors.ErrChannelBlocked.Error(), event.Metadata{
				Priority: event.SeverityHigh, Reason: "channel_blocked", Source: "control_loop",
				Extra: map[string]any{"channel": channel},
			})
		}
	}
}

// runCognitiveCycle pushes the latest polled health scores into S3 and,
// while emergency mode is active, calls S5's ReactToViabilityThreat. It
// does not invoke S1, S2 or S4; those react to each other's events on the
// bus, in emergency mode as well.
func (l *ControlLoop) runCognitiveCycle() {
	emergency := l.emergency.Load()

	if l.workers.S3 != nil {
		for name, st := range l.snapshotStatuses() {
			score := 0.0
			if st.Healthy {
				score = 1.0
			}
			l.workers.S3.UpdateHealth(name, score)
		}
	}

	if emergency {
		if l.workers.S5 != nil {
			l.workers.S5.ReactToViabilityThreat(event.SeverityHigh, "emergency_mode_cycle")
		}
		return
	}
	// In normal mode the workers already drive each other reactively via
	// the EventBus (S1→S2→S3, S4 independently, S5 on demand); the
	// cognitive cycle's own job is health polling and channel checks,
	// which tick() has already performed above.
}

func (l *ControlLoop) snapshotStatuses() map[string]vsm.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]vsm.Status, len(l.last))
	for k, v := range l.last {
		out[k] = v
	}
	return out
}

func (l *ControlLoop) consumeThreats() {
	for {
		select {
		case <-l.threatSub.Done():
			return
		case d := <-l.threatSub.Recv():
			for _, env := range deliveredEnvelopes(d) {
				if env.Metadata.Priority == event.SeverityCritical {
					l.EnableEmergencyMode(env.Metadata.Reason)
				}
			}
		}
	}
}

func (l *ControlLoop) consumeEmergencyScreams() {
	for {
		select {
		case <-l.emergSub.Done():
			return
		case <-l.emergSub.Recv():
			l.EnableEmergencyMode("emergency_algedonic")
		}
	}
}

func (l *ControlLoop) broadcastEmergency(reason string) {
	if l.workers.S5 != nil {
		l.workers.S5.ReactToViabilityThreat(event.SeverityCritical, reason)
	}
	if l.pain != nil {
		l.pain.EmergencyScream("control_loop", reason)
	}
}

func deliveredEnvelopes(d ordereddelivery.Delivery) []*event.Envelope {
	if d.Single != nil {
		return []*event.Envelope{d.Single}
	}
	return d.Batch
}
