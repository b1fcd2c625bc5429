// Package breaker implements the pain-aware CircuitBreaker of spec.md §4.4.
//
// The base closed/open/half-open state machine and its failure counting are
// delegated to sony/gobreaker, the teacher's own breaker dependency (no file
// in the retrieved corpus exercises it directly — see DESIGN.md). gobreaker
// has no public surface for an external caller to force it open, so pain-
// triggered and emergency-scream opens are layered on top as an independent
// override that short-circuits Call before gobreaker ever sees the request.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/algedonic"
	coreerrors "github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/errors"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/event"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/eventbus"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/ordereddelivery"
	"github.com/sony/gobreaker"
)

// State mirrors gobreaker.State plus the pain-forced variant, exposed so
// callers never need to import gobreaker directly.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	default:
		return "open"
	}
}

// Recorder receives breaker telemetry.
type Recorder interface {
	SetBreakerState(name string, state int)
	BreakerTripped(name, reason string)
}

type noopRecorder struct{}

func (noopRecorder) SetBreakerState(string, int) {}
func (noopRecorder) BreakerTripped(string, string) {}

// Options configures a Breaker. Zero value is not usable; use DefaultOptions.
type Options struct {
	// MaxFailures is the consecutive-failure count gobreaker trips on.
	MaxFailures uint32
	// OpenTimeout is how long gobreaker stays open before probing half-open.
	OpenTimeout time.Duration
	// HalfOpenMaxRequests bounds concurrent probes while half-open.
	HalfOpenMaxRequests uint32

	// PainWindow is how long pain samples are retained for aggregation.
	PainWindow time.Duration
	// PainThreshold is the aggregated pain score (0..1) that forces the
	// breaker open regardless of gobreaker's own failure counting.
	PainThreshold float64
	// PainThresholdFloor bounds how far learning correlation may tighten
	// PainThreshold. DefaultOptions sets it to half the default
	// PainThreshold.
	PainThresholdFloor float64
	// ForcedOpenRecovery is how long a pain-forced open lasts before the
	// breaker is eligible to re-evaluate (it still requires pain to have
	// subsided below threshold).
	ForcedOpenRecovery time.Duration

	nowFn func() time.Time
}

// DefaultOptions returns spec-documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxFailures:         5,
		OpenTimeout:         30 * time.Second,
		HalfOpenMaxRequests: 1,
		PainWindow:          10 * time.Second,
		PainThreshold:       0.7,
		PainThresholdFloor:  0.35,
		ForcedOpenRecovery:  15 * time.Second,
		nowFn:               time.Now,
	}
}

type painSample struct {
	at    time.Time
	value float64
}

// Breaker wraps a gobreaker.CircuitBreaker with pain awareness: it
// subscribes to the bus's algedonic topics, aggregates pain excluding its
// own emissions, and forces the circuit open when aggregated pain crosses
// an (optionally learning-tightened) threshold.
type Breaker struct {
	name string
	opts Options
	gb   *gobreaker.CircuitBreaker
	rec  Recorder
	pain *algedonic.Channel
	bus  *eventbus.Bus

	mu          sync.Mutex
	painSamples []painSample
	forcedOpen  bool
	forcedAt    time.Time
	correlation float64 // EWMA in [0,1]: sub-threshold pain preceding failure

	sub *eventbus.Subscription
}

// New constructs a Breaker named name, wired to bus for both consuming
// algedonic signals and (via pain) emitting its own. rec may be nil.
func New(ctx context.Context, name string, opts Options, bus *eventbus.Bus, pain *algedonic.Channel, rec Recorder) *Breaker {
	if rec == nil {
		rec = noopRecorder{}
	}
	if opts.nowFn == nil {
		opts.nowFn = time.Now
	}
	b := &Breaker{
		name: name,
		opts: opts,
		rec:  rec,
		pain: pain,
		bus:  bus,
	}
	b.gb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: opts.HalfOpenMaxRequests,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.rec.SetBreakerState(name, int(mapGobreakerState(to)))
			if to == gobreaker.StateClosed && from != gobreaker.StateClosed && b.pain != nil {
				b.pain.Pleasure(name, "breaker_recovered", event.SeverityMedium, nil)
			}
		},
	})

	subOpts := eventbus.DefaultOptions()
	subOpts.MailboxSize = 64
	painSub := bus.Subscribe(ctx, event.TopicAlgedonicPain, "breaker:"+name+":pain", subOpts)
	emergencySub := bus.Subscribe(ctx, event.TopicEmergencyAlgedonic, "breaker:"+name+":emergency", subOpts)
	go b.consume(painSub, false)
	go b.consume(emergencySub, true)

	return b
}

func mapGobreakerState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateOpen
	}
}

func (b *Breaker) consume(sub *eventbus.Subscription, emergency bool) {
	for {
		select {
		case <-sub.Done():
			return
		case d := <-sub.Recv():
			envs := deliveredEnvelopes(d)
			for _, env := range envs {
				meta := env.Metadata
				if meta.Source == b.name {
					continue // self-pain exclusion, §4.4
				}
				if emergency {
					b.ForceOpen("emergency_scream:" + meta.Source)
					continue
				}
				if !b.guards(meta) {
					continue // pain concerns a different collaborator: no cascade
				}
				b.observePain(meta.EffectiveIntensity())
			}
		}
	}
}

// guards reports whether meta's pain concerns the collaborator this
// breaker protects. Regular (non-emergency) pain only forces this breaker
// open when it names this breaker's own guarded service via
// Extra["service"]; Source (the pain's emitter) is not consulted. A report
// with no service tag (a generic, untargeted "something is wrong" signal) is treated
// as applying to every breaker, since there's no information to scope it
// by; callers that know which collaborator is hurting should tag
// Extra["service"] so only that breaker reacts, preventing one
// collaborator's pain from cascading into the whole fleet (§8 scenario
// 1). emergency_algedonic is the one topic that bypasses this scoping
// entirely and forces every breaker open (§8 scenario 2, handled above).
func (b *Breaker) guards(meta event.Metadata) bool {
	if svc, ok := meta.Extra["service"].(string); ok && svc != "" {
		return svc == b.name
	}
	return true
}

func deliveredEnvelopes(d ordereddelivery.Delivery) []*event.Envelope {
	if d.Single != nil {
		return []*event.Envelope{d.Single}
	}
	return d.Batch
}

// Call executes fn through the breaker. If pain-forced open or gobreaker's
// own state is open, it returns ErrCircuitOpen without invoking fn.
func (b *Breaker) Call(fn func() error) error {
	b.mu.Lock()
	forced := b.forcedOpen
	b.mu.Unlock()
	if forced {
		return coreerrors.ErrCircuitOpen
	}

	_, err := b.gb.Execute(func() (any, error) {
		callErr := fn()
		return nil, callErr
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return coreerrors.ErrCircuitOpen
	}
	if err != nil {
		b.correlateFailure()
	}
	return err
}

// RecordFailure feeds a failure into the breaker's counts without executing
// anything, for callers that observe success/failure out of band.
func (b *Breaker) RecordFailure() {
	_, _ = b.gb.Execute(func() (any, error) { return nil, coreerrors.ErrInternal })
	b.correlateFailure()
}

// RecordSuccess feeds a success into the breaker's counts.
func (b *Breaker) RecordSuccess() {
	_, _ = b.gb.Execute(func() (any, error) { return nil, nil })
}

// ForceOpen forces the circuit open immediately regardless of gobreaker's
// own counts, e.g. on an emergency_algedonic scream. reason is recorded but
// never broadcast as a cascade-inducing open to neighboring breakers —
// each breaker decides independently whether the scream applies to it.
func (b *Breaker) ForceOpen(reason string) {
	b.mu.Lock()
	already := b.forcedOpen
	b.forcedOpen = true
	b.forcedAt = b.opts.nowFn()
	b.mu.Unlock()
	if !already {
		b.rec.BreakerTripped(b.name, reason)
		b.rec.SetBreakerState(b.name, int(StateOpen))
	}
}

// GetState reports the breaker's effective state: pain-forced open takes
// precedence over gobreaker's own view.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	forced := b.forcedOpen
	b.mu.Unlock()
	if forced {
		return StateOpen
	}
	return mapGobreakerState(b.gb.State())
}

// Name returns the breaker's identity, used for self-pain exclusion.
func (b *Breaker) Name() string { return b.name }

func (b *Breaker) observePain(intensity float64) {
	now := b.opts.nowFn()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.painSamples = append(b.painSamples, painSample{at: now, value: intensity})
	cutoff := now.Add(-b.opts.PainWindow)
	i := 0
	for i < len(b.painSamples) && b.painSamples[i].at.Before(cutoff) {
		i++
	}
	b.painSamples = b.painSamples[i:]

	aggregated := b.aggregateLocked(now)

	if aggregated >= b.thresholdLocked() {
		wasForced := b.forcedOpen
		b.forcedOpen = true
		b.forcedAt = now
		if !wasForced {
			b.rec.BreakerTripped(b.name, "pain_threshold_exceeded")
			b.rec.SetBreakerState(b.name, int(StateOpen))
		}
		return
	}

	// Pain subsided: allow a forced-open to lapse once its recovery window
	// has elapsed, independent of gobreaker's own timeout.
	if b.forcedOpen && now.Sub(b.forcedAt) >= b.opts.ForcedOpenRecovery {
		b.forcedOpen = false
	}

	// Learning correlation: sub-threshold-but-elevated pain nudges the
	// effective threshold down toward the floor, bounded and reversible.
	elevated := aggregated >= b.opts.PainThreshold*0.5
	target := 0.0
	if elevated {
		target = 1.0
	}
	b.correlation = b.correlation*0.9 + target*0.1
}

// aggregateLocked computes max(decayed-sum, instantaneous-max) over the
// retained window, per spec.md §4.4. Callers must hold b.mu.
func (b *Breaker) aggregateLocked(now time.Time) float64 {
	var sum, max float64
	for _, s := range b.painSamples {
		age := now.Sub(s.at)
		decay := 1.0 - age.Seconds()/b.opts.PainWindow.Seconds()
		if decay < 0 {
			decay = 0
		}
		sum += s.value * decay
		if s.value > max {
			max = s.value
		}
	}
	if sum > 1 {
		sum = 1
	}
	if sum > max {
		return sum
	}
	return max
}

// thresholdLocked returns the current effective pain threshold after
// learning-correlation tightening. Callers must hold b.mu.
func (b *Breaker) thresholdLocked() float64 {
	t := b.opts.PainThreshold - (b.opts.PainThreshold-b.opts.PainThresholdFloor)*b.correlation
	if t < b.opts.PainThresholdFloor {
		return b.opts.PainThresholdFloor
	}
	return t
}

func (b *Breaker) correlateFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	// A failure shortly after elevated-but-sub-threshold pain reinforces
	// the correlation estimate beyond the gentle decay in observePain.
	if b.correlation < 0.95 {
		b.correlation += (1 - b.correlation) * 0.2
	}
}
