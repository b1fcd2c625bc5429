// Package ratelimit implements the RateLimiter of spec.md §4.5: a sliding-
// window estimator backed by a pluggable store (distributed KV, guarded by
// a breaker, or a local map), a token-bucket fallback while the backend is
// unavailable, algedonic emission on saturation, and a VSM feedback loop
// that adapts per-rule limits from both internal rejection/utilization
// stats and external pain/pleasure signals.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/algedonic"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/breaker"
	coreerrors "github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/errors"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/event"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/eventbus"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/ordereddelivery"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/infra/collaborators"
)

// Recorder receives limiter telemetry.
type Recorder interface {
	LimiterDenied(rule string)
	LimiterAllowed(rule string)
}

type noopRecorder struct{}

func (noopRecorder) LimiterDenied(string) {}
func (noopRecorder) LimiterAllowed(string) {}

// Rule configures one named limit.
type Rule struct {
	Name        string
	WindowMS    int64
	MaxRequests int64
	// MinRequests floors adaptive shrinkage — the "subsystem minimum" of
	// §4.5's feedback loop.
	MinRequests int64
	NumBuckets  int
}

// Usage reports the outcome of a single CheckAndTrack call.
type Usage struct {
	Current   int64
	Max       int64
	Remaining int64
	ResetAt   time.Time
}

// Options configures a Limiter.
type Options struct {
	PleasureThreshold  float64
	AdaptationInterval time.Duration
	nowFn              func() time.Time
}

// DefaultOptions returns spec-documented defaults.
func DefaultOptions() Options {
	return Options{
		PleasureThreshold:  0.3,
		AdaptationInterval: 10 * time.Second,
		nowFn:              time.Now,
	}
}

type ruleState struct {
	rule     Rule
	mu       sync.Mutex
	window   *slidingWindow
	fallback *tokenBucket

	effectiveMax   float64
	recentlyDenied bool

	intervalAllowed atomic.Int64
	intervalDenied  atomic.Int64
}

// Limiter is the RateLimiter core.
type Limiter struct {
	opts Options
	rec  Recorder
	pain *algedonic.Channel
	bus  *eventbus.Bus

	kv        collaborators.DistributedKV
	kvBreaker *breaker.Breaker

	mu    sync.RWMutex
	rules map[string]*ruleState

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Limiter. kv and kvBreaker may both be nil, in which
// case every rule runs purely on the local sliding-window estimator (the
// "local map" backing store of §4.5).
func New(ctx context.Context, opts Options, bus *eventbus.Bus, pain *algedonic.Channel, kv collaborators.DistributedKV, kvBreaker *breaker.Breaker, rec Recorder) *Limiter {
	if rec == nil {
		rec = noopRecorder{}
	}
	if opts.nowFn == nil {
		opts.nowFn = time.Now
	}
	if opts.AdaptationInterval <= 0 {
		opts.AdaptationInterval = 10 * time.Second
	}
	lctx, cancel := context.WithCancel(ctx)
	l := &Limiter{
		opts:      opts,
		rec:       rec,
		pain:      pain,
		bus:       bus,
		kv:        kv,
		kvBreaker: kvBreaker,
		rules:     make(map[string]*ruleState),
		ctx:       lctx,
		cancel:    cancel,
	}

	if bus != nil {
		subOpts := eventbus.DefaultOptions()
		subOpts.MailboxSize = 64
		painSub := bus.Subscribe(lctx, event.TopicAlgedonicPain, "ratelimit:pain", subOpts)
		pleasureSub := bus.Subscribe(lctx, event.TopicAlgedonicPleasure, "ratelimit:pleasure", subOpts)
		go l.consumeAlgedonic(painSub, false)
		go l.consumeAlgedonic(pleasureSub, true)
	}

	go l.adaptationLoop()
	return l
}

// AddRule registers or replaces a rule definition.
func (l *Limiter) AddRule(r Rule) {
	if r.NumBuckets <= 0 {
		r.NumBuckets = 10
	}
	rs := &ruleState{
		rule:         r,
		window:       newSlidingWindow(r.WindowMS, r.NumBuckets),
		effectiveMax: float64(r.MaxRequests),
	}
	l.mu.Lock()
	l.rules[r.Name] = rs
	l.mu.Unlock()
}

// Close stops the limiter's background loops.
func (l *Limiter) Close() { l.cancel() }

func (l *Limiter) rule(name string) (*ruleState, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rs, ok := l.rules[name]
	return rs, ok
}

// CheckAndTrack evaluates identifier against ruleName, consuming cost
// units if allowed. It never blocks on the distributed backend beyond the
// breaker's own call (which itself should be given a context deadline by
// the caller for the network round trip).
func (l *Limiter) CheckAndTrack(ctx context.Context, identifier, ruleName string, cost int64) (bool, Usage, error) {
	rs, ok := l.rule(ruleName)
	if !ok {
		return false, Usage{}, fmt.Errorf("ratelimit: unknown rule %q: %w", ruleName, coreerrors.ErrInvalidInput)
	}
	if cost <= 0 {
		cost = 1
	}

	now := l.opts.nowFn()
	nowMS := now.UnixMilli()
	key := ruleName + ":" + identifier

	rs.mu.Lock()
	max := int64(rs.effectiveMax)
	rs.mu.Unlock()
	if max < 1 {
		max = 1
	}

	var (
		allowed bool
		current int64
	)

	switch {
	case l.kv != nil:
		allowed, current = l.checkDistributed(ctx, rs, key, nowMS, max, cost)
	default:
		allowed, current = l.checkLocal(rs, nowMS, max, cost)
	}

	if allowed {
		rs.intervalAllowed.Add(1)
		l.rec.LimiterAllowed(ruleName)
	} else {
		rs.intervalDenied.Add(1)
		l.rec.LimiterDenied(ruleName)
	}

	usage := Usage{
		Current:   current,
		Max:       max,
		Remaining: max - current,
		ResetAt:   now.Add(time.Duration(rs.rule.WindowMS) * time.Millisecond),
	}
	if usage.Remaining < 0 {
		usage.Remaining = 0
	}

	l.emitAlgedonic(rs, usage, allowed)

	if !allowed {
		return false, usage, coreerrors.ErrRateLimited
	}
	return true, usage, nil
}

func (l *Limiter) checkLocal(rs *ruleState, nowMS, max, cost int64) (allowed bool, current int64) {
	c := rs.window.count(nowMS)
	allowed = c+float64(cost) <= float64(max)
	if allowed {
		rs.window.increment(nowMS, cost)
		current = int64(c) + cost
	} else {
		current = int64(c)
	}
	return allowed, current
}

func (l *Limiter) checkDistributed(ctx context.Context, rs *ruleState, key string, nowMS, max, cost int64) (allowed bool, current int64) {
	var result map[string]any
	err := l.kvBreaker.Call(func() error {
		res, evalErr := l.kv.EvalScript(ctx, collaborators.ScriptSlidingWindowIncrement, []string{key}, []any{nowMS, rs.rule.WindowMS, max, cost})
		if evalErr != nil {
			return evalErr
		}
		m, ok := res.(map[string]any)
		if !ok {
			return coreerrors.ErrInternal
		}
		result = m
		return nil
	})
	if err == nil {
		allowed, _ = result["allowed"].(bool)
		switch c := result["current"].(type) {
		case int64:
			current = c
		case int:
			current = int64(c)
		}
		return allowed, current
	}

	// Backend unavailable or breaker open: fall back to the local token
	// bucket for this rule (§4.5, §4.12).
	rs.mu.Lock()
	if rs.fallback == nil {
		rs.fallback = newTokenBucket(float64(max), float64(max)/float64(rs.rule.WindowMS)*1000, l.opts.nowFn)
	}
	fb := rs.fallback
	rs.mu.Unlock()

	allowed = fb.allow(float64(cost))
	current = max - int64(fb.remaining())
	if current < 0 {
		current = 0
	}
	return allowed, current
}

func (l *Limiter) emitAlgedonic(rs *ruleState, usage Usage, allowed bool) {
	if l.pain == nil {
		return
	}
	saturation := float64(usage.Current) / float64(usage.Max)

	if !allowed {
		rs.mu.Lock()
		rs.recentlyDenied = true
		rs.mu.Unlock()

		severity := event.SeverityMedium
		switch {
		case saturation >= 2.0:
			severity = event.SeverityCritical
		case saturation >= 1.5:
			severity = event.SeverityHigh
		case saturation < 1.2:
			severity = event.SeverityLow
		}
		l.pain.Pain("ratelimit:"+rs.rule.Name, "rate_limited", severity, 0, map[string]any{
			"current": usage.Current,
			"max":     usage.Max,
		})
		return
	}

	rs.mu.Lock()
	wasDenied := rs.recentlyDenied
	if saturation < l.opts.PleasureThreshold {
		rs.recentlyDenied = false
	}
	rs.mu.Unlock()

	if wasDenied && saturation < l.opts.PleasureThreshold {
		l.pain.Pleasure("ratelimit:"+rs.rule.Name, "usage_recovered", event.SeverityLow, map[string]any{
			"current": usage.Current,
			"max":     usage.Max,
		})
	}
}

// adaptationLoop implements the VSM feedback loop: every AdaptationInterval,
// shrink rules with rejection rate > 0.2 by 0.9x and grow rules with
// utilization < 0.3 by 1.1x, clamped to [MinRequests, MaxRequests].
func (l *Limiter) adaptationLoop() {
	ticker := time.NewTicker(l.opts.AdaptationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.adaptOnce()
		}
	}
}

func (l *Limiter) adaptOnce() {
	l.mu.RLock()
	rules := make([]*ruleState, 0, len(l.rules))
	for _, rs := range l.rules {
		rules = append(rules, rs)
	}
	l.mu.RUnlock()

	for _, rs := range rules {
		allowed := rs.intervalAllowed.Swap(0)
		denied := rs.intervalDenied.Swap(0)
		total := allowed + denied

		rs.mu.Lock()
		cur := rs.effectiveMax
		if total > 0 {
			rejectionRate := float64(denied) / float64(total)
			utilization := float64(allowed) / float64(rs.rule.MaxRequests)
			switch {
			case rejectionRate > 0.2:
				cur *= 0.9
			case utilization < 0.3:
				cur *= 1.1
			}
		}
		cur = clampFloat(cur, float64(rs.rule.MinRequests), float64(rs.rule.MaxRequests))
		rs.effectiveMax = cur
		rs.mu.Unlock()
	}
}

func (l *Limiter) consumeAlgedonic(sub *eventbus.Subscription, pleasure bool) {
	for {
		select {
		case <-sub.Done():
			return
		case d := <-sub.Recv():
			for _, env := range deliveredEnvelopes(d) {
				if env.Metadata.FromCluster {
					continue
				}
				var factor float64
				switch {
				case pleasure:
					factor = 1.05
				case env.Metadata.Priority == event.SeverityCritical:
					factor = 0.5
				case env.Metadata.Priority == event.SeverityLow:
					factor = 0.95
				default:
					continue
				}
				l.scaleAll(factor)
			}
		}
	}
}

func (l *Limiter) scaleAll(factor float64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, rs := range l.rules {
		rs.mu.Lock()
		rs.effectiveMax = clampFloat(rs.effectiveMax*factor, float64(rs.rule.MinRequests), float64(rs.rule.MaxRequests))
		rs.mu.Unlock()
	}
}

func deliveredEnvelopes(d ordereddelivery.Delivery) []*event.Envelope {
	if d.Single != nil {
		return []*event.Envelope{d.Single}
	}
	return d.Batch
}

func clampFloat(v, lo, hi float64) float64 {
	if hi > 0 && v > hi {
		return hi
	}
	if v < lo {
		return lo
	}
	return v
}
