package vsm

import (
	"context"
	"sync"

	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/algedonic"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/event"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/eventbus"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/infra/collaborators"
)

// S4Options configures the Intelligence worker's filtering and alerting
// thresholds. The two thresholds are deliberately distinct: AlertThreshold
// is the stricter bar for broadcasting an alert to S5/S3, while
// EmergencyThreshold is the looser bar for switching the worker's own
// strategy into emergency mode — the resolution of spec.md §9's Open
// Question, recorded in DESIGN.md.
type S4Options struct {
	ConfidenceThreshold float64
	AlertThreshold      float64
	EmergencyThreshold  float64
	SeverityHistorySize int
}

// DefaultS4Options returns spec-documented defaults.
func DefaultS4Options() S4Options {
	return S4Options{
		ConfidenceThreshold: 0.6,
		AlertThreshold:      0.9,
		EmergencyThreshold:  0.8,
		SeverityHistorySize: 100,
	}
}

// S4 is the Intelligence worker: filters environmental signals by
// confidence, maintains a running environmental model, and adapts its
// Strategy by severity and urgency.
type S4 struct {
	bus   *eventbus.Bus
	pain  *algedonic.Channel
	store collaborators.VectorStore
	opts  S4Options

	envSub     *eventbus.Subscription
	patternSub *eventbus.Subscription

	mu              sync.Mutex
	patternCounts   map[string]int
	severityHistory []event.Severity
	strategy        Strategy
}

// NewS4 constructs and starts the S4 worker. store may be nil: pattern
// persistence is then simply skipped (§4.8: "its internals are out of
// scope" — a nil collaborator is a valid deployment, not an error).
func NewS4(ctx context.Context, bus *eventbus.Bus, pain *algedonic.Channel, store collaborators.VectorStore, opts S4Options) *S4 {
	w := &S4{
		bus:           bus,
		pain:          pain,
		store:         store,
		opts:          opts,
		patternCounts: make(map[string]int),
		strategy:      Strategy{MonitoringIntensity: "baseline", Horizon: "long_term", AlertThreshold: opts.AlertThreshold, Mode: "normal"},
	}
	subOpts := eventbus.DefaultOptions()
	subOpts.MailboxSize = 256
	w.envSub = bus.Subscribe(ctx, event.TopicS4EnvironmentalSignal, "s4:environment", subOpts)
	w.patternSub = bus.Subscribe(ctx, event.TopicPatternDetected, "s4:pattern", subOpts)
	go w.consume(w.envSub)
	go w.consume(w.patternSub)
	return w
}

func (w *S4) consume(sub *eventbus.Subscription) {
	for {
		select {
		case <-sub.Done():
			return
		case d := <-sub.Recv():
			for _, env := range deliveredEnvelopes(d) {
				sig, ok := env.Data.(EnvironmentalSignal)
				if !ok || sig.Confidence < w.opts.ConfidenceThreshold {
					continue
				}
				w.observe(env, sig)
			}
		}
	}
}

func (w *S4) observe(env *event.Envelope, sig EnvironmentalSignal) {
	w.mu.Lock()
	w.patternCounts[sig.PatternType]++
	w.severityHistory = append(w.severityHistory, sig.Severity)
	if len(w.severityHistory) > w.opts.SeverityHistorySize {
		w.severityHistory = w.severityHistory[len(w.severityHistory)-w.opts.SeverityHistorySize:]
	}
	w.updateStrategyLocked(sig)
	strategy := w.strategy
	w.mu.Unlock()

	if strategy.Mode == "emergency" {
		w.bus.Publish(event.TopicS3Control, PolicyDirective{
			Reason:    "s4_emergency_strategy",
			Directive: "emergency_mode",
		}, event.Metadata{Urgency: sig.Urgency})
	}
	if sig.Urgency >= w.opts.AlertThreshold {
		w.bus.Publish(event.TopicVSMAlgedonic, PolicyDirective{
			Reason:    "s4_alert",
			Directive: "alert_s5_s3",
		}, event.Metadata{Algedonic: true, Urgency: sig.Urgency, Priority: sig.Severity, Source: "s4_intelligence"})
	}

	if w.store != nil && sig.Vector != nil {
		_, _ = w.store.Insert(context.Background(), sig.Vector, map[string]any{
			"pattern_type": sig.PatternType,
			"severity":     string(sig.Severity),
			"confidence":   sig.Confidence,
		})
	}
}

// updateStrategyLocked must be called with w.mu held.
func (w *S4) updateStrategyLocked(sig EnvironmentalSignal) {
	switch sig.Severity {
	case event.SeverityCritical:
		w.strategy.MonitoringIntensity = "maximum"
		w.strategy.Horizon = "short_term"
		w.strategy.AlertThreshold = 0.3
	case event.SeverityHigh:
		w.strategy.MonitoringIntensity = "elevated"
	}

	if sig.Urgency >= w.opts.EmergencyThreshold {
		w.strategy.Mode = "emergency"
		w.strategy.AlgedonicBypass = true
	} else if w.strategy.Mode == "emergency" && sig.Urgency < w.opts.EmergencyThreshold*0.5 {
		// Hysteresis: only step back down once urgency has clearly
		// subsided, not merely dipped below the trigger point.
		w.strategy.Mode = "normal"
		w.strategy.AlgedonicBypass = false
	}
}

// Strategy returns the worker's current adaptive posture.
func (w *S4) Strategy() Strategy {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.strategy
}

// PatternCounts returns a copy of the environmental model's per-type counts.
func (w *S4) PatternCounts() map[string]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]int, len(w.patternCounts))
	for k, v := range w.patternCounts {
		out[k] = v
	}
	return out
}

// Status implements the generic query API.
func (w *S4) Status() Status {
	w.mu.Lock()
	strategy := w.strategy
	counts := len(w.patternCounts)
	w.mu.Unlock()
	return Status{
		Name:    "s4_intelligence",
		Healthy: true,
		Detail: map[string]any{
			"strategy_mode":    strategy.Mode,
			"monitoring":       strategy.MonitoringIntensity,
			"pattern_types":    counts,
			"algedonic_bypass": strategy.AlgedonicBypass,
		},
	}
}
