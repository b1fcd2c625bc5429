// Package supervisor implements the one-for-one restart isolation of
// spec.md §4.10: each registered subsystem is restarted independently of
// its siblings, bounded by a restart-intensity window, modeled on the
// teacher's registry.Cell lifecycle (a doneCh-guarded goroutine rebuilt
// from scratch rather than resumed in place).
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	coreerrors "github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/errors"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/vsm"
)

// Recorder receives telemetry about restarts.
type Recorder interface {
	SubsystemRestarted(subsystem string)
}

type noopRecorder struct{}

func (noopRecorder) SubsystemRestarted(string) {}

// Instance is anything a Factory produces: the live handle to a running
// subsystem, queryable via the same Status API every VSM worker exposes.
type Instance interface {
	Status() vsm.Status
}

// Factory constructs a fresh Instance bound to ctx. Called once at
// registration and again on every restart.
type Factory func(ctx context.Context) Instance

// Options configures restart-intensity bounding.
type Options struct {
	MaxRestarts int
	Window      time.Duration
	nowFn       func() time.Time
}

// DefaultOptions returns spec-documented defaults: at most 5 restarts in 60s.
func DefaultOptions() Options {
	return Options{MaxRestarts: 5, Window: 60 * time.Second, nowFn: time.Now}
}

type unit struct {
	name    string
	factory Factory

	mu        sync.Mutex
	instance  Instance
	cancel    context.CancelFunc
	restarts  []time.Time
	escalated bool
}

// Supervisor registers named subsystems and restarts them one-for-one on
// failure, escalating instead of restarting once the intensity bound is
// exceeded.
type Supervisor struct {
	ctx  context.Context
	opts Options
	rec  Recorder

	mu    sync.RWMutex
	units map[string]*unit
}

// New constructs a Supervisor. Registered subsystems are started with
// children of ctx; canceling ctx stops every subsystem.
func New(ctx context.Context, opts Options, rec Recorder) *Supervisor {
	if rec == nil {
		rec = noopRecorder{}
	}
	if opts.nowFn == nil {
		opts.nowFn = time.Now
	}
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = 5
	}
	if opts.Window <= 0 {
		opts.Window = 60 * time.Second
	}
	return &Supervisor{ctx: ctx, opts: opts, rec: rec, units: make(map[string]*unit)}
}

// Register starts a subsystem under name via factory. name must be unique;
// re-registering an existing name replaces it (the prior instance's
// context is left to the caller to have already stopped).
func (s *Supervisor) Register(name string, factory Factory) {
	childCtx, cancel := context.WithCancel(s.ctx)
	u := &unit{
		name:     name,
		factory:  factory,
		instance: factory(childCtx),
		cancel:   cancel,
	}
	s.mu.Lock()
	s.units[name] = u
	s.mu.Unlock()
}

// RestartSubsystem cancels the named subsystem's context and rebuilds it
// via its Factory. Returns ErrInternal (wrapped) if the restart-intensity
// bound has already been exceeded within Options.Window — the supervisor
// escalates rather than restarting indefinitely.
func (s *Supervisor) RestartSubsystem(name string) error {
	s.mu.RLock()
	u, ok := s.units[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("supervisor: unknown subsystem %q: %w", name, coreerrors.ErrInvalidInput)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	now := s.opts.nowFn()
	cutoff := now.Add(-s.opts.Window)
	kept := u.restarts[:0]
	for _, t := range u.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	u.restarts = kept

	if len(u.restarts) >= s.opts.MaxRestarts {
		u.escalated = true
		return fmt.Errorf("supervisor: subsystem %q exceeded %d restarts in %s, escalating: %w",
			name, s.opts.MaxRestarts, s.opts.Window, coreerrors.ErrInternal)
	}

	u.cancel()
	childCtx, cancel := context.WithCancel(s.ctx)
	u.instance = u.factory(childCtx)
	u.cancel = cancel
	u.restarts = append(u.restarts, now)
	u.escalated = false

	s.rec.SubsystemRestarted(name)
	return nil
}

// HealthReport is the aggregate result of HealthCheck.
type HealthReport struct {
	Subsystem map[string]vsm.Status
	Escalated map[string]bool
}

// HealthCheck polls every registered subsystem's Status.
func (s *Supervisor) HealthCheck() HealthReport {
	s.mu.RLock()
	names := make([]string, 0, len(s.units))
	for name := range s.units {
		names = append(names, name)
	}
	s.mu.RUnlock()

	report := HealthReport{
		Subsystem: make(map[string]vsm.Status, len(names)),
		Escalated: make(map[string]bool, len(names)),
	}
	for _, name := range names {
		s.mu.RLock()
		u := s.units[name]
		s.mu.RUnlock()

		u.mu.Lock()
		inst := u.instance
		escalated := u.escalated
		u.mu.Unlock()

		report.Escalated[name] = escalated
		if inst != nil {
			report.Subsystem[name] = inst.Status()
		}
	}
	return report
}

// Stop cancels every registered subsystem's context.
func (s *Supervisor) Stop() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.units {
		u.mu.Lock()
		u.cancel()
		u.mu.Unlock()
	}
}
