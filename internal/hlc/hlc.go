// Package hlc implements a Hybrid Logical Clock: a monotone, causally
// consistent timestamp generator, one instance per node.
//
// All timestamp generation funnels through a single owner goroutine-free
// mutex-guarded struct — there is exactly one writer per node, matching the
// "HLC state is owned by a single actor" requirement of the concurrency
// model.
package hlc

import (
	"fmt"
	"sync"
	"time"

	coreerrors "github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/errors"
)

// DefaultMaxDrift bounds how far a remote timestamp's physical component may
// diverge from local wall-clock time before Update rejects it.
const DefaultMaxDrift = 60 * time.Second

// Timestamp is a Hybrid Logical Clock value: (physical ms, logical counter, node id).
// Total order is lexicographic on (Physical, Logical, NodeID).
type Timestamp struct {
	Physical int64
	Logical  uint32
	NodeID   string
}

// Compare returns -1, 0, or 1 as a is before, equal to, or after b.
func Compare(a, b Timestamp) int {
	switch {
	case a.Physical != b.Physical:
		if a.Physical < b.Physical {
			return -1
		}
		return 1
	case a.Logical != b.Logical:
		if a.Logical < b.Logical {
			return -1
		}
		return 1
	case a.NodeID != b.NodeID:
		if a.NodeID < b.NodeID {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// Before reports whether a happens strictly before b in the total order.
func Before(a, b Timestamp) bool { return Compare(a, b) < 0 }

// Equal reports whether a and b are the same timestamp.
func Equal(a, b Timestamp) bool { return Compare(a, b) == 0 }

// String renders "physical.logical@node", the wire-friendly serialization.
func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d@%s", t.Physical, t.Logical, t.NodeID)
}

// Clock is a single-node Hybrid Logical Clock. Zero value is not usable;
// construct with New.
type Clock struct {
	mu       sync.Mutex
	last     Timestamp
	nodeID   string
	maxDrift time.Duration
	wallNow  func() time.Time // overridable for deterministic tests
}

// Option configures a Clock at construction time.
type Option func(*Clock)

// WithMaxDrift overrides DefaultMaxDrift.
func WithMaxDrift(d time.Duration) Option {
	return func(c *Clock) { c.maxDrift = d }
}

// withWallClock is test-only: it lets property tests drive a deterministic wall clock.
func withWallClock(fn func() time.Time) Option {
	return func(c *Clock) { c.wallNow = fn }
}

// New constructs a Clock for the given node ID.
func New(nodeID string, opts ...Option) *Clock {
	c := &Clock{
		nodeID:   nodeID,
		maxDrift: DefaultMaxDrift,
		wallNow:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.last = Timestamp{NodeID: nodeID}
	return c
}

// Now produces the next local timestamp. Per spec §4.1:
//
//	pt = max(wall_ms, last.physical)
//	if pt == last.physical: logical = last.logical + 1
//	else: logical = 0
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wallMS := c.wallNow().UnixMilli()
	pt := wallMS
	if c.last.Physical > pt {
		pt = c.last.Physical
	}

	var logical uint32
	if pt == c.last.Physical {
		logical = c.last.Logical + 1
	}

	c.last = Timestamp{Physical: pt, Logical: logical, NodeID: c.nodeID}
	return c.last
}

// Update merges a remote timestamp into local state. Per spec §4.1:
//
//	pt = max(wall_ms, last.physical, remote.physical)
//	logical = max(last.logical, remote.logical) + 1, with tie-breaking:
//	  same physical as remote -> remote.logical + 1
//	  same physical as last   -> last.logical + 1
//	  otherwise                -> 0
//
// Remote timestamps whose physical component drifts from local wall time by
// more than maxDrift are rejected with ErrClockDriftExceeded; the clock's
// own state is left untouched.
func (c *Clock) Update(remote Timestamp) (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wallMS := c.wallNow().UnixMilli()
	drift := remote.Physical - wallMS
	if drift < 0 {
		drift = -drift
	}
	if time.Duration(drift)*time.Millisecond > c.maxDrift {
		return Timestamp{}, fmt.Errorf("hlc: remote physical %d drifts from wall %d by more than %s: %w",
			remote.Physical, wallMS, c.maxDrift, coreerrors.ErrClockDriftExceeded)
	}

	pt := wallMS
	if c.last.Physical > pt {
		pt = c.last.Physical
	}
	if remote.Physical > pt {
		pt = remote.Physical
	}

	var logical uint32
	switch {
	case pt == remote.Physical && pt == c.last.Physical:
		logical = max32(c.last.Logical, remote.Logical) + 1
	case pt == remote.Physical:
		logical = remote.Logical + 1
	case pt == c.last.Physical:
		logical = c.last.Logical + 1
	default:
		logical = 0
	}

	c.last = Timestamp{Physical: pt, Logical: logical, NodeID: c.nodeID}
	return c.last, nil
}

// Last returns the most recently produced timestamp without advancing the clock.
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
