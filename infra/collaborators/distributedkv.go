package collaborators

import "context"

// DistributedKV is the RateLimiter's pluggable backing store (§4.5, §6):
// an atomic eval-script primitive suitable for sliding-window
// increment/decrement, with pipelining left to the implementation.
type DistributedKV interface {
	// EvalScript runs script against keys/args and returns its result.
	// Implementations are expected to execute it atomically (e.g. a Redis
	// Lua script, or an equivalent CAS loop against another store).
	EvalScript(ctx context.Context, script string, keys []string, args []any) (any, error)
}

// Well-known script identifiers the RateLimiter's DistributedKV
// implementations are expected to support. The core passes these as the
// `script` argument rather than embedding a concrete scripting language,
// keeping the interface backend-agnostic.
const (
	ScriptSlidingWindowIncrement = "sliding_window_increment"
	ScriptSlidingWindowCount     = "sliding_window_count"
)
