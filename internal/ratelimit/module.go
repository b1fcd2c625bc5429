package ratelimit

import "go.uber.org/fx"

// Module provides the limiter's constructor dependencies for fx
// composition. Like breaker.Module, individual Limiter instances are
// constructed by their owning component via New, since rule sets differ
// per deployment.
var Module = fx.Module(
	"ratelimit",
	fx.Provide(DefaultOptions),
)
