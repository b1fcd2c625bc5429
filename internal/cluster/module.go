package cluster

import "go.uber.org/fx"

// Module provides the bridge's default options for fx composition. The
// ClusterBridge itself is constructed by cmd/fx.go via New, since it needs
// the already-constructed bus, algedonic channel, rate limiter, and an
// optional membership provider.
var Module = fx.Module(
	"cluster",
	fx.Provide(DefaultOptions),
)
