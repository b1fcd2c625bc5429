package membership

import "go.uber.org/fx"

// Module provides the membership provider's default options for fx
// composition. The Provider itself is constructed by cmd/fx.go via New,
// registered with an fx.Lifecycle OnStop hook calling Shutdown.
var Module = fx.Module(
	"membership",
	fx.Provide(DefaultOptions),
)
