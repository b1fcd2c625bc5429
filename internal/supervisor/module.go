package supervisor

import "go.uber.org/fx"

// Module provides the supervisor's default restart-intensity options for fx
// composition. The Supervisor itself is constructed by cmd/fx.go, since
// registration needs each subsystem's already-built Factory.
var Module = fx.Module(
	"supervisor",
	fx.Provide(DefaultOptions),
)
