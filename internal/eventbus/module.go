package eventbus

import "go.uber.org/fx"

// Module provides the Bus for dependency injection, composed in cmd/fx.go
// alongside the rest of the core's fx.Modules.
var Module = fx.Module(
	"eventbus",
	fx.Provide(New),
)
