package controlloop

import "go.uber.org/fx"

// Module provides the loop's default options for fx composition. The loop
// itself is constructed by cmd/fx.go via New, since it depends on the five
// already-constructed VSM workers.
var Module = fx.Module(
	"controlloop",
	fx.Provide(DefaultOptions),
)
