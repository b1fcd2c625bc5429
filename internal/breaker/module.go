package breaker

import "go.uber.org/fx"

// Module provides breaker construction dependencies for fx composition.
// Individual named breakers (per downstream collaborator) are constructed
// by their owning component via New, not as a single fx-provided singleton.
var Module = fx.Module(
	"breaker",
	fx.Provide(DefaultOptions),
)
