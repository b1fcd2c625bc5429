package vsm

import "go.uber.org/fx"

// Module provides S4's default options for fx composition. The five
// workers themselves are constructed by cmd/fx.go via their New functions,
// since S1-S3/S5 take no options struct and S4's needs a collaborator that
// varies per deployment.
var Module = fx.Module(
	"vsm",
	fx.Provide(DefaultS4Options),
)
