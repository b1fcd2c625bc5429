package algedonic

import "go.uber.org/fx"

// Module provides nothing on its own beyond participating in the fx graph
// under a named module box — the Channel itself is constructed by
// cmd/fx.go via New, since it depends on the already-constructed Bus.
var Module = fx.Module("algedonic")
