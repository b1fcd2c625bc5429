package variety

import "go.uber.org/fx"

// Module provides variety-channel wiring for fx composition. It provides no
// Channels itself: each Channel connects a distinct pair of topics with its
// own transformer and is constructed directly with New.
var Module = fx.Module("variety")
