package rowvalidator

import "go.uber.org/fx"

// Module provides the row validator.
var Module = fx.Module("rowvalidator",
	fx.Provide(NewValidator),
)
