package facts

import "go.uber.org/fx"

// Module provides the fact normalizer.
var Module = fx.Module("facts",
	fx.Provide(
		NewRepository,
		func(r *Repository) Store { return r },
		NewNormalizer,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)
