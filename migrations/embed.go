// Package migrations embeds the Goose SQL migrations for the kb, raw and facts schemas.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
