// Package migrations embeds the Postgres schema so cmd/migrate ships it
// inside the binary.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
