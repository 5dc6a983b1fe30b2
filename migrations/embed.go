// Package migrations embeds the per-practice schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
