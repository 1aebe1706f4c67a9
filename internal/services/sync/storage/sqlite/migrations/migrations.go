// Package migrations embeds the sync service schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
