// Package migrations embeds the cursor schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
