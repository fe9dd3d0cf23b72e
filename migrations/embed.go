// Package migrations embeds the SQL schema so the binary can migrate
// without a migrations directory next to it.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
