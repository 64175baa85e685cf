// Package migrations embeds the ordered SQL schema files applied by cmd/migrator.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
