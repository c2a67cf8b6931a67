// Package migrations holds the per-clinic schema migrations.
package migrations

import "embed"

// FS contains every numbered .sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
