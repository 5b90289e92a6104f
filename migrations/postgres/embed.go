// Package migrations embeds SQL migration files.
package migrations

import "embed"

// FS contains the region schema migrations (racks, endpoints, triggers).
//
//go:embed *.sql
var FS embed.FS
