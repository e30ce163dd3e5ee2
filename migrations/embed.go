// Package migrations embeds the PostgreSQL schema.
package migrations

import "embed"

// FS holds the numbered up/down scripts.
//
//go:embed *.sql
var FS embed.FS
