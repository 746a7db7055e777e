// Package migrations embeds the SQL schema history for the sync SQLite store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
