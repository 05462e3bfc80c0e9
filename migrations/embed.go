// Package migrations embeds the PostgreSQL schema for the test request store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
