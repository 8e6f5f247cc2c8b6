// Package migrations embeds the server schema for goose.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
