// Package migrations embeds the job & agent schema migrations.
package migrations

import "embed"

// MigrationsFS is a filesystem that embeds the migrations folder
//
//go:embed *.sql
var MigrationsFS embed.FS
