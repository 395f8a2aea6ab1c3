package migrations

import "embed"

// MigrationsFS embeds the SQL migration files.
//
//go:embed *.sql
var MigrationsFS embed.FS
