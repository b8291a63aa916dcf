package db

import "embed"

// MigrationFS embeds SQL migration files from internal/db/migrations.
// Used by the migrate runner (cmd/migrate) to create the users and cleanup_jobs tables.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
