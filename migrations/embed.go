// Package migrations embeds the Postgres schema for the version store.
// Files are applied in lexical order by storage.DB.RunMigrations.
package migrations

import "embed"

// FS is the embedded migrations filesystem (001_versions.sql, ...).
//
//go:embed *.sql
var FS embed.FS
