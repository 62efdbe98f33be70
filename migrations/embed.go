// Package migrations embeds the SQLite schema for the bus address registry.
//
// Files are compiled into the binary and applied with
// db.Migrate(ctx, migrations.FS) at daemon start-up.
package migrations

import "embed"

// FS holds every NNNN_name.{up,down}.sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
