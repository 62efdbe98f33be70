// Package database opens the SQLite file behind the bus address registry
// and keeps its schema current.
//
// Migrations are NNNN_name.up.sql / NNNN_name.down.sql pairs read from an
// fs.FS (the embedded migrations.FS in production):
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// The file is created 0600 and queries are parameterised throughout.
package database
