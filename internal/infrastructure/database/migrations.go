package database

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Migration is one numbered schema step, loaded from
// NNNN_name.up.sql and the optional NNNN_name.down.sql.
type Migration struct {
	Version int
	Name    string
	UpSQL   string
	DownSQL string
}

// MigrationRecord is a row of schema_migrations.
type MigrationRecord struct {
	Version   int
	AppliedAt time.Time
}

const (
	schemaTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`
	recordApplied = `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`
	recordRemoved = `DELETE FROM schema_migrations WHERE version = ?`
)

// Migrate applies every pending migration in fsys, oldest first. Each
// step commits on its own, so a failure leaves earlier steps applied and
// a later run resumes at the failed one.
func (db *DB) Migrate(ctx context.Context, fsys fs.FS) error {
	_, pending, err := db.MigrationStatus(ctx, fsys)
	if err != nil {
		return err
	}
	for _, m := range pending {
		err := db.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, recordApplied, m.Version, time.Now().UTC().Format(time.RFC3339))
			return err
		})
		if err != nil {
			return fmt.Errorf("applying migration %04d (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// MigrateDown reverts the newest applied migration, if any.
func (db *DB) MigrateDown(ctx context.Context, fsys fs.FS) error {
	applied, _, err := db.MigrationStatus(ctx, fsys)
	if err != nil || len(applied) == 0 {
		return err
	}
	newest := applied[len(applied)-1].Version

	all, err := LoadMigrations(fsys)
	if err != nil {
		return err
	}
	i, found := slices.BinarySearchFunc(all, newest, func(m Migration, v int) int { return cmp.Compare(m.Version, v) })
	if !found {
		return fmt.Errorf("migration %04d not found in filesystem", newest)
	}
	m := all[i]
	if m.DownSQL == "" {
		return fmt.Errorf("migration %04d has no down SQL", m.Version)
	}

	err = db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, recordRemoved, m.Version)
		return err
	})
	if err != nil {
		return fmt.Errorf("reverting migration %04d (%s): %w", m.Version, m.Name, err)
	}
	return nil
}

// MigrationStatus splits the migrations in fsys into applied and pending.
func (db *DB) MigrationStatus(ctx context.Context, fsys fs.FS) (applied []MigrationRecord, pending []Migration, err error) {
	if _, err := db.ExecContext(ctx, schemaTable); err != nil {
		return nil, nil, fmt.Errorf("creating migrations table: %w", err)
	}
	if applied, err = db.appliedMigrations(ctx); err != nil {
		return nil, nil, err
	}
	all, err := LoadMigrations(fsys)
	if err != nil {
		return nil, nil, err
	}

	done := make(map[int]struct{}, len(applied))
	for _, r := range applied {
		done[r.Version] = struct{}{}
	}
	pending = slices.DeleteFunc(all, func(m Migration) bool {
		_, ok := done[m.Version]
		return ok
	})
	return applied, pending, nil
}

func (db *DB) appliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("querying migrations: %w", err)
	}
	defer rows.Close()

	var out []MigrationRecord
	for rows.Next() {
		var (
			r  MigrationRecord
			at string
		)
		if err := rows.Scan(&r.Version, &at); err != nil {
			return nil, fmt.Errorf("scanning migration row: %w", err)
		}
		r.AppliedAt, _ = time.Parse(time.RFC3339, at) //nolint:errcheck // written by Migrate
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadMigrations pairs the up and down files at the root of fsys, sorted
// by version. Other files are ignored. A down file without its up file,
// or two up files sharing a version, is an error.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	if fsys == nil {
		return nil, nil
	}
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("reading migrations: %w", err)
	}

	byVersion := map[int]*Migration{}
	for _, file := range names {
		version, name, up, ok := parseMigrationFilename(file)
		if !ok {
			continue
		}
		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", file, err)
		}

		m, seen := byVersion[version]
		if !seen {
			m = &Migration{Version: version}
			byVersion[version] = m
		}
		switch {
		case !up:
			m.DownSQL = string(body)
		case m.UpSQL != "":
			return nil, fmt.Errorf("duplicate migration version %04d", version)
		default:
			m.Name, m.UpSQL = name, string(body)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" {
			return nil, fmt.Errorf("migration %04d has no up SQL", m.Version)
		}
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

// parseMigrationFilename splits "0001_bus_addresses.up.sql" into
// (1, "bus_addresses", true, true).
func parseMigrationFilename(file string) (version int, name string, up, ok bool) {
	stem, isSQL := strings.CutSuffix(file, ".sql")
	if !isSQL {
		return 0, "", false, false
	}
	var direction string
	if i := strings.LastIndexByte(stem, '.'); i >= 0 {
		stem, direction = stem[:i], stem[i+1:]
	}
	if direction != "up" && direction != "down" {
		return 0, "", false, false
	}

	num, name, _ := strings.Cut(stem, "_")
	v, err := strconv.Atoi(num)
	if err != nil || v <= 0 {
		return 0, "", false, false
	}
	return v, name, direction == "up", true
}
