package ledger

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

type DBDriver string

const (
	DBSQLite   DBDriver = "sqlite"
	DBPostgres DBDriver = "postgres"
)

var ErrUnsupportedDriver = errors.New("ledger: unsupported db driver")

// dialect holds the per-driver SQL for the migration bookkeeping table.
type dialect struct {
	dir    string
	table  string
	create string
	record string
	stamp  func(time.Time) any
}

var dialects = map[DBDriver]dialect{
	DBSQLite: {
		dir:    "migrations/sqlite",
		table:  "schema_migrations",
		create: `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TEXT NOT NULL)`,
		record: `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?) ON CONFLICT(version) DO NOTHING`,
		stamp:  func(t time.Time) any { return t.Format(time.RFC3339) },
	},
	DBPostgres: {
		dir:    "migrations/postgres",
		table:  "factory_schema_migrations",
		create: `CREATE TABLE IF NOT EXISTS factory_schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`,
		record: `INSERT INTO factory_schema_migrations(version, applied_at) VALUES($1, $2) ON CONFLICT(version) DO NOTHING`,
		stamp:  func(t time.Time) any { return t },
	},
}

func dialectFor(driver DBDriver) (dialect, error) {
	d, ok := dialects[driver]
	if !ok {
		return dialect{}, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	return d, nil
}

// Migrate brings the ledger schema up to date. Each embedded file runs in its
// own transaction together with its bookkeeping row, so a version is either
// fully applied and recorded or not at all.
func Migrate(db *sql.DB, driver DBDriver) error {
	if db == nil {
		return fmt.Errorf("%w: nil db", ErrInvalid)
	}
	d, err := dialectFor(driver)
	if err != nil {
		return err
	}
	if _, err := db.Exec(d.create); err != nil {
		return fmt.Errorf("ledger: create %s: %w", d.table, err)
	}
	versions, err := schemaVersions(d.dir)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, version := range versions {
		if err := applyVersion(db, d, version, now); err != nil {
			return err
		}
	}
	return nil
}

func applyVersion(db *sql.DB, d dialect, version string, now time.Time) (err error) {
	body, err := migrationsFS.ReadFile(path.Join(d.dir, version+".sql"))
	if err != nil {
		return fmt.Errorf("ledger: read migration %s: %w", version, err)
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("ledger: begin migration %s: %w", version, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.Exec(d.record, version, d.stamp(now))
	if err != nil {
		return fmt.Errorf("ledger: record migration %s: %w", version, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("ledger: record migration %s: %w", version, err)
	} else if n == 0 {
		// already applied
		return tx.Rollback()
	}
	if _, err := tx.Exec(string(body)); err != nil {
		return fmt.Errorf("ledger: apply migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit migration %s: %w", version, err)
	}
	return nil
}

// schemaVersions lists the migration versions under dir, oldest first.
func schemaVersions(dir string) ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("ledger: list migrations: %w", err)
	}
	var versions []string
	for _, e := range entries {
		if name := e.Name(); !e.IsDir() && strings.HasSuffix(name, ".sql") {
			versions = append(versions, strings.TrimSuffix(name, ".sql"))
		}
	}
	sort.Strings(versions)
	return versions, nil
}

// AppliedVersions returns the recorded schema versions, oldest first.
func AppliedVersions(db *sql.DB, driver DBDriver) ([]string, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(`SELECT version FROM ` + d.table + ` ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("ledger: read %s: %w", d.table, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("ledger: read %s: %w", d.table, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
