// Package automigrate applies pending schema migrations when the server starts.
//
// It shares schema_migrations with the golang-migrate CLI in cmd/migrate. When
// that tool created the table it carries a dirty column, which is then set
// explicitly on every recorded version.
package automigrate

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

type migration struct {
	name    string
	version int
}

// Run applies all pending up migrations from migrationsDir in version order.
func Run(db *sql.DB, migrationsDir string) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version BIGINT PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return err
	}

	pending, err := pendingMigrations(migrationsDir, applied)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		log.Printf("database schema up to date (%d migrations applied)", len(applied))
		return nil
	}

	dirty, err := hasDirtyColumn(db)
	if err != nil {
		return err
	}
	record := "INSERT INTO schema_migrations (version) VALUES ($1)"
	if dirty {
		record = "INSERT INTO schema_migrations (version, dirty) VALUES ($1, false)"
	}

	log.Printf("applying %d pending migration(s)", len(pending))
	for _, m := range pending {
		sqlBytes, err := os.ReadFile(filepath.Join(migrationsDir, m.name))
		if err != nil {
			return fmt.Errorf("read %s: %w", m.name, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", m.name, err)
		}

		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			_ = tx.Rollback()
			if alreadyApplied(err) {
				log.Printf("migration %d already applied, recording it: %s", m.version, m.name)
				if _, err := db.Exec(record+" ON CONFLICT DO NOTHING", m.version); err != nil {
					return fmt.Errorf("record skipped %s: %w", m.name, err)
				}
				continue
			}
			return fmt.Errorf("apply %s: %w", m.name, err)
		}

		if _, err := tx.Exec(record, m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", m.name, err)
		}
		log.Printf("applied migration %d: %s", m.version, m.name)
	}

	log.Printf("migrations complete (%d new, %d total)", len(pending), len(applied)+len(pending))
	return nil
}

func appliedVersions(db *sql.DB) (map[int]bool, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read applied migrations: %w", err)
	}
	return applied, nil
}

// pendingMigrations lists up migrations whose numeric prefix is not applied.
// Files without a numeric prefix are ignored.
func pendingMigrations(dir string, applied map[int]bool) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var pending []migration
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		prefix, _, _ := strings.Cut(name, "_")
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		if !applied[version] {
			pending = append(pending, migration{name: name, version: version})
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].version < pending[j].version })
	return pending, nil
}

func hasDirtyColumn(db *sql.DB) (bool, error) {
	var exists bool
	err := db.QueryRow(`SELECT EXISTS (
		SELECT 1 FROM information_schema.columns
		WHERE table_name = 'schema_migrations' AND column_name = 'dirty'
	)`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("inspect schema_migrations: %w", err)
	}
	return exists, nil
}

func alreadyApplied(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate key")
}
