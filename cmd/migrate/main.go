package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

var invalidNameChars = regexp.MustCompile(`[^a-z0-9_]+`)

type upCmd struct {
	Steps string `arg:"" optional:"" help:"Apply only the next n migrations."`
}

func (c *upCmd) Run() error {
	return withMigrator(func(m *migrate.Migrate) error {
		if c.Steps == "" {
			return ignoreNoChange(m.Up())
		}
		steps, err := parseSteps(c.Steps)
		if err != nil {
			return err
		}
		return ignoreNoChange(m.Steps(steps))
	})
}

type downCmd struct {
	Steps string `arg:"" optional:"" help:"Roll back only the last n migrations."`
}

func (c *downCmd) Run() error {
	return withMigrator(func(m *migrate.Migrate) error {
		if c.Steps == "" {
			return ignoreNoChange(m.Down())
		}
		steps, err := parseSteps(c.Steps)
		if err != nil {
			return err
		}
		return ignoreNoChange(m.Steps(-steps))
	})
}

type forceCmd struct {
	Version string `arg:"" help:"Version to record as applied (fixes dirty state)."`
}

func (c *forceCmd) Run() error {
	version, err := strconv.Atoi(c.Version)
	if err != nil {
		return fmt.Errorf("invalid version: %s", c.Version)
	}
	return withMigrator(func(m *migrate.Migrate) error {
		if err := m.Force(version); err != nil {
			return err
		}
		fmt.Printf("Forced version to %d\n", version)
		return nil
	})
}

type versionCmd struct{}

func (c *versionCmd) Run() error {
	return withMigrator(func(m *migrate.Migrate) error {
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("No migrations applied")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("Version %d (dirty: %t)\n", version, dirty)
		return nil
	})
}

type createCmd struct {
	Name string `arg:"" help:"Migration name."`
}

func (c *createCmd) Run() error {
	name := sanitizeName(c.Name)
	if name == "" {
		return errors.New("migration name must include at least one alphanumeric character")
	}

	dir, err := migrationsDir()
	if err != nil {
		return err
	}
	upPath, downPath, err := createMigration(dir, name, time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Printf("Created %s and %s\n", upPath, downPath)
	return nil
}

var cli struct {
	Up      upCmd      `cmd:"" help:"Apply all pending migrations or the next n."`
	Down    downCmd    `cmd:"" help:"Roll back all migrations or the last n."`
	Create  createCmd  `cmd:"" help:"Create new up/down migration files."`
	Force   forceCmd   `cmd:"" help:"Force set the migration version."`
	Version versionCmd `cmd:"" help:"Print the applied version and dirty flag."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("migrate"),
		kong.Description("Schema migrations for gmboard. Reads DATABASE_URL and MIGRATIONS_DIR (default: migrations)."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func withMigrator(fn func(m *migrate.Migrate) error) error {
	m, err := newMigrator()
	if err != nil {
		return err
	}
	defer closeMigrator(m)
	return fn(m)
}

func newMigrator() (*migrate.Migrate, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}

	dir, err := migrationsDir()
	if err != nil {
		return nil, err
	}
	return migrate.New("file://"+dir, databaseURL)
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

func migrationsDir() (string, error) {
	dir := strings.TrimSpace(os.Getenv("MIGRATIONS_DIR"))
	if dir == "" {
		dir = "migrations"
	}
	return filepath.Abs(dir)
}

func parseSteps(value string) (int, error) {
	steps, err := strconv.Atoi(value)
	if err != nil || steps <= 0 {
		return 0, fmt.Errorf("invalid steps: %s", value)
	}
	return steps, nil
}

func sanitizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.NewReplacer(" ", "_", "-", "_").Replace(name)
	name = invalidNameChars.ReplaceAllString(name, "")
	return strings.Trim(name, "_")
}

// createMigration writes an empty up/down pair named <timestamp>_<name>.
func createMigration(dir, name string, now time.Time) (string, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	base := fmt.Sprintf("%s_%s", now.Format("20060102150405"), name)
	upPath := filepath.Join(dir, base+".up.sql")
	downPath := filepath.Join(dir, base+".down.sql")

	if err := writeMigrationFile(upPath, "-- migrate up\n"); err != nil {
		return "", "", err
	}
	if err := writeMigrationFile(downPath, "-- migrate down\n"); err != nil {
		return "", "", err
	}
	return upPath, downPath, nil
}

func writeMigrationFile(path string, contents string) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.WriteString(contents)
	return err
}

func closeMigrator(m *migrate.Migrate) {
	sourceErr, dbErr := m.Close()
	if sourceErr != nil {
		fmt.Fprintf(os.Stderr, "source close error: %v\n", sourceErr)
	}
	if dbErr != nil {
		fmt.Fprintf(os.Stderr, "db close error: %v\n", dbErr)
	}
}
