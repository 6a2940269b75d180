package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"

	"github.com/migadu/mailspool/config"
	"github.com/migadu/mailspool/logger"
	"github.com/migadu/mailspool/storage/postgres"
)

func handleMigrateCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := os.Args[2]
	switch subcommand {
	case "up":
		handleMigrateUp(ctx)
	case "down":
		handleMigrateDown(ctx)
	case "version":
		handleMigrateVersion(ctx)
	case "force":
		handleMigrateForce(ctx)
	case "help", "--help", "-h":
		printMigrateUsage()
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Printf(`Postgres Schema Migration Management

Applies to the postgres backend of the spool (or of the repository named
with --repository). Migrations take an advisory lock, so running them next
to a live daemon is safe, but reverting drops spooled data.

Usage:
  mailspool-admin migrate <subcommand> [options]

Subcommands:
  up        Apply all pending upwards migrations
  down      Revert migrations
  version   Show the current migration version and dirty state
  force     Force the database to a specific version (for fixing dirty states)

Examples:
  mailspool-admin migrate up
  mailspool-admin migrate down --limit 1
  mailspool-admin migrate version --repository archive
  mailspool-admin migrate force 1
`)
}

type migrateFlags struct {
	fs         *flag.FlagSet
	configPath *string
	repository *string
}

func newMigrateFlags(name string) *migrateFlags {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	return &migrateFlags{
		fs:         fs,
		configPath: fs.String("config", "config.toml", "Path to TOML configuration file"),
		repository: fs.String("repository", "", "Use the postgres settings of this repository instead of the spool"),
	}
}

func (f *migrateFlags) parse() {
	if err := f.fs.Parse(os.Args[3:]); err != nil {
		logger.Fatalf("Error parsing flags: %v", err)
	}
}

func handleMigrateUp(ctx context.Context) {
	f := newMigrateFlags("migrate up")
	f.parse()

	m, db := openMigrate(ctx, f)
	defer db.Close()

	lock(ctx, db)
	defer postgres.ReleaseMigrationLock(context.Background(), db)

	logger.Info("Applying UP migrations...")
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatalf("Failed to apply UP migrations: %v", err)
	}
	logger.Info("Migrations applied successfully.")
	showVersion(m)
}

func handleMigrateDown(ctx context.Context) {
	f := newMigrateFlags("migrate down")
	limit := f.fs.Int("limit", 1, "Number of migrations to revert")
	all := f.fs.Bool("all", false, "Revert all migrations")
	f.parse()

	m, db := openMigrate(ctx, f)
	defer db.Close()

	lock(ctx, db)
	defer postgres.ReleaseMigrationLock(context.Background(), db)

	if *all {
		logger.Info("Reverting all migrations...")
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatalf("Failed to revert all migrations: %v", err)
		}
	} else {
		logger.Infof("Reverting %d migration(s)...", *limit)
		if err := m.Steps(-(*limit)); err != nil {
			logger.Fatalf("Failed to revert migrations: %v", err)
		}
	}
	logger.Info("Migrations reverted successfully.")
	showVersion(m)
}

func handleMigrateVersion(ctx context.Context) {
	f := newMigrateFlags("migrate version")
	f.parse()

	m, db := openMigrate(ctx, f)
	defer db.Close()
	showVersion(m)
}

func handleMigrateForce(ctx context.Context) {
	f := newMigrateFlags("migrate force")
	f.parse()

	if f.fs.NArg() != 1 {
		fmt.Println("Usage: mailspool-admin migrate force [--config config.toml] <version>")
		os.Exit(1)
	}
	version, err := strconv.Atoi(f.fs.Arg(0))
	if err != nil {
		logger.Fatalf("Invalid version number: %v", err)
	}

	m, db := openMigrate(ctx, f)
	defer db.Close()

	lock(ctx, db)
	defer postgres.ReleaseMigrationLock(context.Background(), db)

	logger.Infof("Forcing database version to %d...", version)
	if err := m.Force(version); err != nil {
		logger.Fatalf("Failed to force version: %v", err)
	}
	logger.Info("Version forced successfully.")
	showVersion(m)
}

func openMigrate(ctx context.Context, f *migrateFlags) (*migrate.Migrate, *sql.DB) {
	cfg := loadConfig(*f.configPath)
	pgCfg, err := postgresConfig(cfg, *f.repository)
	if err != nil {
		logger.Fatalf("%v", err)
	}

	m, db, err := postgres.NewMigrate(ctx, pgCfg.ConnString())
	if err != nil {
		logger.Fatalf("Failed to initialize migration tool: %v", err)
	}
	return m, db
}

// postgresConfig picks the postgres settings of the spool or of a named
// repository.
func postgresConfig(cfg config.Config, repository string) (config.PostgresConfig, error) {
	if repository == "" {
		if cfg.Spool.Backend != config.BackendPostgres {
			return config.PostgresConfig{}, fmt.Errorf("spool backend is %q, not postgres", cfg.Spool.Backend)
		}
		return cfg.Spool.Postgres, nil
	}
	for _, r := range cfg.Repositories {
		if r.Name != repository {
			continue
		}
		if r.Backend != config.BackendPostgres {
			return config.PostgresConfig{}, fmt.Errorf("repository %q backend is %q, not postgres", repository, r.Backend)
		}
		return r.Postgres, nil
	}
	return config.PostgresConfig{}, fmt.Errorf("repository %q is not configured", repository)
}

func lock(ctx context.Context, db *sql.DB) {
	if err := postgres.AcquireMigrationLock(ctx, db); err != nil {
		logger.Fatalf("Failed to acquire exclusive lock: %v", err)
	}
}

func showVersion(m *migrate.Migrate) {
	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			logger.Info("No migrations have been applied yet.")
			return
		}
		logger.Fatalf("Failed to get migration version: %v", err)
	}
	logger.Infof("Current migration version: %d, dirty: %t", version, dirty)
}
