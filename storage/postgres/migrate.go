package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/logger"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// NewMigrate returns a migrate instance for the embedded migrations and the
// sql.DB it runs on. The caller closes the DB.
func NewMigrate(ctx context.Context, connString string) (*migrate.Migrate, *sql.DB, error) {
	sqlDB, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}
	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{}
	return m, sqlDB, nil
}

// AcquireMigrationLock takes the advisory lock that serialises schema changes
// between daemons and the admin tool.
func AcquireMigrationLock(ctx context.Context, db *sql.DB) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var acquired bool
	if err := db.QueryRowContext(queryCtx, "SELECT pg_try_advisory_lock($1)", consts.MailspoolAdvisoryLockID).Scan(&acquired); err != nil {
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		return errors.New("could not acquire the migration lock; another migration is in progress")
	}
	return nil
}

func ReleaseMigrationLock(ctx context.Context, db *sql.DB) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var unlocked bool
	if err := db.QueryRowContext(queryCtx, "SELECT pg_advisory_unlock($1)", consts.MailspoolAdvisoryLockID).Scan(&unlocked); err != nil {
		logger.Warn("Postgres: failed to release migration lock", "error", err)
	} else if !unlocked {
		logger.Warn("Postgres: migration lock was not held at release")
	}
}

// Migrate applies all pending up migrations.
func Migrate(ctx context.Context, connString string) error {
	m, db, err := NewMigrate(ctx, connString)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := AcquireMigrationLock(ctx, db); err != nil {
		return err
	}
	defer ReleaseMigrationLock(context.Background(), db)

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err == nil {
		logger.Info("Postgres: schema ready", "version", version, "dirty", dirty)
	}
	return nil
}

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...interface{}) {
	logger.Infof("Postgres: [MIGRATE] "+format, v...)
}

func (l *migrationLogger) Verbose() bool {
	return false
}
