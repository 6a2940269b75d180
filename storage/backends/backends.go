// Package backends opens a storage.Repository from its configuration section.
package backends

import (
	"context"
	"fmt"

	"github.com/migadu/mailspool/config"
	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/logger"
	"github.com/migadu/mailspool/pkg/retry"
	"github.com/migadu/mailspool/storage"
	"github.com/migadu/mailspool/storage/disk"
	"github.com/migadu/mailspool/storage/postgres"
	"github.com/migadu/mailspool/storage/s3"
	"github.com/migadu/mailspool/storage/sqlite"
)

// OpenSpool opens the spool's own repository.
func OpenSpool(ctx context.Context, cfg config.SpoolConfig) (storage.Repository, error) {
	return Open(ctx, cfg.StorageConfig, consts.SpoolRepositoryName)
}

// Open returns the repository called name. SQL backends keep every repository
// in one table partitioned by name; disk and S3 repositories are separated by
// their own path or prefix. Remote backends are put behind a circuit breaker
// unless it is disabled.
func Open(ctx context.Context, cfg config.StorageConfig, name string) (storage.Repository, error) {
	backoff := retry.FromConfig(cfg.Retry)

	switch cfg.Backend {
	case config.BackendMemory:
		logger.Warn("Storage: using in-memory repository, contents are lost on restart", "repository", name)
		return storage.NewMemory(), nil

	case config.BackendDisk:
		return disk.New(cfg.Disk.Path)

	case config.BackendSQLite:
		busy, err := cfg.SQLite.GetBusyTimeout()
		if err != nil {
			return nil, fmt.Errorf("invalid sqlite busy_timeout: %w", err)
		}
		return sqlite.New(ctx, cfg.SQLite.Path, name, busy)

	case config.BackendPostgres:
		repo, err := postgres.New(ctx, cfg.Postgres, name, backoff)
		if err != nil {
			return nil, err
		}
		return guard(repo, name, cfg.Breaker)

	case config.BackendS3:
		repo, err := s3.New(ctx, cfg.S3, name, backoff)
		if err != nil {
			return nil, err
		}
		return guard(repo, name, cfg.Breaker)

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
