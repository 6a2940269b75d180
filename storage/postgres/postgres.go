// Package postgres keeps spool records in a PostgreSQL table shared by all
// repositories of a deployment. The schema is versioned with golang-migrate
// and embedded in the binary; see migrate.go.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/migadu/mailspool/config"
	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/logger"
	"github.com/migadu/mailspool/pkg/metrics"
	"github.com/migadu/mailspool/pkg/retry"
	"github.com/migadu/mailspool/storage"
)

const backend = "postgres"

const metaColumns = `record_key, sender, recipients, state, attributes, error_message, last_updated, digest, size`

type Repository struct {
	pool         *pgxpool.Pool
	name         string
	queryTimeout time.Duration
	backoff      retry.BackoffConfig
	ownsPool     bool
}

// New connects to the database described by cfg, applies pending migrations
// when auto_migrate is on, and returns the repository called name.
func New(ctx context.Context, cfg config.PostgresConfig, name string, backoff retry.BackoffConfig) (*Repository, error) {
	if name == "" {
		return nil, fmt.Errorf("repository name cannot be empty")
	}
	connString := cfg.ConnString()

	if cfg.GetAutoMigrate() {
		if err := Migrate(ctx, connString); err != nil {
			return nil, err
		}
	}

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if d, err := cfg.GetMaxConnLifetime(); err == nil {
		poolConfig.MaxConnLifetime = d
	}
	if d, err := cfg.GetMaxConnIdleTime(); err == nil {
		poolConfig.MaxConnIdleTime = d
	}
	if cfg.LogQueries {
		poolConfig.ConnConfig.Tracer = &queryTracer{}
	}

	host := "localhost"
	if len(cfg.Hosts) > 0 {
		host = cfg.Hosts[0]
	}
	logger.Info("Postgres: connecting", "host", host, "port", cfg.GetPort(), "database", cfg.Name, "repository", name)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	queryTimeout, err := cfg.GetQueryTimeout()
	if err != nil {
		queryTimeout = 30 * time.Second
	}

	return &Repository{
		pool:         pool,
		name:         name,
		queryTimeout: queryTimeout,
		backoff:      backoff,
		ownsPool:     true,
	}, nil
}

// WithName returns a repository sharing this one's pool under another name.
// Closing it leaves the pool open.
func (r *Repository) WithName(name string) *Repository {
	c := *r
	c.name = name
	c.ownsPool = false
	return &c
}

func (r *Repository) Put(ctx context.Context, rec *storage.Record) error {
	start := time.Now()
	if rec.Key == "" {
		return fmt.Errorf("%w: empty key", consts.ErrInvalidItem)
	}
	rcpts, attrs, err := storage.EncodeColumns(rec)
	if err != nil {
		return err
	}
	payload := rec.Payload
	if payload == nil {
		payload = []byte{}
	}

	err = r.do(ctx, "put", func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO spool_records (repository, `+metaColumns+`, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (repository, record_key) DO UPDATE SET
				sender = EXCLUDED.sender,
				recipients = EXCLUDED.recipients,
				state = EXCLUDED.state,
				attributes = EXCLUDED.attributes,
				error_message = EXCLUDED.error_message,
				last_updated = EXCLUDED.last_updated,
				digest = EXCLUDED.digest,
				size = EXCLUDED.size,
				payload = EXCLUDED.payload`,
			r.name, rec.Key, rec.Sender, rcpts, rec.State, attrs, rec.ErrorMessage,
			rec.LastUpdated, rec.Digest, rec.Size, payload)
		return err
	})
	observe("put", err, start)
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", rec.Key, err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, key string) (*storage.Record, error) {
	return r.load(ctx, "get", key, true)
}

func (r *Repository) Meta(ctx context.Context, key string) (*storage.Record, error) {
	return r.load(ctx, "meta", key, false)
}

func (r *Repository) load(ctx context.Context, op, key string, withPayload bool) (*storage.Record, error) {
	start := time.Now()
	query := `SELECT ` + metaColumns + ` FROM spool_records WHERE repository = $1 AND record_key = $2`
	if withPayload {
		query = `SELECT ` + metaColumns + `, payload FROM spool_records WHERE repository = $1 AND record_key = $2`
	}

	var rec *storage.Record
	err := r.do(ctx, op, func(ctx context.Context) error {
		var (
			scanned      storage.Record
			rcpts, attrs []byte
			payload      []byte
		)
		dest := []any{&scanned.Key, &scanned.Sender, &rcpts, &scanned.State, &attrs, &scanned.ErrorMessage,
			&scanned.LastUpdated, &scanned.Digest, &scanned.Size}
		if withPayload {
			dest = append(dest, &payload)
		}
		if err := r.pool.QueryRow(ctx, query, r.name, key).Scan(dest...); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return retry.Stop(fmt.Errorf("%w: %s", consts.ErrNotFound, key))
			}
			return err
		}
		if err := storage.DecodeColumns(&scanned, rcpts, attrs); err != nil {
			return retry.Stop(err)
		}
		if withPayload {
			if payload == nil {
				payload = []byte{}
			}
			scanned.Payload = payload
		}
		rec = &scanned
		return nil
	})
	observe(op, err, start)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Repository) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := r.do(ctx, "delete", func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `DELETE FROM spool_records WHERE repository = $1 AND record_key = $2`, r.name, key)
		return err
	})
	observe("delete", err, start)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (r *Repository) Keys(ctx context.Context) ([]string, error) {
	start := time.Now()
	var keys []string
	err := r.do(ctx, "keys", func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, `SELECT record_key FROM spool_records WHERE repository = $1`, r.name)
		if err != nil {
			return err
		}
		keys, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	observe("keys", err, start)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}

func (r *Repository) Close() error {
	if r.ownsPool {
		r.pool.Close()
	}
	return nil
}

// do runs fn with the per-query timeout, retrying connection-level failures.
func (r *Repository) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retry.WithRetry(ctx, "postgres "+op, r.backoff, func() error {
		qctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
		defer cancel()
		err := fn(qctx)
		if err != nil && !retry.IsStopError(err) && !isRetryable(err) {
			return retry.Stop(err)
		}
		return err
	})
}

// isRetryable reports whether err looks like a lost connection or a
// serialization conflict rather than a problem with the statement itself.
func isRetryable(err error) bool {
	if retry.IsStopError(err) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
		// Class 08: connection exception. Class 57: operator intervention.
		return len(pgErr.Code) == 5 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "57")
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

func observe(op string, err error, start time.Time) {
	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, consts.ErrNotFound):
		result = "not_found"
	default:
		result = "error"
	}
	metrics.StorageOperations.WithLabelValues(backend, op, result).Inc()
	metrics.StorageOperationDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}
