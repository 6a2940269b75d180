// Package sqlite keeps spool records in a single SQLite database file using
// the cgo-free modernc.org/sqlite driver. Several repositories may share one
// file; rows are partitioned by repository name.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/pkg/metrics"
	"github.com/migadu/mailspool/storage"
	_ "modernc.org/sqlite"
)

const backend = "sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS spool_records (
	repository    TEXT    NOT NULL,
	record_key    TEXT    NOT NULL,
	sender        TEXT    NOT NULL DEFAULT '',
	recipients    TEXT    NOT NULL,
	state         TEXT    NOT NULL,
	attributes    TEXT    NOT NULL DEFAULT '{}',
	error_message TEXT    NOT NULL DEFAULT '',
	last_updated  INTEGER NOT NULL,
	digest        TEXT    NOT NULL,
	size          INTEGER NOT NULL,
	payload       BLOB,
	PRIMARY KEY (repository, record_key)
);
CREATE INDEX IF NOT EXISTS idx_spool_records_state ON spool_records(repository, state);
`

const metaColumns = `record_key, sender, recipients, state, attributes, error_message, last_updated, digest, size`

type Repository struct {
	db   *sql.DB
	name string
}

// New opens (creating if needed) the database at path and returns the
// repository called name inside it.
func New(ctx context.Context, path, name string, busyTimeout time.Duration) (*Repository, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if name == "" {
		return nil, fmt.Errorf("repository name cannot be empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sqlite schema: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping failed: %w", err)
	}

	return &Repository{db: db, name: name}, nil
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

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO spool_records (repository, `+metaColumns+`, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repository, record_key) DO UPDATE SET
			sender = excluded.sender,
			recipients = excluded.recipients,
			state = excluded.state,
			attributes = excluded.attributes,
			error_message = excluded.error_message,
			last_updated = excluded.last_updated,
			digest = excluded.digest,
			size = excluded.size,
			payload = excluded.payload`,
		r.name, rec.Key, rec.Sender, string(rcpts), rec.State, string(attrs), rec.ErrorMessage,
		rec.LastUpdated.UnixNano(), rec.Digest, rec.Size, payload)
	observe("put", err, start)
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", rec.Key, err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, key string) (*storage.Record, error) {
	start := time.Now()
	row := r.db.QueryRowContext(ctx,
		`SELECT `+metaColumns+`, payload FROM spool_records WHERE repository = ? AND record_key = ?`, r.name, key)
	rec, err := scanRecord(row, key, true)
	observe("get", err, start)
	return rec, err
}

func (r *Repository) Meta(ctx context.Context, key string) (*storage.Record, error) {
	start := time.Now()
	row := r.db.QueryRowContext(ctx,
		`SELECT `+metaColumns+` FROM spool_records WHERE repository = ? AND record_key = ?`, r.name, key)
	rec, err := scanRecord(row, key, false)
	observe("meta", err, start)
	return rec, err
}

func (r *Repository) Delete(ctx context.Context, key string) error {
	start := time.Now()
	_, err := r.db.ExecContext(ctx, `DELETE FROM spool_records WHERE repository = ? AND record_key = ?`, r.name, key)
	observe("delete", err, start)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (r *Repository) Keys(ctx context.Context) ([]string, error) {
	start := time.Now()
	rows, err := r.db.QueryContext(ctx, `SELECT record_key FROM spool_records WHERE repository = ?`, r.name)
	if err != nil {
		observe("keys", err, start)
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			observe("keys", err, start)
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	err = rows.Err()
	observe("keys", err, start)
	return keys, err
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func scanRecord(row *sql.Row, key string, withPayload bool) (*storage.Record, error) {
	var (
		rec          storage.Record
		rcpts, attrs string
		updated      int64
		payload      []byte
	)
	dest := []any{&rec.Key, &rec.Sender, &rcpts, &rec.State, &attrs, &rec.ErrorMessage, &updated, &rec.Digest, &rec.Size}
	if withPayload {
		dest = append(dest, &payload)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", consts.ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}

	rec.LastUpdated = time.Unix(0, updated)
	if err := storage.DecodeColumns(&rec, []byte(rcpts), []byte(attrs)); err != nil {
		return nil, err
	}
	if withPayload {
		if payload == nil {
			payload = []byte{}
		}
		rec.Payload = payload
	}
	return &rec, nil
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
