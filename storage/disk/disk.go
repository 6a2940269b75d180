// Package disk stores spool records as files: <key>.json holds the metadata
// and <key>.msg the payload. Both are written through a temp file and an
// atomic rename; the metadata file is written last and is what makes a key
// visible.
package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/logger"
	"github.com/migadu/mailspool/pkg/metrics"
	"github.com/migadu/mailspool/storage"
)

const (
	metaExt    = ".json"
	payloadExt = ".msg"
	tmpPrefix  = ".tmp-"
	backend    = "disk"
)

// Repository is a storage.Repository rooted at a directory.
type Repository struct {
	basePath string
}

// New creates the directory if needed and removes leftovers of interrupted
// writes: temp files and payloads without metadata.
func New(basePath string) (*Repository, error) {
	basePath = filepath.Clean(strings.TrimSpace(basePath))
	if basePath == "" || basePath == "." {
		return nil, fmt.Errorf("base path cannot be empty")
	}
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", basePath, err)
	}

	r := &Repository{basePath: basePath}
	if err := r.cleanup(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) Put(_ context.Context, rec *storage.Record) error {
	start := time.Now()
	metaPath, payloadPath, err := r.paths(rec.Key)
	if err != nil {
		return err
	}

	if err := writeDataAtomic(payloadPath, rec.Payload); err != nil {
		observe("put", "error", start)
		return fmt.Errorf("failed to write payload: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		observe("put", "error", start)
		return fmt.Errorf("%w: %v", consts.ErrSerializationFailed, err)
	}
	if err := writeDataAtomic(metaPath, data); err != nil {
		observe("put", "error", start)
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	observe("put", "success", start)
	return nil
}

func (r *Repository) Get(ctx context.Context, key string) (*storage.Record, error) {
	start := time.Now()
	rec, err := r.readMeta(key)
	if err != nil {
		observe("get", resultOf(err), start)
		return nil, err
	}

	_, payloadPath, _ := r.paths(key)
	payload, err := os.ReadFile(payloadPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			observe("get", "error", start)
			return nil, fmt.Errorf("failed to read payload of %s: %w", key, err)
		}
		// Reported as corrupt by Record.Item.
		logger.Warn("Disk: payload file missing", "key", key)
		payload = nil
	} else if payload == nil {
		payload = []byte{}
	}
	rec.Payload = payload

	observe("get", "success", start)
	return rec, nil
}

func (r *Repository) Meta(_ context.Context, key string) (*storage.Record, error) {
	start := time.Now()
	rec, err := r.readMeta(key)
	observe("meta", resultOf(err), start)
	return rec, err
}

func (r *Repository) Delete(_ context.Context, key string) error {
	start := time.Now()
	metaPath, payloadPath, err := r.paths(key)
	if err != nil {
		return err
	}

	// Metadata first: once it is gone the key is no longer listed.
	if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
		observe("delete", "error", start)
		return fmt.Errorf("failed to remove metadata: %w", err)
	}
	if err := os.Remove(payloadPath); err != nil && !os.IsNotExist(err) {
		observe("delete", "error", start)
		return fmt.Errorf("failed to remove payload: %w", err)
	}

	observe("delete", "success", start)
	return nil
}

func (r *Repository) Keys(_ context.Context) ([]string, error) {
	start := time.Now()
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		observe("keys", "error", start)
		return nil, fmt.Errorf("failed to read directory %s: %w", r.basePath, err)
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, tmpPrefix) || filepath.Ext(name) != metaExt {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, metaExt))
	}

	observe("keys", "success", start)
	return keys, nil
}

func (r *Repository) Close() error {
	return nil
}

func (r *Repository) readMeta(key string) (*storage.Record, error) {
	metaPath, _, err := r.paths(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", consts.ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to read metadata of %s: %w", key, err)
	}

	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: metadata of %s: %v", consts.ErrCorruptRecord, key, err)
	}
	if rec.Key == "" {
		rec.Key = key
	}
	return &rec, nil
}

func (r *Repository) paths(key string) (string, string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." || strings.HasPrefix(key, tmpPrefix) {
		return "", "", fmt.Errorf("%w: unusable key %q", consts.ErrInvalidItem, key)
	}
	return filepath.Join(r.basePath, key+metaExt), filepath.Join(r.basePath, key+payloadExt), nil
}

func (r *Repository) cleanup() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %w", r.basePath, err)
	}

	metas := make(map[string]bool)
	for _, entry := range entries {
		if name := entry.Name(); filepath.Ext(name) == metaExt {
			metas[strings.TrimSuffix(name, metaExt)] = true
		}
	}

	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(r.basePath, name)
		switch {
		case entry.IsDir():
		case strings.HasPrefix(name, tmpPrefix):
			logger.Info("Disk: removing interrupted write", "file", path)
			os.Remove(path)
		case filepath.Ext(name) == payloadExt && !metas[strings.TrimSuffix(name, payloadExt)]:
			logger.Info("Disk: removing orphaned payload", "file", path)
			os.Remove(path)
		}
	}
	return nil
}

// writeDataAtomic writes raw bytes to a file atomically using temp file + rename
func writeDataAtomic(path string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), tmpPrefix)
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, consts.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func observe(op, result string, start time.Time) {
	metrics.StorageOperations.WithLabelValues(backend, op, result).Inc()
	metrics.StorageOperationDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}
