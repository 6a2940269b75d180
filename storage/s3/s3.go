// Package s3 stores spool records in an S3-compatible bucket. Each record
// is two objects under the repository prefix: <key>.msg with the payload and
// <key>.json with the metadata, written in that order so a listed key always
// has its payload.
//
// Payload objects can be encrypted client-side with AES-256-GCM; the key is a
// 64-character hex string from config.toml.
package s3

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/migadu/mailspool/config"
	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/logger"
	"github.com/migadu/mailspool/pkg/metrics"
	"github.com/migadu/mailspool/pkg/retry"
	"github.com/migadu/mailspool/storage"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	backend    = "s3"
	metaExt    = ".json"
	payloadExt = ".msg"
)

type Repository struct {
	client        *minio.Client
	bucket        string
	prefix        string
	encryptionKey []byte
	backoff       retry.BackoffConfig
}

// New connects to the bucket described by cfg. Objects live under
// cfg.Prefix, or under name when no prefix is configured.
func New(ctx context.Context, cfg config.S3Config, name string, backoff retry.BackoffConfig) (*Repository, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.DisableTLS,
	})
	if err != nil {
		logger.Error("S3: Failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	if cfg.Debug {
		client.TraceOn(os.Stdout)
	}

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = name
	}

	r := &Repository{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  prefix,
		backoff: backoff,
	}

	if cfg.Encrypt {
		if err := r.enableEncryption(cfg.EncryptionKey); err != nil {
			return nil, err
		}
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", cfg.Bucket)
	}

	logger.Info("S3: repository ready", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket, "prefix", prefix, "encrypted", cfg.Encrypt)
	return r, nil
}

func (r *Repository) enableEncryption(encryptionKey string) error {
	if encryptionKey == "" {
		return fmt.Errorf("encryption key is required when encryption is enabled")
	}
	masterKey, err := hex.DecodeString(encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(masterKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes (64 hex characters)")
	}
	r.encryptionKey = masterKey
	return nil
}

func (r *Repository) Put(ctx context.Context, rec *storage.Record) error {
	start := time.Now()
	if rec.Key == "" || strings.Contains(rec.Key, "/") {
		return fmt.Errorf("%w: unusable key %q", consts.ErrInvalidItem, rec.Key)
	}

	payload := rec.Payload
	if r.encryptionKey != nil {
		var err error
		if payload, err = encryptData(r.encryptionKey, payload); err != nil {
			metrics.StorageOperationErrors.WithLabelValues(backend, "put", "encryption_error").Inc()
			return fmt.Errorf("failed to encrypt payload: %w", err)
		}
	}
	meta, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrSerializationFailed, err)
	}

	err = r.putObject(ctx, r.object(rec.Key, payloadExt), payload, "message/rfc822")
	if err == nil {
		err = r.putObject(ctx, r.object(rec.Key, metaExt), meta, "application/json")
	}
	observe("put", err, start)
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", rec.Key, err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, key string) (*storage.Record, error) {
	start := time.Now()
	rec, err := r.readMeta(ctx, key)
	if err != nil {
		observe("get", err, start)
		return nil, err
	}

	payload, err := r.getObject(ctx, r.object(key, payloadExt))
	switch {
	case errors.Is(err, consts.ErrNotFound):
		// Reported as corrupt by Record.Item.
		logger.Warn("S3: payload object missing", "key", key)
		payload, err = nil, nil
	case err != nil:
		observe("get", err, start)
		return nil, err
	case r.encryptionKey != nil:
		if payload, err = decryptData(r.encryptionKey, payload); err != nil {
			metrics.StorageOperationErrors.WithLabelValues(backend, "get", "decryption_error").Inc()
			observe("get", err, start)
			return nil, fmt.Errorf("%w: failed to decrypt payload of %s: %v", consts.ErrCorruptRecord, key, err)
		}
	}
	if payload == nil && rec.Size == 0 {
		payload = []byte{}
	}
	rec.Payload = payload

	observe("get", nil, start)
	return rec, nil
}

func (r *Repository) Meta(ctx context.Context, key string) (*storage.Record, error) {
	start := time.Now()
	rec, err := r.readMeta(ctx, key)
	observe("meta", err, start)
	return rec, err
}

// Delete removes the metadata first so the key disappears from listings even
// if the payload removal fails.
func (r *Repository) Delete(ctx context.Context, key string) error {
	start := time.Now()
	var err error
	for _, obj := range []string{r.object(key, metaExt), r.object(key, payloadExt)} {
		err = retry.WithRetry(ctx, "s3 delete", r.backoff, func() error {
			return classify(r.client.RemoveObject(ctx, r.bucket, obj, minio.RemoveObjectOptions{}))
		})
		if err != nil && !errors.Is(err, consts.ErrNotFound) {
			break
		}
		err = nil
	}
	observe("delete", err, start)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (r *Repository) Keys(ctx context.Context) ([]string, error) {
	start := time.Now()
	objects, errCh := r.listObjects(ctx, r.prefix+"/")

	var keys []string
	for obj := range objects {
		name := path.Base(obj)
		if strings.HasSuffix(name, metaExt) {
			keys = append(keys, strings.TrimSuffix(name, metaExt))
		}
	}
	err := <-errCh
	observe("keys", err, start)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}

func (r *Repository) Close() error {
	return nil
}

func (r *Repository) object(key, ext string) string {
	return r.prefix + "/" + key + ext
}

func (r *Repository) readMeta(ctx context.Context, key string) (*storage.Record, error) {
	data, err := r.getObject(ctx, r.object(key, metaExt))
	if err != nil {
		if errors.Is(err, consts.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", consts.ErrNotFound, key)
		}
		return nil, err
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

func (r *Repository) putObject(ctx context.Context, name string, data []byte, contentType string) error {
	return retry.WithRetry(ctx, "s3 put", r.backoff, func() error {
		_, err := r.client.PutObject(ctx, r.bucket, name, bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: contentType, SendContentMd5: true})
		if err != nil {
			metrics.StorageOperationErrors.WithLabelValues(backend, "put", classifyS3Error(err)).Inc()
		}
		return classify(err)
	})
}

func (r *Repository) getObject(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := retry.WithRetry(ctx, "s3 get", r.backoff, func() error {
		obj, err := r.client.GetObject(ctx, r.bucket, name, minio.GetObjectOptions{})
		if err != nil {
			return classify(err)
		}
		defer obj.Close()
		data, err = io.ReadAll(obj)
		if err != nil {
			metrics.StorageOperationErrors.WithLabelValues(backend, "get", classifyS3Error(err)).Inc()
		}
		return classify(err)
	})
	return data, err
}

// listObjects streams object names below prefix. The error channel yields at
// most one error and is closed after the object channel.
func (r *Repository) listObjects(ctx context.Context, prefix string) (<-chan string, <-chan error) {
	objectCh := make(chan string)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(objectCh)

		for object := range r.client.ListObjects(ctx, r.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
			if object.Err != nil {
				errCh <- object.Err
				return
			}
			select {
			case objectCh <- object.Key:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	return objectCh, errCh
}

// classify maps a missing object to consts.ErrNotFound and marks errors that
// retrying will not fix.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		switch {
		case resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey":
			return retry.Stop(fmt.Errorf("%w: %s", consts.ErrNotFound, resp.Key))
		case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusBadRequest:
			return retry.Stop(err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Stop(err)
	}
	return err
}

// classifyS3Error classifies S3 errors for metrics tracking
func classifyS3Error(err error) string {
	if err == nil {
		return "none"
	}

	errStr := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(errStr, "AccessDenied") || strings.Contains(errStr, "Forbidden"):
		return "access_denied"
	case strings.Contains(errStr, "NoSuchKey") || strings.Contains(errStr, "NotFound"):
		return "not_found"
	case strings.Contains(errStr, "SlowDown") || strings.Contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network_error"
	default:
		return "unknown"
	}
}

// encryptData encrypts data using AES-256-GCM; the nonce is prepended.
func encryptData(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptData(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
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
