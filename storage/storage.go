// Package storage defines the physical persistence contract behind the spool.
//
// A Repository keeps one Record per key: the routing metadata of a mail item
// plus its raw payload. Repositories know nothing about locking or routing;
// the spool package layers key locks and blocking accept on top of them.
//
// # Backends
//
// Four backends are provided in sub-packages, all selected through the
// [spool] section of config.toml:
//   - disk: one JSON metadata file plus one .msg payload file per key
//   - sqlite: a single-file database (modernc.org/sqlite, no cgo)
//   - postgres: a shared database, schema managed by golang-migrate
//   - s3: an S3-compatible bucket, metadata and payload as two objects
//
// The in-memory repository in this package is used by tests and by
// deployments that do not need the spool to survive a restart.
//
// # Integrity
//
// Every record carries the BLAKE3 digest of its payload. Record.Item verifies
// the digest when the payload has been loaded, so a truncated or swapped
// payload is reported as consts.ErrCorruptRecord instead of being routed.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/helpers"
	"github.com/migadu/mailspool/mail"
)

// Repository is the physical storage used by the spool and by secondary
// repositories (see the ToRepository action).
//
// Get and Meta return consts.ErrNotFound for unknown keys. Delete of an
// unknown key is not an error.
type Repository interface {
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, key string) (*Record, error)
	Meta(ctx context.Context, key string) (*Record, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// Record is the persisted form of a mail.Item.
type Record struct {
	Key          string         `json:"key"`
	Sender       string         `json:"sender"`
	Recipients   []string       `json:"recipients"`
	State        string         `json:"state"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	LastUpdated  time.Time      `json:"last_updated"`
	Digest       string         `json:"digest"`
	Size         int64          `json:"size"`

	// Payload is nil for records returned by Meta.
	Payload []byte `json:"-"`
}

// NewRecord converts an item into its persisted form, computing the payload
// digest.
func NewRecord(item *mail.Item) *Record {
	rec := &Record{
		Key:          item.ID,
		Sender:       item.Sender,
		Recipients:   append([]string(nil), item.Recipients...),
		State:        item.State,
		ErrorMessage: item.ErrorMessage,
		LastUpdated:  item.LastUpdated,
		Digest:       helpers.HashContent(item.Payload),
		Size:         int64(len(item.Payload)),
		Payload:      item.Payload,
	}
	if len(item.Attributes) > 0 {
		rec.Attributes = make(map[string]any, len(item.Attributes))
		for k, v := range item.Attributes {
			rec.Attributes[k] = v
		}
	}
	return rec
}

// Item reconstructs the mail item. The payload must have been loaded; its
// digest is checked against the stored one.
func (r *Record) Item() (*mail.Item, error) {
	if r.Key == "" || r.State == "" {
		return nil, fmt.Errorf("%w: record is missing key or state", consts.ErrCorruptRecord)
	}
	if r.Payload == nil && r.Size > 0 {
		return nil, fmt.Errorf("%w: payload of %s is missing", consts.ErrCorruptRecord, r.Key)
	}
	if r.Digest != "" {
		if got := helpers.HashContent(r.Payload); got != r.Digest {
			return nil, fmt.Errorf("%w: payload digest mismatch for %s", consts.ErrCorruptRecord, r.Key)
		}
	}

	item := &mail.Item{
		ID:           r.Key,
		Sender:       r.Sender,
		Recipients:   append([]string(nil), r.Recipients...),
		State:        r.State,
		Attributes:   make(map[string]any, len(r.Attributes)),
		ErrorMessage: r.ErrorMessage,
		LastUpdated:  r.LastUpdated,
		Payload:      r.Payload,
	}
	for k, v := range r.Attributes {
		item.Attributes[k] = v
	}
	return item, nil
}

// WithoutPayload returns a shallow copy with the payload dropped.
func (r *Record) WithoutPayload() *Record {
	c := *r
	c.Payload = nil
	return &c
}

func (r *Record) clone() *Record {
	c := *r
	c.Recipients = append([]string(nil), r.Recipients...)
	if r.Payload != nil {
		c.Payload = append([]byte(nil), r.Payload...)
	}
	if r.Attributes != nil {
		c.Attributes = make(map[string]any, len(r.Attributes))
		for k, v := range r.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}
