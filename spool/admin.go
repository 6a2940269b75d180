package spool

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/logger"
	"github.com/migadu/mailspool/mail"
	"github.com/migadu/mailspool/pkg/metrics"
	"github.com/migadu/mailspool/storage"
)

// Filter selects spooled items. Empty fields match everything. Pattern is a
// path.Match glob applied to the string form of Attribute; with Attribute set
// and Pattern empty the attribute only has to be present.
type Filter struct {
	State     string
	Attribute string
	Pattern   string
}

// Validate rejects malformed patterns.
func (f Filter) Validate() error {
	if f.Pattern != "" && f.Attribute == "" {
		return fmt.Errorf("%w: pattern requires an attribute", consts.ErrInvalidFilter)
	}
	if _, err := path.Match(f.Pattern, ""); err != nil {
		return fmt.Errorf("%w: pattern %q: %w", consts.ErrInvalidFilter, f.Pattern, err)
	}
	return nil
}

// Match reports whether the item is selected.
func (f Filter) Match(item *mail.Item) bool {
	return f.matches(item.State, item.Attributes)
}

func (f Filter) matches(state string, attrs map[string]any) bool {
	if f.State != "" && f.State != state {
		return false
	}
	if f.Attribute == "" {
		return true
	}
	v, ok := attrs[f.Attribute]
	if !ok {
		return false
	}
	if f.Pattern == "" {
		return true
	}
	s, isString := v.(string)
	if !isString {
		s = fmt.Sprint(v)
	}
	matched, _ := path.Match(f.Pattern, s)
	return matched
}

// Summary describes a spooled item without its payload.
type Summary struct {
	Key          string         `json:"key"`
	Sender       string         `json:"sender"`
	Recipients   []string       `json:"recipients"`
	State        string         `json:"state"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	LastUpdated  string         `json:"last_updated"`
	Size         int            `json:"size"`
	Locked       bool           `json:"locked"`
}

// Summarize describes item without its payload.
func Summarize(item *mail.Item, locked bool) Summary {
	return Summary{
		Key:          item.ID,
		Sender:       item.SenderOrNull(),
		Recipients:   item.Recipients,
		State:        item.State,
		Attributes:   item.Attributes,
		ErrorMessage: item.ErrorMessage,
		LastUpdated:  item.LastUpdated.UTC().Format(time.RFC3339),
		Size:         item.Size(),
		Locked:       locked,
	}
}

// RemoveResult reports what a bulk removal did.
type RemoveResult struct {
	Removed []string `json:"removed"`
	Skipped []string `json:"skipped,omitempty"` // locked by a worker
}

// Admin implements operator tooling on top of a Store. Secondary
// repositories written by pipelines can be listed by name.
type Admin struct {
	store        *Store
	repositories map[string]storage.Repository
}

func NewAdmin(store *Store, repositories map[string]storage.Repository) *Admin {
	if repositories == nil {
		repositories = make(map[string]storage.Repository)
	}
	return &Admin{store: store, repositories: repositories}
}

// Repositories returns the names of the secondary repositories, sorted.
func (a *Admin) Repositories() []string {
	names := make([]string, 0, len(a.repositories))
	for name := range a.repositories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the spooled items selected by f. Keys that vanish while
// listing are skipped.
func (a *Admin) List(ctx context.Context, f Filter) ([]Summary, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var out []Summary
	for _, key := range a.store.List() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item, err := a.store.Retrieve(ctx, key)
		if err != nil {
			if errors.Is(err, consts.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if f.Match(item) {
			out = append(out, Summarize(item, a.store.IsLocked(key)))
		}
	}
	return out, nil
}

// Show returns one spooled item including its payload.
func (a *Admin) Show(ctx context.Context, key string) (*mail.Item, bool, error) {
	if !a.store.Contains(key) {
		return nil, false, fmt.Errorf("%w: %s", consts.ErrNotFound, key)
	}
	item, err := a.store.Retrieve(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return item, a.store.IsLocked(key), nil
}

// Remove deletes every item selected by f. Items locked by a worker are
// skipped unless force is set.
func (a *Admin) Remove(ctx context.Context, f Filter, force bool) (*RemoveResult, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	res := &RemoveResult{Removed: []string{}}
	for _, key := range a.store.List() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		removed, err := a.removeOne(ctx, key, f, force)
		switch {
		case errors.Is(err, consts.ErrKeyLocked):
			res.Skipped = append(res.Skipped, key)
		case err != nil && !errors.Is(err, consts.ErrNotFound):
			return res, err
		case removed:
			res.Removed = append(res.Removed, key)
		}
	}
	logger.Info("Spool: administrative removal", "state", f.State, "attribute", f.Attribute,
		"pattern", f.Pattern, "force", force, "removed", len(res.Removed), "skipped", len(res.Skipped))
	return res, nil
}

// RemoveKey deletes a single item.
func (a *Admin) RemoveKey(ctx context.Context, key string, force bool) error {
	if !a.store.Contains(key) {
		return fmt.Errorf("%w: %s", consts.ErrNotFound, key)
	}
	_, err := a.removeOne(ctx, key, Filter{}, force)
	return err
}

func (a *Admin) removeOne(ctx context.Context, key string, f Filter, force bool) (bool, error) {
	locked := a.store.Lock(key)
	if !locked && !force {
		metrics.AdminRemovals.WithLabelValues("locked").Inc()
		return false, fmt.Errorf("%w: %s", consts.ErrKeyLocked, key)
	}
	if locked {
		defer a.store.Unlock(key)
	}

	item, err := a.store.Retrieve(ctx, key)
	if err != nil {
		return false, err
	}
	if !f.Match(item) {
		return false, nil
	}
	if err := a.store.Remove(ctx, key); err != nil {
		metrics.AdminRemovals.WithLabelValues("error").Inc()
		return false, err
	}
	metrics.AdminRemovals.WithLabelValues("removed").Inc()
	logger.Info("Spool: item removed by operator", "key", key, "state", item.State, "force", force)
	return true, nil
}

// ListRepository lists the records of a secondary repository.
func (a *Admin) ListRepository(ctx context.Context, name string, f Filter) ([]Summary, error) {
	repo, ok := a.repositories[name]
	if !ok {
		return nil, fmt.Errorf("%w: repository %q", consts.ErrNotFound, name)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	keys, err := repo.Keys(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	var out []Summary
	for _, key := range keys {
		rec, err := repo.Meta(ctx, key)
		if err != nil {
			if errors.Is(err, consts.ErrNotFound) || errors.Is(err, consts.ErrCorruptRecord) {
				continue
			}
			return nil, err
		}
		if !f.matches(rec.State, rec.Attributes) {
			continue
		}
		out = append(out, Summary{
			Key:          rec.Key,
			Sender:       senderOrNull(rec.Sender),
			Recipients:   rec.Recipients,
			State:        rec.State,
			Attributes:   rec.Attributes,
			ErrorMessage: rec.ErrorMessage,
			LastUpdated:  rec.LastUpdated.UTC().Format(time.RFC3339),
			Size:         int(rec.Size),
		})
	}
	return out, nil
}

func senderOrNull(sender string) string {
	if sender == "" {
		return mail.NullSender
	}
	return sender
}

// Stats counts spooled items per state.
func (a *Admin) Stats(ctx context.Context) (*metrics.SpoolStats, error) {
	return a.store.Stats(ctx)
}
