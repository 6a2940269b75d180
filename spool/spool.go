// Package spool is the lock-coordinated queue between producers and pipeline
// workers.
//
// A Store keeps the set of spooled keys and a KeyLock over them on top of a
// storage.Repository. Workers call Accept (or AcceptDelay) to obtain
// exclusive ownership of one unlocked key, Retrieve the item, route it and
// finally Store it under a new state or Remove it. The key stays locked until
// the worker calls Unlock.
//
// Accept sleeps on the KeyLock broadcast channel. Every Store, Remove, Lock
// and Unlock broadcasts, so a sleeping worker re-scans as soon as something
// may have become available. Each scan tries at most ScanLimit unlocked keys
// in map order; there is no FIFO guarantee, only eventual service.
package spool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/logger"
	"github.com/migadu/mailspool/mail"
	"github.com/migadu/mailspool/pkg/keylock"
	"github.com/migadu/mailspool/pkg/metrics"
	"github.com/migadu/mailspool/storage"
)

// Options tune the accept loop. Zero values select the defaults.
type Options struct {
	ScanLimit int           // keys examined per accept cycle (default 1000)
	MaxWait   time.Duration // longest single accept sleep (default 60s)
}

// entry caches what AcceptDelay needs to decide eligibility without I/O.
type entry struct {
	state       string
	lastUpdated time.Time
}

// Store is safe for concurrent use by any number of workers.
type Store struct {
	repo      storage.Repository
	locks     *keylock.KeyLock
	scanLimit int
	maxWait   time.Duration

	mu   sync.RWMutex
	keys map[string]entry
}

// CorruptRecordError is returned by Retrieve for a record that could not be
// reconstructed. The key has already been removed from the spool. It matches
// both consts.ErrNotFound and consts.ErrCorruptRecord.
type CorruptRecordError struct {
	Key string
	Err error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("spool record %s is corrupt and was removed: %v", e.Key, e.Err)
}

func (e *CorruptRecordError) Unwrap() []error {
	return []error{consts.ErrNotFound, consts.ErrCorruptRecord, e.Err}
}

// Open builds a store over repo and registers every key the repository
// already holds. Recovered keys start unlocked.
func Open(ctx context.Context, repo storage.Repository, opts Options) (*Store, error) {
	if opts.ScanLimit <= 0 {
		opts.ScanLimit = consts.DefaultScanLimit
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = consts.DefaultMaxWait
	}

	s := &Store{
		repo:      repo,
		locks:     keylock.New(),
		scanLimit: opts.ScanLimit,
		maxWait:   opts.MaxWait,
		keys:      make(map[string]entry),
	}

	keys, err := repo.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load spool keys: %w", err)
	}
	for _, key := range keys {
		rec, err := repo.Meta(ctx, key)
		if err != nil {
			// Registered anyway; Retrieve removes it if it is really corrupt.
			logger.Warn("Spool: could not read metadata during recovery", "key", key, "error", err)
			s.keys[key] = entry{}
			continue
		}
		s.keys[key] = entry{state: rec.State, lastUpdated: rec.LastUpdated}
	}

	metrics.SpoolKeys.Set(float64(len(s.keys)))
	if len(keys) > 0 {
		logger.Info("Spool: recovered items", "count", len(keys))
	}
	return s, nil
}

// Store persists item under its id. If the key is free it is locked for the
// duration of the write; if the caller already holds it, the lock is left
// alone.
func (s *Store) Store(ctx context.Context, item *mail.Item) error {
	start := time.Now()
	if err := item.Validate(); err != nil {
		observe("store", err, start)
		return err
	}
	if item.State == mail.StateGhost {
		observe("store", consts.ErrInvalidItem, start)
		return fmt.Errorf("%w: refusing to spool ghosted item %s", consts.ErrInvalidItem, item.ID)
	}

	if s.locks.Lock(item.ID) {
		defer s.locks.Unlock(item.ID)
	}

	if err := s.repo.Put(ctx, storage.NewRecord(item)); err != nil {
		observe("store", err, start)
		return fmt.Errorf("failed to store %s: %w", item.ID, err)
	}

	s.mu.Lock()
	s.keys[item.ID] = entry{state: item.State, lastUpdated: item.LastUpdated}
	n := len(s.keys)
	s.mu.Unlock()

	metrics.SpoolKeys.Set(float64(n))
	observe("store", nil, start)
	s.locks.Broadcast()
	return nil
}

// Retrieve loads the item stored under key. A record that cannot be
// reconstructed is removed and reported as *CorruptRecordError.
func (s *Store) Retrieve(ctx context.Context, key string) (*mail.Item, error) {
	start := time.Now()
	rec, err := s.repo.Get(ctx, key)
	if err != nil {
		switch {
		case errors.Is(err, consts.ErrCorruptRecord):
			return nil, s.discardCorrupt(ctx, key, err)
		case errors.Is(err, consts.ErrNotFound):
			s.unregister(key)
		}
		observe("retrieve", err, start)
		return nil, err
	}

	item, err := rec.Item()
	if err != nil {
		return nil, s.discardCorrupt(ctx, key, err)
	}
	observe("retrieve", nil, start)
	return item, nil
}

func (s *Store) discardCorrupt(ctx context.Context, key string, cause error) error {
	logger.Error("Spool: removing corrupt record", "key", key, "error", cause)
	metrics.SpoolCorruptRecords.Inc()
	metrics.SpoolOperations.WithLabelValues("retrieve", "corrupt").Inc()
	if err := s.Remove(ctx, key); err != nil {
		logger.Error("Spool: failed to remove corrupt record", "key", key, "error", err)
	}
	return &CorruptRecordError{Key: key, Err: cause}
}

// Remove deletes the record and forgets the key. Removing an unknown key is
// not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	start := time.Now()
	if s.locks.Lock(key) {
		defer s.locks.Unlock(key)
	}

	if err := s.repo.Delete(ctx, key); err != nil {
		observe("remove", err, start)
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	s.unregister(key)
	observe("remove", nil, start)
	s.locks.Broadcast()
	return nil
}

func (s *Store) unregister(key string) {
	s.mu.Lock()
	delete(s.keys, key)
	n := len(s.keys)
	s.mu.Unlock()
	metrics.SpoolKeys.Set(float64(n))
}

// List returns the registered keys, sorted.
func (s *Store) List() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Len returns the number of registered keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Contains reports whether key is registered.
func (s *Store) Contains(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[key]
	return ok
}

// Lock takes key without waiting. It returns false if the key is held.
func (s *Store) Lock(key string) bool {
	ok := s.locks.Lock(key)
	if ok {
		metrics.SpoolLockedKeys.Set(float64(s.locks.Held()))
	}
	return ok
}

// Unlock releases key. It returns false if the key was not held.
func (s *Store) Unlock(key string) bool {
	ok := s.locks.Unlock(key)
	if ok {
		metrics.SpoolLockedKeys.Set(float64(s.locks.Held()))
	}
	return ok
}

func (s *Store) IsLocked(key string) bool {
	return s.locks.IsLocked(key)
}

// Accept blocks until a registered key is unlocked, locks it and returns it.
// It only fails when ctx is done.
func (s *Store) Accept(ctx context.Context) (string, error) {
	return s.accept(ctx, -1)
}

// AcceptDelay is Accept, except that an item in the error state is eligible
// only once delay has elapsed since its last update.
func (s *Store) AcceptDelay(ctx context.Context, delay time.Duration) (string, error) {
	if delay < 0 {
		delay = 0
	}
	return s.accept(ctx, delay)
}

// accept implements both variants; a negative delay disables the error-state
// check.
func (s *Store) accept(ctx context.Context, delay time.Duration) (string, error) {
	start := time.Now()
	for {
		// Taken before scanning so a broadcast during the scan is not lost.
		changed := s.locks.Changed()

		key, nextEligible := s.scan(delay)
		if key != "" {
			metrics.SpoolAcceptWait.Observe(time.Since(start).Seconds())
			metrics.SpoolLockedKeys.Set(float64(s.locks.Held()))
			return key, nil
		}

		wait := s.maxWait
		if !nextEligible.IsZero() {
			if d := time.Until(nextEligible); d < wait {
				wait = d
			}
		}
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-changed:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		}
		timer.Stop()
	}
}

// scan tries to lock one eligible key. When none is found it returns the
// earliest time a delayed error-state key becomes eligible (zero if none).
func (s *Store) scan(delay time.Duration) (string, time.Time) {
	candidates, next := s.candidates(delay)
	for _, key := range candidates {
		if !s.locks.Lock(key) {
			continue
		}

		// The key may have been removed or re-stored between the snapshot
		// and the lock.
		if at, ok := s.eligibleAt(key, delay); !ok || at.After(time.Now()) {
			s.locks.Unlock(key)
			continue
		}
		return key, time.Time{}
	}
	return "", next
}

// candidates snapshots up to scanLimit unlocked, eligible keys along with the
// earliest future eligibility time among the delayed ones.
func (s *Store) candidates(delay time.Duration) ([]string, time.Time) {
	now := time.Now()
	var next time.Time

	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, min(len(s.keys), s.scanLimit))
	for k, e := range s.keys {
		if len(keys) == s.scanLimit {
			break
		}
		if s.locks.IsLocked(k) {
			continue
		}
		if at, delayed := e.eligibleAt(delay); delayed && at.After(now) {
			if next.IsZero() || at.Before(next) {
				next = at
			}
			continue
		}
		keys = append(keys, k)
	}
	return keys, next
}

// eligibleAt returns when a registered key may be accepted. ok is false if
// the key is no longer registered.
func (s *Store) eligibleAt(key string, delay time.Duration) (time.Time, bool) {
	s.mu.RLock()
	e, found := s.keys[key]
	s.mu.RUnlock()
	if !found {
		return time.Time{}, false
	}
	at, _ := e.eligibleAt(delay)
	return at, true
}

// eligibleAt reports whether the entry is subject to the error delay and, if
// so, when it ends. A negative delay disables the check.
func (e entry) eligibleAt(delay time.Duration) (time.Time, bool) {
	if delay < 0 || e.state != mail.StateError {
		return time.Time{}, false
	}
	return e.lastUpdated.Add(delay), true
}

// Stats counts registered keys per state.
func (s *Store) Stats(_ context.Context) (*metrics.SpoolStats, error) {
	stats := &metrics.SpoolStats{
		Locked:  s.locks.Held(),
		ByState: make(map[string]int),
	}
	s.mu.RLock()
	stats.Keys = len(s.keys)
	for _, e := range s.keys {
		state := e.state
		if state == "" {
			state = "unknown"
		}
		stats.ByState[state]++
	}
	s.mu.RUnlock()
	return stats, nil
}

// Close closes the underlying repository.
func (s *Store) Close() error {
	return s.repo.Close()
}

func observe(op string, err error, start time.Time) {
	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, consts.ErrNotFound):
		result = "not_found"
	case errors.Is(err, consts.ErrNoRecipients), errors.Is(err, consts.ErrInvalidItem):
		result = "invalid"
	default:
		result = "error"
	}
	metrics.SpoolOperations.WithLabelValues(op, result).Inc()
	metrics.SpoolOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
