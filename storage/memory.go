package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/migadu/mailspool/consts"
)

// Memory is a volatile Repository.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]*Record)}
}

func (m *Memory) Put(_ context.Context, rec *Record) error {
	if rec.Key == "" {
		return fmt.Errorf("%w: empty key", consts.ErrInvalidItem)
	}
	c := rec.clone()

	m.mu.Lock()
	m.records[rec.Key] = c
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	rec, ok := m.records[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", consts.ErrNotFound, key)
	}
	c := rec.clone()
	return c, nil
}

func (m *Memory) Meta(ctx context.Context, key string) (*Record, error) {
	rec, err := m.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	rec.Payload = nil
	return rec, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.records, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *Memory) Close() error {
	return nil
}

// Tamper replaces the stored payload of key without touching its digest.
// It exists for exercising corrupt-record handling in tests.
func (m *Memory) Tamper(key string, payload []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return false
	}
	rec.Payload = payload
	return true
}
