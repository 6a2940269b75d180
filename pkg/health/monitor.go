// Package health probes the repositories the spool depends on and keeps the
// last known status of each for the /health endpoint.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/logger"
	"github.com/migadu/mailspool/pkg/metrics"
	"github.com/migadu/mailspool/storage"
)

type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// probeKey is never written, so a healthy repository answers ErrNotFound.
const probeKey = "__mailspool_health__"

type Check struct {
	Name     string
	Probe    func(ctx context.Context) error
	Critical bool // failure makes the whole service unhealthy
	Timeout  time.Duration
}

// ComponentStatus is the last outcome of one check.
type ComponentStatus struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Critical  bool      `json:"critical"`
	LastCheck time.Time `json:"last_check,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures"`
}

type component struct {
	check Check
	state ComponentStatus
}

type Monitor struct {
	interval time.Duration

	mu         sync.RWMutex
	components map[string]*component
	running    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewMonitor(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{interval: interval, components: make(map[string]*component)}
}

// RepositoryCheck probes repo with a Meta lookup of a key that never exists.
func RepositoryCheck(name string, repo storage.Repository, critical bool) Check {
	return Check{
		Name:     "repository:" + name,
		Critical: critical,
		Probe: func(ctx context.Context) error {
			_, err := repo.Meta(ctx, probeKey)
			if err == nil || errors.Is(err, consts.ErrNotFound) {
				return nil
			}
			return err
		},
	}
}

func (m *Monitor) Register(c Check) {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	m.mu.Lock()
	m.components[c.Name] = &component{
		check: c,
		state: ComponentStatus{Name: c.Name, Status: StatusUnknown, Critical: c.Critical},
	}
	m.mu.Unlock()
}

// Start runs every check once and then on each interval until Stop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.RunChecks(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.RunChecks(ctx)
			}
		}
	}()
	logger.Info("Health: monitor started", "interval", m.interval)
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
}

// RunChecks probes every registered component concurrently.
func (m *Monitor) RunChecks(ctx context.Context) {
	m.mu.RLock()
	comps := make([]*component, 0, len(m.components))
	for _, c := range m.components {
		comps = append(comps, c)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range comps {
		wg.Add(1)
		go func(c *component) {
			defer wg.Done()
			m.probe(ctx, c)
		}(c)
	}
	wg.Wait()
}

func (m *Monitor) probe(ctx context.Context, c *component) {
	ctx, cancel := context.WithTimeout(ctx, c.check.Timeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return c.check.Probe(ctx)
	}()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		// Shutting down; keep the previous status.
		return
	}

	m.mu.Lock()
	prev := c.state.Status
	c.state.LastCheck = time.Now()
	if err != nil {
		c.state.Failures++
		c.state.LastError = err.Error()
		// One failure is a blip; two in a row is an outage.
		if c.state.Failures >= 2 {
			c.state.Status = StatusUnhealthy
		} else {
			c.state.Status = StatusDegraded
		}
	} else {
		c.state.Failures = 0
		c.state.LastError = ""
		c.state.Status = StatusHealthy
	}
	cur := c.state.Status
	m.mu.Unlock()

	metrics.ComponentHealthStatus.WithLabelValues(c.check.Name).Set(statusValue(cur))
	if cur != prev {
		if err != nil {
			logger.Warn("Health: component status changed", "component", c.check.Name, "from", prev, "to", cur, "error", err)
		} else {
			logger.Info("Health: component status changed", "component", c.check.Name, "from", prev, "to", cur)
		}
	}
}

func statusValue(s Status) float64 {
	switch s {
	case StatusHealthy:
		return 3
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 1
	default:
		return 0
	}
}

// Overall is unhealthy when a critical component is, degraded when any
// component is not healthy.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	overall := StatusHealthy
	for _, c := range m.components {
		switch c.state.Status {
		case StatusUnhealthy:
			if c.check.Critical {
				return StatusUnhealthy
			}
			overall = StatusDegraded
		case StatusDegraded, StatusUnknown:
			overall = StatusDegraded
		}
	}
	return overall
}

// Components returns the status of every component sorted by name.
func (m *Monitor) Components() []ComponentStatus {
	m.mu.RLock()
	out := make([]ComponentStatus, 0, len(m.components))
	for _, c := range m.components {
		out = append(out, c.state)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
