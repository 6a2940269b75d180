package metrics

import (
	"context"
	"time"

	"github.com/migadu/mailspool/logger"
)

// SpoolStats is a point-in-time summary of the spool.
type SpoolStats struct {
	Keys    int
	Locked  int
	ByState map[string]int
}

// StatsProvider is implemented by the spool admin interface.
type StatsProvider interface {
	Stats(ctx context.Context) (*SpoolStats, error)
}

// Collector periodically refreshes the spool depth gauges.
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	states   map[string]struct{}
}

func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 30 * time.Second
	}

	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
		states:   make(map[string]struct{}),
	}
}

// Start runs the collection loop until ctx is done or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector: started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector: stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Info("MetricsCollector: stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	stats, err := c.provider.Stats(ctx)
	if err != nil {
		logger.Error("MetricsCollector: error collecting spool stats", "error", err)
		return
	}

	SpoolKeys.Set(float64(stats.Keys))
	SpoolLockedKeys.Set(float64(stats.Locked))

	// States that drained since the last pass are reset to zero rather than
	// left at their previous value.
	for state := range c.states {
		if _, ok := stats.ByState[state]; !ok {
			SpoolDepth.WithLabelValues(state).Set(0)
		}
	}
	for state, n := range stats.ByState {
		SpoolDepth.WithLabelValues(state).Set(float64(n))
		c.states[state] = struct{}{}
	}

	logger.Debug("MetricsCollector: updated spool metrics", "keys", stats.Keys, "locked", stats.Locked)
}
