package backends

import (
	"context"
	"errors"
	"fmt"

	"github.com/migadu/mailspool/config"
	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/logger"
	"github.com/migadu/mailspool/pkg/circuitbreaker"
	"github.com/migadu/mailspool/pkg/metrics"
	"github.com/migadu/mailspool/storage"
)

// guarded fails fast while a remote backend is unreachable. Each call still
// goes through the backend's own retry loop; the breaker only counts the
// final outcome.
type guarded struct {
	storage.Repository
	cb *circuitbreaker.Breaker
}

func guard(repo storage.Repository, name string, cfg config.BreakerConfig) (storage.Repository, error) {
	if cfg.Disabled {
		return repo, nil
	}
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid circuit_breaker timeout: %w", err)
	}
	threshold := uint32(cfg.GetThreshold())

	cb := circuitbreaker.New(circuitbreaker.Settings{
		Name:    name,
		Timeout: timeout,
		ReadyToTrip: func(c circuitbreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsFailure: isBackendFailure,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			metrics.StorageBreakerState.WithLabelValues(name).Set(float64(to))
			if to == circuitbreaker.StateOpen {
				logger.Warn("Storage: circuit breaker opened", "repository", name, "from", from.String())
			} else {
				logger.Info("Storage: circuit breaker state changed", "repository", name, "from", from.String(), "to", to.String())
			}
		},
	})
	metrics.StorageBreakerState.WithLabelValues(name).Set(float64(circuitbreaker.StateClosed))
	return &guarded{Repository: repo, cb: cb}, nil
}

// isBackendFailure ignores answers the backend gave successfully: a missing
// key or a cancelled caller says nothing about the backend's health.
func isBackendFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, consts.ErrNotFound),
		errors.Is(err, consts.ErrCorruptRecord),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func (g *guarded) call(op string, fn func() error) error {
	err := g.cb.Do(fn)
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyProbes) {
		return fmt.Errorf("storage %s %s: %w", g.cb.Name(), op, err)
	}
	return err
}

func (g *guarded) Put(ctx context.Context, rec *storage.Record) error {
	return g.call("put", func() error { return g.Repository.Put(ctx, rec) })
}

func (g *guarded) Get(ctx context.Context, key string) (*storage.Record, error) {
	var rec *storage.Record
	err := g.call("get", func() (err error) {
		rec, err = g.Repository.Get(ctx, key)
		return err
	})
	return rec, err
}

func (g *guarded) Meta(ctx context.Context, key string) (*storage.Record, error) {
	var rec *storage.Record
	err := g.call("meta", func() (err error) {
		rec, err = g.Repository.Meta(ctx, key)
		return err
	})
	return rec, err
}

func (g *guarded) Delete(ctx context.Context, key string) error {
	return g.call("delete", func() error { return g.Repository.Delete(ctx, key) })
}

func (g *guarded) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := g.call("keys", func() (err error) {
		keys, err = g.Repository.Keys(ctx)
		return err
	})
	return keys, err
}
