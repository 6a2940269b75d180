package backends

import (
	"context"
	"errors"
	"testing"

	"github.com/migadu/mailspool/config"
	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/pkg/circuitbreaker"
	"github.com/migadu/mailspool/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnreachable = errors.New("connection refused")

// flaky fails every call while down is set.
type flaky struct {
	storage.Repository
	down  bool
	calls int
}

func (f *flaky) Keys(ctx context.Context) ([]string, error) {
	f.calls++
	if f.down {
		return nil, errUnreachable
	}
	return f.Repository.Keys(ctx)
}

func TestGuardOpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	inner := &flaky{Repository: storage.NewMemory(), down: true}
	repo, err := guard(inner, "test", config.BreakerConfig{Threshold: 2, Timeout: "1h"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := repo.Keys(ctx)
		assert.ErrorIs(t, err, errUnreachable)
	}

	_, err = repo.Keys(ctx)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, inner.calls, "open breaker must not reach the backend")
}

func TestGuardIgnoresNotFound(t *testing.T) {
	ctx := context.Background()
	repo, err := guard(storage.NewMemory(), "test", config.BreakerConfig{Threshold: 1})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := repo.Get(ctx, "missing")
		assert.ErrorIs(t, err, consts.ErrNotFound)
	}
	assert.Equal(t, circuitbreaker.StateClosed, repo.(*guarded).cb.State())
}

func TestGuardDisabled(t *testing.T) {
	mem := storage.NewMemory()
	repo, err := guard(mem, "test", config.BreakerConfig{Disabled: true})
	require.NoError(t, err)
	assert.Same(t, mem, repo)

	_, err = guard(mem, "test", config.BreakerConfig{Timeout: "whenever"})
	assert.Error(t, err)
}
