// Package circuitbreaker stops calls to a failing dependency for a while so
// that workers fail fast instead of piling up on timeouts.
//
// A breaker starts closed. Once ReadyToTrip approves the failure counts of
// the current window it opens and rejects every call with ErrOpen until
// Timeout has passed. It then lets MaxProbes calls through (half-open); a
// successful probe closes it, a failed one opens it again.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrOpen          = errors.New("circuit breaker is open")
	ErrTooManyProbes = errors.New("too many requests in half-open state")
)

// Counts are the outcomes of the current window.
type Counts struct {
	Requests             uint32
	Failures             uint32
	ConsecutiveFailures  uint32
	ConsecutiveSuccesses uint32
}

type Settings struct {
	Name      string
	MaxProbes uint32        // calls allowed while half-open (default 1)
	Interval  time.Duration // closed-state window after which counts reset; 0 never resets
	Timeout   time.Duration // how long the breaker stays open (default 30s)

	// ReadyToTrip decides whether a failure opens the breaker. The default
	// trips after five consecutive failures.
	ReadyToTrip func(c Counts) bool

	// IsFailure classifies call errors. The default counts every non-nil
	// error.
	IsFailure func(err error) bool

	OnStateChange func(name string, from, to State)
}

type Breaker struct {
	settings Settings

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
	now        func() time.Time
}

func New(st Settings) *Breaker {
	if st.MaxProbes == 0 {
		st.MaxProbes = 1
	}
	if st.Timeout <= 0 {
		st.Timeout = 30 * time.Second
	}
	if st.Interval < 0 {
		st.Interval = 0
	}
	if st.ReadyToTrip == nil {
		st.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures >= 5 }
	}
	if st.IsFailure == nil {
		st.IsFailure = func(err error) bool { return err != nil }
	}

	b := &Breaker{settings: st, now: time.Now}
	b.newGeneration(b.now())
	return b
}

func (b *Breaker) Name() string {
	return b.settings.Name
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.current(b.now())
	return state
}

func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Do runs fn unless the breaker rejects the call. A panic in fn counts as a
// failure and is re-raised.
func (b *Breaker) Do(fn func() error) error {
	generation, err := b.before()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.after(generation, true)
			panic(r)
		}
	}()

	err = fn()
	b.after(generation, b.settings.IsFailure(err))
	return err
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, generation := b.current(b.now())
	switch {
	case state == StateOpen:
		return generation, ErrOpen
	case state == StateHalfOpen && b.counts.Requests >= b.settings.MaxProbes:
		return generation, ErrTooManyProbes
	}
	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) after(before uint64, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, generation := b.current(now)
	if generation != before {
		// The outcome belongs to a window that is already gone.
		return
	}

	if failed {
		b.counts.Failures++
		b.counts.ConsecutiveFailures++
		b.counts.ConsecutiveSuccesses = 0
		if state == StateHalfOpen || b.settings.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
		return
	}

	b.counts.ConsecutiveSuccesses++
	b.counts.ConsecutiveFailures = 0
	if state == StateHalfOpen {
		b.setState(StateClosed, now)
	}
}

func (b *Breaker) current(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)

	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.settings.Name, prev, state)
	}
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}

	switch b.state {
	case StateClosed:
		if b.settings.Interval == 0 {
			b.expiry = time.Time{}
		} else {
			b.expiry = now.Add(b.settings.Interval)
		}
	case StateOpen:
		b.expiry = now.Add(b.settings.Timeout)
	default:
		b.expiry = time.Time{}
	}
}
