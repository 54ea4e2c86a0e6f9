// Package resilience provides a circuit breaker for calls to backends that
// can fail for long stretches, such as a database behind the note store.
//
// A [Breaker] moves from closed to open after a run of consecutive
// failures, rejects calls with [ErrOpen] until its cool-down elapses, then
// lets a few probe calls through in the half-open state before closing again.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the cool-down elapses.
	StateOpen

	// StateHalfOpen forwards a limited number of probe calls.
	StateHalfOpen
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the tuning knobs of a [Breaker]. Zero values select the
// defaults noted on each field.
type Config struct {
	// Name labels log records.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open before probing.
	// Default: 30s.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls needed to close
	// the breaker. Default: 3.
	Probes int

	// Benign reports errors that pass through without counting as
	// failures, e.g. a missing record. Nil counts every error.
	Benign func(error) bool

	// OnStateChange is called after each transition, outside the lock.
	OnStateChange func(from, to State)

	// Logger receives transition records. Nil uses [slog.Default].
	Logger *slog.Logger

	// Now is the clock. Nil uses [time.Now].
	Now func() time.Time
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inflight int // half-open probes not yet finished
	passed   int // half-open probes that succeeded
}

// New returns a closed [Breaker].
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Breaker{cfg: cfg, log: log.With("breaker", cfg.Name)}
}

// Do runs fn when the breaker admits the call and records its outcome.
// Rejected calls return [ErrOpen] without running fn.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(probe, err)
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateOpen:
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return false, ErrOpen
		}
		b.state = StateHalfOpen
		b.inflight, b.passed = 0, 0
	case StateHalfOpen:
		if b.inflight+b.passed >= b.cfg.Probes {
			b.mu.Unlock()
			return false, ErrOpen
		}
	}
	probe = b.state == StateHalfOpen
	if probe {
		b.inflight++
	}
	to := b.state
	b.mu.Unlock()
	b.changed(from, to)
	return probe, nil
}

func (b *Breaker) record(probe bool, err error) {
	failed := err != nil && (b.cfg.Benign == nil || !b.cfg.Benign(err))

	b.mu.Lock()
	from := b.state
	if probe {
		b.inflight--
	}
	switch {
	case failed && (probe || b.state == StateHalfOpen):
		b.trip()
	case failed:
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.trip()
		}
	case probe && b.state == StateHalfOpen:
		b.passed++
		if b.passed >= b.cfg.Probes {
			b.state = StateClosed
			b.failures, b.passed = 0, 0
		}
	case b.state == StateClosed:
		b.failures = 0
	}
	to := b.state
	failures := b.failures
	b.mu.Unlock()

	if from != to && to == StateOpen {
		b.log.Warn("circuit opened", "consecutive_failures", failures, "err", err)
	}
	b.changed(from, to)
}

// trip opens the breaker. b.mu must be held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.cfg.Now()
	b.inflight, b.passed = 0, 0
}

func (b *Breaker) changed(from, to State) {
	if from == to {
		return
	}
	if to != StateOpen {
		b.log.Info("circuit state changed", "from", from, "to", to)
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

// State returns the current state. An open breaker whose cool-down has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call to [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures, b.inflight, b.passed = 0, 0, 0
	b.mu.Unlock()
	b.changed(from, StateClosed)
}
