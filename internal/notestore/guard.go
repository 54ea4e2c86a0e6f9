package notestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/MeBadDev/online-amt/internal/notes"
	"github.com/MeBadDev/online-amt/internal/resilience"
)

// ErrUnavailable is returned by a [Guarded] store while its breaker is open.
var ErrUnavailable = errors.New("notestore: backend unavailable")

// Guarded wraps a [Store] with a circuit breaker. After a run of backend
// failures, calls fail fast with [ErrUnavailable] instead of waiting on a
// dead database for every chunk. [ErrNotFound] and context cancellation
// never count as failures.
type Guarded struct {
	store   Store
	breaker *resilience.Breaker
}

var _ Store = (*Guarded)(nil)

// Guard wraps s. cfg.Benign is replaced.
func Guard(s Store, cfg resilience.Config) *Guarded {
	cfg.Benign = func(err error) bool {
		return errors.Is(err, ErrNotFound) ||
			errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded)
	}
	return &Guarded{store: s, breaker: resilience.New(cfg)}
}

// Append implements [Store].
func (g *Guarded) Append(ctx context.Context, sessionID string, events []notes.Event) error {
	if len(events) == 0 {
		return nil
	}
	return g.wrap(g.breaker.Do(func() error {
		return g.store.Append(ctx, sessionID, events)
	}))
}

// List implements [Store].
func (g *Guarded) List(ctx context.Context, sessionID string, limit int) ([]notes.Event, error) {
	var out []notes.Event
	err := g.breaker.Do(func() error {
		var err error
		out, err = g.store.List(ctx, sessionID, limit)
		return err
	})
	if err != nil {
		return nil, g.wrap(err)
	}
	return out, nil
}

// Close implements [Store]. It closes the wrapped store.
func (g *Guarded) Close() error { return g.store.Close() }

// State reports the breaker state.
func (g *Guarded) State() resilience.State { return g.breaker.State() }

func (g *Guarded) wrap(err error) error {
	if errors.Is(err, resilience.ErrOpen) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
