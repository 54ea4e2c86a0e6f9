// Package notestore persists the note events of transcription sessions.
//
// Three backends implement [Store]: [PostgresStore] (pgx), [BadgerStore]
// (embedded BadgerDB) and [MemStore]. Events are kept per session in the
// order they were appended.
package notestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/MeBadDev/online-amt/internal/notes"
)

// ErrNotFound is returned by [Store.List] for a session without events.
var ErrNotFound = errors.New("notestore: not found")

// Store persists note events keyed by session ID.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Append stores events for sessionID after any events already stored.
	// Appending no events is a no-op.
	Append(ctx context.Context, sessionID string, events []notes.Event) error

	// List returns up to limit of the most recent events of sessionID,
	// oldest first. A non-positive limit returns every event. It returns
	// [ErrNotFound] when the session has no events.
	List(ctx context.Context, sessionID string, limit int) ([]notes.Event, error)

	// Close releases the backend's resources.
	Close() error
}

// Driver names a backend in configuration.
type Driver string

const (
	DriverNone     Driver = ""
	DriverMemory   Driver = "memory"
	DriverPostgres Driver = "postgres"
	DriverBadger   Driver = "badger"
)

// Open connects the backend named by driver. dsn is a PostgreSQL connection
// string for [DriverPostgres] and a data directory for [DriverBadger]
// (empty for an in-memory Badger instance). [DriverNone] returns a nil Store.
func Open(ctx context.Context, driver Driver, dsn string) (Store, error) {
	switch driver {
	case DriverNone:
		return nil, nil
	case DriverMemory:
		return NewMemStore(), nil
	case DriverPostgres:
		s, err := OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverBadger:
		s, err := OpenBadger(BadgerOptions{Dir: dsn, InMemory: dsn == ""})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("notestore: unknown driver %q", driver)
	}
}

// tail returns the last limit events, or all of them for limit <= 0.
func tail(events []notes.Event, limit int) []notes.Event {
	if limit > 0 && len(events) > limit {
		return events[len(events)-limit:]
	}
	return events
}
