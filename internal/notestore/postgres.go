package notestore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MeBadDev/online-amt/internal/notes"
)

// Schema is the SQL DDL for the note_events table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS note_events (
    id          BIGSERIAL PRIMARY KEY,
    session_id  TEXT NOT NULL,
    kind        TEXT NOT NULL,
    pitch       INTEGER NOT NULL,
    midi        INTEGER NOT NULL,
    name        TEXT NOT NULL,
    time_ns     BIGINT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_note_events_session ON note_events(session_id, id);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db    DB
	close func()
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] and for closing db.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db, close: func() {}}
}

// OpenPostgres connects a pool to dsn, pings it and runs [Schema]. The
// returned store owns the pool.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("notestore: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("notestore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("notestore: ping: %w", err)
	}
	s := &PostgresStore{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes the [Schema] DDL against the database, creating the
// note_events table and index if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("notestore: migrate: %w", err)
	}
	return nil
}

// Append implements [Store]. All events are inserted by one statement.
func (s *PostgresStore) Append(ctx context.Context, sessionID string, events []notes.Event) error {
	if len(events) == 0 {
		return nil
	}
	kinds := make([]string, len(events))
	pitches := make([]int32, len(events))
	midis := make([]int32, len(events))
	names := make([]string, len(events))
	times := make([]int64, len(events))
	for i, e := range events {
		kinds[i] = string(e.Kind)
		pitches[i] = int32(e.Pitch)
		midis[i] = int32(e.MIDI)
		names[i] = e.Name
		times[i] = int64(e.Time)
	}

	const query = `
		INSERT INTO note_events (session_id, kind, pitch, midi, name, time_ns)
		SELECT $1, k, p, m, n, t
		FROM unnest($2::text[], $3::int[], $4::int[], $5::text[], $6::bigint[])
			WITH ORDINALITY AS e(k, p, m, n, t, ord)
		ORDER BY ord`

	if _, err := s.db.Exec(ctx, query, sessionID, kinds, pitches, midis, names, times); err != nil {
		return fmt.Errorf("notestore: append %d events to %q: %w", len(events), sessionID, err)
	}
	return nil
}

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context, sessionID string, limit int) ([]notes.Event, error) {
	const query = `
		SELECT kind, pitch, midi, name, time_ns FROM (
			SELECT id, kind, pitch, midi, name, time_ns
			FROM note_events
			WHERE session_id = $1
			ORDER BY id DESC
			LIMIT $2
		) recent
		ORDER BY id ASC`

	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.db.Query(ctx, query, sessionID, lim)
	if err != nil {
		return nil, fmt.Errorf("notestore: list %q: %w", sessionID, err)
	}
	defer rows.Close()

	var events []notes.Event
	for rows.Next() {
		var (
			e           notes.Event
			kind        string
			pitch, midi int32
			timeNS      int64
		)
		if err := rows.Scan(&kind, &pitch, &midi, &e.Name, &timeNS); err != nil {
			return nil, fmt.Errorf("notestore: scan event: %w", err)
		}
		e.Kind = notes.Kind(kind)
		e.Pitch = int(pitch)
		e.MIDI = int(midi)
		e.Time = time.Duration(timeNS)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notestore: list %q: %w", sessionID, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("notestore: list %q: %w", sessionID, ErrNotFound)
	}
	return events, nil
}

// Close releases the pool when the store opened it.
func (s *PostgresStore) Close() error {
	s.close()
	return nil
}
