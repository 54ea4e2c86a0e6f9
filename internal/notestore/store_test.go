package notestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MeBadDev/online-amt/internal/notes"
)

// ---------------------------------------------------------------------------
// Shared behaviour
// ---------------------------------------------------------------------------

func sampleEvents(start int) []notes.Event {
	return []notes.Event{
		notes.NewEvent(notes.KindOnset, start, time.Duration(start)*time.Millisecond),
		notes.NewEvent(notes.KindOnset, start+4, time.Duration(start)*time.Millisecond),
		notes.NewEvent(notes.KindOffset, start, time.Duration(start+32)*time.Millisecond),
	}
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.List(ctx, "missing", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("List(missing) = %v, want ErrNotFound", err)
	}
	if err := s.Append(ctx, "a", nil); err != nil {
		t.Fatalf("Append(nil): %v", err)
	}
	if _, err := s.List(ctx, "a", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty append created the session: %v", err)
	}

	first, second := sampleEvents(10), sampleEvents(40)
	if err := s.Append(ctx, "a", first); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, "b", sampleEvents(70)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, "a", second); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := s.List(ctx, "a", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := append(append([]notes.Event(nil), first...), second...)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("List(a) = %v, want %v", got, want)
	}

	got, err = s.List(ctx, "a", 2)
	if err != nil {
		t.Fatalf("List(limit): %v", err)
	}
	if !reflect.DeepEqual(got, second[1:]) {
		t.Errorf("List(a, 2) = %v, want %v", got, second[1:])
	}
}

// ---------------------------------------------------------------------------
// MemStore
// ---------------------------------------------------------------------------

func TestMemStore(t *testing.T) {
	t.Parallel()
	exerciseStore(t, NewMemStore())
}

// ---------------------------------------------------------------------------
// BadgerStore
// ---------------------------------------------------------------------------

func openTestBadger(t *testing.T, dir string) *BadgerStore {
	t.Helper()
	s, err := OpenBadger(BadgerOptions{
		Dir:      dir,
		InMemory: dir == "",
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	return s
}

func TestBadgerStore(t *testing.T) {
	t.Parallel()
	s := openTestBadger(t, "")
	defer s.Close()
	exerciseStore(t, s)
}

func TestBadgerStoreResumesSequenceAfterReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	s := openTestBadger(t, dir)
	if err := s.Append(ctx, "sess", sampleEvents(1)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s = openTestBadger(t, dir)
	defer s.Close()
	if err := s.Append(ctx, "sess", sampleEvents(20)); err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	got, err := s.List(ctx, "sess", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 6 || got[0].Pitch != 1 || got[5].Pitch != 20 {
		t.Errorf("List after reopen = %v", got)
	}
}

func TestBadgerRequiresDir(t *testing.T) {
	t.Parallel()
	if _, err := OpenBadger(BadgerOptions{}); err == nil {
		t.Error("expected error without a directory")
	}
}

// ---------------------------------------------------------------------------
// PostgresStore (mock DB)
// ---------------------------------------------------------------------------

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *int32:
			*d = v.(int32)
		case *int64:
			*d = v.(int64)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryFunc func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc  func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func TestPostgresMigrate(t *testing.T) {
	t.Parallel()
	var gotSQL string
	s := NewPostgresStore(&mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		gotSQL = sql
		return pgconn.CommandTag{}, nil
	}})
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if !strings.Contains(gotSQL, "CREATE TABLE IF NOT EXISTS note_events") {
		t.Errorf("Migrate ran %q", gotSQL)
	}
}

func TestPostgresAppend(t *testing.T) {
	t.Parallel()
	var calls int
	var args []any
	s := NewPostgresStore(&mockDB{execFunc: func(_ context.Context, sql string, a ...any) (pgconn.CommandTag, error) {
		calls++
		args = a
		if !strings.Contains(sql, "INSERT INTO note_events") {
			t.Errorf("unexpected SQL %q", sql)
		}
		return pgconn.CommandTag{}, nil
	}})
	ctx := context.Background()

	if err := s.Append(ctx, "sess", nil); err != nil || calls != 0 {
		t.Fatalf("empty Append: err %v, %d statements", err, calls)
	}
	events := sampleEvents(39)
	if err := s.Append(ctx, "sess", events); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if calls != 1 {
		t.Fatalf("Append ran %d statements, want 1", calls)
	}
	if args[0] != "sess" {
		t.Errorf("session arg = %v", args[0])
	}
	if kinds := args[1].([]string); !reflect.DeepEqual(kinds, []string{"onset", "onset", "offset"}) {
		t.Errorf("kinds = %v", kinds)
	}
	if midis := args[3].([]int32); midis[0] != 60 {
		t.Errorf("midi = %v", midis)
	}
}

func TestPostgresAppendError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	s := NewPostgresStore(&mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, boom
	}})
	if err := s.Append(context.Background(), "x", sampleEvents(0)); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped boom", err)
	}
}

func TestPostgresList(t *testing.T) {
	t.Parallel()
	rows := &mockRows{data: [][]any{
		{"onset", int32(39), int32(60), "C4", int64(time.Second)},
		{"offset", int32(39), int32(60), "C4", int64(2 * time.Second)},
	}}
	var gotArgs []any
	s := NewPostgresStore(&mockDB{queryFunc: func(_ context.Context, _ string, a ...any) (pgx.Rows, error) {
		gotArgs = a
		return rows, nil
	}})

	got, err := s.List(context.Background(), "sess", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []notes.Event{
		notes.NewEvent(notes.KindOnset, 39, time.Second),
		notes.NewEvent(notes.KindOffset, 39, 2*time.Second),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("List = %v, want %v", got, want)
	}
	if lim := gotArgs[1].(*int); lim == nil || *lim != 10 {
		t.Errorf("limit arg = %v", gotArgs[1])
	}
	if !rows.closed {
		t.Error("rows not closed")
	}
}

func TestPostgresListEmpty(t *testing.T) {
	t.Parallel()
	var gotArgs []any
	s := NewPostgresStore(&mockDB{queryFunc: func(_ context.Context, _ string, a ...any) (pgx.Rows, error) {
		gotArgs = a
		return &mockRows{}, nil
	}})
	if _, err := s.List(context.Background(), "none", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if lim := gotArgs[1].(*int); lim != nil {
		t.Errorf("unbounded list passed limit %d", *lim)
	}
}

// ---------------------------------------------------------------------------
// Open
// ---------------------------------------------------------------------------

func TestOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := Open(ctx, DriverNone, "")
	if err != nil || s != nil {
		t.Errorf("Open(none) = %v, %v", s, err)
	}
	s, err = Open(ctx, DriverMemory, "")
	if err != nil {
		t.Fatalf("Open(memory): %v", err)
	}
	if _, ok := s.(*MemStore); !ok {
		t.Errorf("Open(memory) = %T", s)
	}
	if _, err := Open(ctx, Driver("sqlite"), ""); err == nil {
		t.Error("expected unknown driver error")
	}
}
