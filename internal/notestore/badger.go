package notestore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/MeBadDev/online-amt/internal/notes"
)

// BadgerOptions configures a [BadgerStore].
type BadgerOptions struct {
	// Dir is the directory for BadgerDB data files. Required unless
	// InMemory is set.
	Dir string

	// InMemory runs BadgerDB without disk persistence.
	InMemory bool

	// Logger receives badger warnings and errors. Nil uses slog.Default.
	Logger *slog.Logger
}

// BadgerStore is a [Store] backed by an embedded BadgerDB. Each event is one
// MessagePack value under the key "notes/<session>/" followed by a big-endian
// sequence number, so a prefix scan yields a session's events in order.
type BadgerStore struct {
	db *badger.DB

	mu   sync.Mutex
	next map[string]uint64 // session → next sequence number
}

var _ Store = (*BadgerStore)(nil)

// OpenBadger opens or creates a BadgerDB.
func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("notestore: badger directory is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{log: log})
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("notestore: open badger: %w", err)
	}
	return &BadgerStore{db: db, next: make(map[string]uint64)}, nil
}

func sessionPrefix(sessionID string) []byte {
	return []byte("notes/" + sessionID + "/")
}

func eventKey(prefix []byte, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(nil), prefix...), seq)
}

// Append implements [Store].
func (s *BadgerStore) Append(_ context.Context, sessionID string, events []notes.Event) error {
	if len(events) == 0 {
		return nil
	}
	prefix := sessionPrefix(sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.next[sessionID]
	if !ok {
		last, found, err := s.lastSeq(prefix)
		if err != nil {
			return err
		}
		if found {
			seq = last + 1
		}
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		for i, e := range events {
			val, err := msgpack.Marshal(e)
			if err != nil {
				return fmt.Errorf("encode event: %w", err)
			}
			if err := txn.Set(eventKey(prefix, seq+uint64(i)), val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("notestore: append %d events to %q: %w", len(events), sessionID, err)
	}
	s.next[sessionID] = seq + uint64(len(events))
	return nil
}

// lastSeq finds the highest stored sequence number under prefix.
func (s *BadgerStore) lastSeq(prefix []byte) (uint64, bool, error) {
	var (
		last  uint64
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek(eventKey(prefix, ^uint64(0)))
		if it.ValidForPrefix(prefix) {
			key := it.Item().Key()
			last = binary.BigEndian.Uint64(key[len(prefix):])
			found = true
		}
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("notestore: scan sequence: %w", err)
	}
	return last, found, nil
}

// List implements [Store].
func (s *BadgerStore) List(_ context.Context, sessionID string, limit int) ([]notes.Event, error) {
	prefix := sessionPrefix(sessionID)
	var events []notes.Event
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e notes.Event
			err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &e)
			})
			if err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			events = append(events, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("notestore: list %q: %w", sessionID, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("notestore: list %q: %w", sessionID, ErrNotFound)
	}
	return tail(events, limit), nil
}

// Close implements [Store].
func (s *BadgerStore) Close() error { return s.db.Close() }

// badgerLogger forwards badger warnings and errors to slog and drops its
// info and debug chatter.
type badgerLogger struct{ log *slog.Logger }

func (l badgerLogger) Errorf(f string, v ...any) {
	l.log.Error("badger: " + fmt.Sprintf(f, v...))
}

func (l badgerLogger) Warningf(f string, v ...any) {
	l.log.Warn("badger: " + fmt.Sprintf(f, v...))
}

func (badgerLogger) Infof(string, ...any)  {}
func (badgerLogger) Debugf(string, ...any) {}
