package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"
)

const badgerKeyPrefix = "session:"

// BadgerStore keeps snapshots in an embedded Badger database. Expiry uses
// Badger's native entry TTL, so expired records disappear without a sweeper.
type BadgerStore struct {
	db     *badger.DB
	owned  bool
	now    func() time.Time
	logger *slog.Logger
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore wraps an open database. The caller keeps ownership of db.
func NewBadgerStore(db *badger.DB, logger *slog.Logger) *BadgerStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{
		db:     db,
		now:    time.Now,
		logger: logger.With("component", "session-store"),
	}
}

// OpenBadgerStore opens a database at dir, or an in-memory one when dir is
// empty. Close releases it.
func OpenBadgerStore(dir string, logger *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	s := NewBadgerStore(db, logger)
	s.owned = true
	return s, nil
}

func (b *BadgerStore) Save(_ context.Context, snap Snapshot, ttl time.Duration) error {
	if snap.SessionID == "" {
		return errors.New("session id is required")
	}
	stamp(&snap, b.now(), ttl)

	data, err := encode(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(badgerKey(snap.SessionID), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}

	b.logger.Debug("stored session",
		"session_id", snap.SessionID,
		"phase", snap.Phase,
		"ttl", ttl)
	return nil
}

func (b *BadgerStore) Load(_ context.Context, sessionID string) (*Snapshot, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(sessionID))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	snap, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	// Badger TTL has one-second granularity; the stored expiry is exact.
	if snap.Expired(b.now()) {
		return nil, ErrNotFound
	}
	return snap, nil
}

func (b *BadgerStore) Clear(_ context.Context, sessionID string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(sessionID))
	})
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// Close closes the database if the store opened it.
func (b *BadgerStore) Close() error {
	if !b.owned {
		return nil
	}
	return b.db.Close()
}

func badgerKey(sessionID string) []byte {
	return []byte(badgerKeyPrefix + sessionID)
}
