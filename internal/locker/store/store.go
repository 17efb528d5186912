package store

import (
	"context"
	"errors"
	"time"

	"github.com/lockerhub/lockerd/internal/locker/types"
)

var (
	// ErrNotFound reports an unknown locker or user id.
	ErrNotFound = errors.New("record not found")

	// ErrConflict reports a compare-and-swap write that lost a race.  The
	// enclosing transaction made no changes and is safe to retry.
	ErrConflict = errors.New("record version conflict")
)

// Tx stages writes for one atomic transaction.  Reads inside the transaction
// observe writes staged earlier in the same transaction.
//
// PutLocker and PutUser are conditioned on the Version the record carried
// when it was read: a mismatch fails the whole transaction with ErrConflict
// and nothing is applied.
type Tx interface {
	Locker(id string) (types.Locker, error)
	User(id string) (types.User, error)
	PutLocker(l types.Locker) error
	PutUser(u types.User) error

	// SetLockerState records hardware-reported state.  It writes only the
	// current state and report time; ownership fields and the pending lock
	// command are unreachable through it.  Last write wins.
	SetLockerState(id string, s types.LockState, reportedAt time.Time) error

	// AppendLog stages one audit entry.  Entries are never mutated after
	// the transaction commits.
	AppendLog(e types.LogEntry) error
}

// Notifier receives the delta set of every committed transaction, in commit
// order.  Publish must not block.
type Notifier interface {
	Publish(events []types.Event)
}

// Store is the single source of truth for lockers, users and the audit log.
// All mutation goes through Update; no caller writes records directly.
type Store interface {
	Locker(ctx context.Context, id string) (types.Locker, error)
	Lockers(ctx context.Context) (map[string]types.Locker, error)
	User(ctx context.Context, id string) (types.User, error)
	Users(ctx context.Context) (map[string]types.User, error)

	// RecentLogs returns the n most recently appended audit entries,
	// newest first, ties broken by append order.
	RecentLogs(ctx context.Context, n int) ([]types.LogEntry, error)

	// Update runs fn and applies every staged write atomically.  Partial
	// application is never observable by any reader.  On success the delta
	// set is delivered to the store's Notifier before the next transaction
	// commits, so notification order matches commit order.
	Update(ctx context.Context, fn func(Tx) error) error
}
