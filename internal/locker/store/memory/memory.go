package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/lockerhub/lockerd/internal/locker/store"
	"github.com/lockerhub/lockerd/internal/locker/types"
)

// Store keeps all records in process memory.  It is the reference
// implementation of the transaction contract, used by tests and dev
// deployments.
type Store struct {
	// updateMu serializes Update end to end, including delivery to the
	// notifier, so notification order always matches commit order.
	updateMu sync.Mutex

	mu      sync.RWMutex
	lockers map[string]types.Locker
	users   map[string]types.User
	logs    []types.LogEntry
	nextSeq int64

	notifier store.Notifier
}

func New() *Store {
	return &Store{
		lockers: make(map[string]types.Locker),
		users:   make(map[string]types.User),
		nextSeq: 1,
	}
}

// SetNotifier attaches the change-notification sink.  Must be called before
// the store receives traffic.
func (s *Store) SetNotifier(n store.Notifier) { s.notifier = n }

func (s *Store) Locker(_ context.Context, id string) (types.Locker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lockers[id]
	if !ok {
		return types.Locker{}, store.ErrNotFound
	}
	return l, nil
}

func (s *Store) Lockers(_ context.Context) (map[string]types.Locker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]types.Locker, len(s.lockers))
	for id, l := range s.lockers {
		out[id] = l
	}
	return out, nil
}

func (s *Store) User(_ context.Context, id string) (types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return u, nil
}

func (s *Store) Users(_ context.Context) (map[string]types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]types.User, len(s.users))
	for id, u := range s.users {
		out[id] = u
	}
	return out, nil
}

func (s *Store) RecentLogs(_ context.Context, n int) ([]types.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.logs) {
		n = len(s.logs)
	}
	out := make([]types.LogEntry, 0, n)
	for i := len(s.logs) - 1; i >= len(s.logs)-n; i-- {
		out = append(out, s.logs[i])
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	events := tx.commitLocked()
	s.mu.Unlock()

	if s.notifier != nil && len(events) > 0 {
		s.notifier.Publish(events)
	}
	return nil
}

// memTx stages writes and applies them in commitLocked.  CAS checks run at
// staging time; the store-wide updateMu guarantees the underlying maps
// cannot change between staging and commit.
type memTx struct {
	s *Store

	lockers     map[string]types.Locker
	lockerOrder []string
	users       map[string]types.User
	userOrder   []string
	logs        []types.LogEntry
}

func (tx *memTx) Locker(id string) (types.Locker, error) {
	if l, ok := tx.lockers[id]; ok {
		return l, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	l, ok := tx.s.lockers[id]
	if !ok {
		return types.Locker{}, store.ErrNotFound
	}
	return l, nil
}

func (tx *memTx) User(id string) (types.User, error) {
	if u, ok := tx.users[id]; ok {
		return u, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	u, ok := tx.s.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return u, nil
}

func (tx *memTx) PutLocker(l types.Locker) error {
	if err := tx.checkLockerVersion(l); err != nil {
		return err
	}
	l.Version++
	if tx.lockers == nil {
		tx.lockers = make(map[string]types.Locker)
	}
	if _, staged := tx.lockers[l.ID]; !staged {
		tx.lockerOrder = append(tx.lockerOrder, l.ID)
	}
	tx.lockers[l.ID] = l
	return nil
}

func (tx *memTx) PutUser(u types.User) error {
	if err := tx.checkUserVersion(u); err != nil {
		return err
	}
	u.Version++
	if tx.users == nil {
		tx.users = make(map[string]types.User)
	}
	if _, staged := tx.users[u.ID]; !staged {
		tx.userOrder = append(tx.userOrder, u.ID)
	}
	tx.users[u.ID] = u
	return nil
}

func (tx *memTx) SetLockerState(id string, st types.LockState, reportedAt time.Time) error {
	l, err := tx.Locker(id)
	if err != nil {
		return err
	}
	l.CurrentState = st
	l.LastStateReport = reportedAt
	return tx.PutLocker(l)
}

func (tx *memTx) AppendLog(e types.LogEntry) error {
	tx.logs = append(tx.logs, e)
	return nil
}

func (tx *memTx) checkLockerVersion(l types.Locker) error {
	if staged, ok := tx.lockers[l.ID]; ok {
		if staged.Version != l.Version {
			return store.ErrConflict
		}
		return nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	cur, exists := tx.s.lockers[l.ID]
	if !exists {
		if l.Version != 0 {
			return store.ErrConflict
		}
		return nil
	}
	if cur.Version != l.Version {
		return store.ErrConflict
	}
	return nil
}

func (tx *memTx) checkUserVersion(u types.User) error {
	if staged, ok := tx.users[u.ID]; ok {
		if staged.Version != u.Version {
			return store.ErrConflict
		}
		return nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	cur, exists := tx.s.users[u.ID]
	if !exists {
		if u.Version != 0 {
			return store.ErrConflict
		}
		return nil
	}
	if cur.Version != u.Version {
		return store.ErrConflict
	}
	return nil
}

// commitLocked applies every staged write and returns the delta set in
// staging order.  Caller holds s.mu.
func (tx *memTx) commitLocked() []types.Event {
	var events []types.Event

	for _, id := range tx.lockerOrder {
		l := tx.lockers[id]
		tx.s.lockers[id] = l
		cp := l
		events = append(events, types.Event{Topic: types.TopicLockers, ID: id, Locker: &cp})
	}
	for _, id := range tx.userOrder {
		u := tx.users[id]
		tx.s.users[id] = u
		cp := u
		events = append(events, types.Event{Topic: types.TopicUsers, ID: id, User: &cp})
	}
	for _, e := range tx.logs {
		e.Seq = tx.s.nextSeq
		tx.s.nextSeq++
		tx.s.logs = append(tx.s.logs, e)
		cp := e
		events = append(events, types.Event{Topic: types.TopicLogs, ID: formatSeq(e.Seq), Log: &cp})
	}
	return events
}

func formatSeq(seq int64) string { return strconv.FormatInt(seq, 10) }
