package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	dbpkg "github.com/lockerhub/lockerd/internal/db"
	"github.com/lockerhub/lockerd/internal/locker/store"
	"github.com/lockerhub/lockerd/internal/locker/types"
)

// Store is the durable locker store.  Reads go straight to the connection;
// writes are funneled through the single-writer db.Worker so commits have a
// total order, and the delta set of each commit is handed to the notifier
// before the next transaction commits.
type Store struct {
	db     *sql.DB
	writer *dbpkg.Worker

	// updateMu extends the worker's commit serialization across notifier
	// delivery, so notification order always matches commit order.
	updateMu sync.Mutex

	notifier store.Notifier
}

func New(db *sql.DB, writer *dbpkg.Worker) *Store {
	return &Store{db: db, writer: writer}
}

// SetNotifier attaches the change-notification sink.  Must be called before
// the store receives traffic.
func (s *Store) SetNotifier(n store.Notifier) { s.notifier = n }

func (s *Store) Locker(ctx context.Context, id string) (types.Locker, error) {
	row := s.db.QueryRowContext(ctx, lockerSelect+` WHERE locker_id = ?;`, id)
	l, err := scanLocker(row)
	if err == sql.ErrNoRows {
		return types.Locker{}, store.ErrNotFound
	}
	if err != nil {
		return types.Locker{}, fmt.Errorf("select locker: %w", err)
	}
	return l, nil
}

func (s *Store) Lockers(ctx context.Context) (map[string]types.Locker, error) {
	rows, err := s.db.QueryContext(ctx, lockerSelect+` ORDER BY locker_id;`)
	if err != nil {
		return nil, fmt.Errorf("select lockers: %w", err)
	}
	defer rows.Close()

	out := make(map[string]types.Locker)
	for rows.Next() {
		l, err := scanLocker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan locker: %w", err)
		}
		out[l.ID] = l
	}
	return out, rows.Err()
}

func (s *Store) User(ctx context.Context, id string) (types.User, error) {
	row := s.db.QueryRowContext(ctx, userSelect+` WHERE user_id = ?;`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return types.User{}, store.ErrNotFound
	}
	if err != nil {
		return types.User{}, fmt.Errorf("select user: %w", err)
	}
	return u, nil
}

func (s *Store) Users(ctx context.Context) (map[string]types.User, error) {
	rows, err := s.db.QueryContext(ctx, userSelect+` ORDER BY user_id;`)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	defer rows.Close()

	out := make(map[string]types.User)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out[u.ID] = u
	}
	return out, rows.Err()
}

func (s *Store) RecentLogs(ctx context.Context, n int) ([]types.LogEntry, error) {
	if n <= 0 {
		n = 30
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, actor_id, locker_id, action, at_ms, success
FROM audit_logs
ORDER BY at_ms DESC, seq DESC
LIMIT ?;`, n)
	if err != nil {
		return nil, fmt.Errorf("select logs: %w", err)
	}
	defer rows.Close()

	var out []types.LogEntry
	for rows.Next() {
		var (
			e       types.LogEntry
			atMs    int64
			success int
		)
		if err := rows.Scan(&e.Seq, &e.ActorID, &e.LockerID, &e.Action, &atMs, &success); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		e.At = time.UnixMilli(atMs).UTC()
		e.Success = success == 1
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	var events []types.Event
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		st := &sqlTx{ctx: ctx, tx: tx}
		if err := fn(st); err != nil {
			return err
		}
		events = st.events
		return nil
	})
	if err != nil {
		return err
	}
	if s.notifier != nil && len(events) > 0 {
		s.notifier.Publish(events)
	}
	return nil
}

// sqlTx implements store.Tx on top of an open SQL transaction.  Reads inside
// the transaction see its own writes, which satisfies the staged-read
// contract.  The delta set is collected as writes happen and surfaces only
// if the transaction commits.
type sqlTx struct {
	ctx    context.Context
	tx     *sql.Tx
	events []types.Event
}

func (t *sqlTx) Locker(id string) (types.Locker, error) {
	row := t.tx.QueryRowContext(t.ctx, lockerSelect+` WHERE locker_id = ?;`, id)
	l, err := scanLocker(row)
	if err == sql.ErrNoRows {
		return types.Locker{}, store.ErrNotFound
	}
	if err != nil {
		return types.Locker{}, fmt.Errorf("tx select locker: %w", err)
	}
	return l, nil
}

func (t *sqlTx) User(id string) (types.User, error) {
	row := t.tx.QueryRowContext(t.ctx, userSelect+` WHERE user_id = ?;`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return types.User{}, store.ErrNotFound
	}
	if err != nil {
		return types.User{}, fmt.Errorf("tx select user: %w", err)
	}
	return u, nil
}

func (t *sqlTx) PutLocker(l types.Locker) error {
	nowMs := time.Now().UTC().UnixMilli()

	var lastAccess, lastReport any
	if !l.LastAccess.IsZero() {
		lastAccess = l.LastAccess.UTC().UnixMilli()
	}
	if !l.LastStateReport.IsZero() {
		lastReport = l.LastStateReport.UTC().UnixMilli()
	}
	avail := 0
	if l.Available {
		avail = 1
	}

	if l.Version == 0 {
		res, err := t.tx.ExecContext(t.ctx, `
INSERT OR IGNORE INTO lockers(
  locker_id, is_available, assigned_user_id, lock_command, current_state,
  qr_token, last_access_ms, last_state_report_ms, version,
  created_at_ms, updated_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?);`,
			l.ID, avail, l.AssignedUserID, l.LockCommand, l.CurrentState,
			l.QRToken, lastAccess, lastReport, nowMs, nowMs)
		if err != nil {
			return fmt.Errorf("insert locker: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrConflict
		}
		l.Version = 1
	} else {
		res, err := t.tx.ExecContext(t.ctx, `
UPDATE lockers
SET is_available = ?, assigned_user_id = ?, lock_command = ?,
    current_state = ?, qr_token = ?, last_access_ms = ?,
    last_state_report_ms = ?, version = version + 1, updated_at_ms = ?
WHERE locker_id = ? AND version = ?;`,
			avail, l.AssignedUserID, l.LockCommand, l.CurrentState, l.QRToken,
			lastAccess, lastReport, nowMs, l.ID, l.Version)
		if err != nil {
			return fmt.Errorf("update locker: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrConflict
		}
		l.Version++
	}

	cp := l
	t.events = append(t.events, types.Event{Topic: types.TopicLockers, ID: l.ID, Locker: &cp})
	return nil
}

func (t *sqlTx) PutUser(u types.User) error {
	nowMs := time.Now().UTC().UnixMilli()
	admin := 0
	if u.Admin {
		admin = 1
	}

	if u.Version == 0 {
		res, err := t.tx.ExecContext(t.ctx, `
INSERT OR IGNORE INTO users(
  user_id, email, display_name, assigned_locker_id, is_admin,
  version, created_at_ms, updated_at_ms
) VALUES (?, ?, ?, ?, ?, 1, ?, ?);`,
			u.ID, u.Email, u.DisplayName, u.AssignedLockerID, admin, nowMs, nowMs)
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrConflict
		}
		u.Version = 1
	} else {
		res, err := t.tx.ExecContext(t.ctx, `
UPDATE users
SET email = ?, display_name = ?, assigned_locker_id = ?, is_admin = ?,
    version = version + 1, updated_at_ms = ?
WHERE user_id = ? AND version = ?;`,
			u.Email, u.DisplayName, u.AssignedLockerID, admin, nowMs, u.ID, u.Version)
		if err != nil {
			return fmt.Errorf("update user: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrConflict
		}
		u.Version++
	}

	cp := u
	t.events = append(t.events, types.Event{Topic: types.TopicUsers, ID: u.ID, User: &cp})
	return nil
}

func (t *sqlTx) SetLockerState(id string, st types.LockState, reportedAt time.Time) error {
	if reportedAt.IsZero() {
		reportedAt = time.Now().UTC()
	}
	nowMs := time.Now().UTC().UnixMilli()

	// Unconditional last-write-wins on the telemetry columns only.
	res, err := t.tx.ExecContext(t.ctx, `
UPDATE lockers
SET current_state = ?, last_state_report_ms = ?, version = version + 1,
    updated_at_ms = ?
WHERE locker_id = ?;`,
		st, reportedAt.UTC().UnixMilli(), nowMs, id)
	if err != nil {
		return fmt.Errorf("set locker state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}

	l, err := t.Locker(id)
	if err != nil {
		return err
	}
	cp := l
	t.events = append(t.events, types.Event{Topic: types.TopicLockers, ID: id, Locker: &cp})
	return nil
}

func (t *sqlTx) AppendLog(e types.LogEntry) error {
	success := 0
	if e.Success {
		success = 1
	}
	res, err := t.tx.ExecContext(t.ctx, `
INSERT INTO audit_logs(actor_id, locker_id, action, at_ms, success)
VALUES (?, ?, ?, ?, ?);`,
		e.ActorID, e.LockerID, e.Action, e.At.UTC().UnixMilli(), success)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("append log seq: %w", err)
	}
	e.Seq = seq

	cp := e
	t.events = append(t.events, types.Event{
		Topic: types.TopicLogs,
		ID:    strconv.FormatInt(seq, 10),
		Log:   &cp,
	})
	return nil
}

// ── row scanning ─────────────────────────────────────────────────────────────

const lockerSelect = `
SELECT locker_id, is_available, assigned_user_id, lock_command, current_state,
       qr_token, last_access_ms, last_state_report_ms, version
FROM lockers`

const userSelect = `
SELECT user_id, email, display_name, assigned_locker_id, is_admin, version
FROM users`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLocker(row rowScanner) (types.Locker, error) {
	var (
		l          types.Locker
		avail      int
		lastAccess sql.NullInt64
		lastReport sql.NullInt64
	)
	err := row.Scan(&l.ID, &avail, &l.AssignedUserID, &l.LockCommand,
		&l.CurrentState, &l.QRToken, &lastAccess, &lastReport, &l.Version)
	if err != nil {
		return types.Locker{}, err
	}
	l.Available = avail == 1
	if lastAccess.Valid {
		l.LastAccess = time.UnixMilli(lastAccess.Int64).UTC()
	}
	if lastReport.Valid {
		l.LastStateReport = time.UnixMilli(lastReport.Int64).UTC()
	}
	return l, nil
}

func scanUser(row rowScanner) (types.User, error) {
	var (
		u     types.User
		admin int
	)
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.AssignedLockerID, &admin, &u.Version)
	if err != nil {
		return types.User{}, err
	}
	u.Admin = admin == 1
	return u, nil
}
