package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lockerhub/lockerd/internal/locker/store"
	"github.com/lockerhub/lockerd/internal/locker/types"
)

// casRetries bounds automatic retries of transactions that lose a
// compare-and-swap race.  Retries are invisible to the caller on success.
const casRetries = 3

// Engine validates and applies every state transition on lockers: reserve,
// release, lock/unlock commands and admin overrides.  Each operation runs
// its validation against commit-time state inside a single atomic store
// transaction, so concurrent callers on the same locker are linearized and
// exactly one of N racing reserves can win.
type Engine struct {
	store store.Store
	authz Authorizer
	log   *zap.Logger
}

func NewEngine(st store.Store, log *zap.Logger) *Engine {
	return &Engine{store: st, log: log}
}

// ── reads ────────────────────────────────────────────────────────────────────

func (e *Engine) Locker(ctx context.Context, actor Identity, id string) (types.Locker, error) {
	if actor.UserID == "" {
		return types.Locker{}, ErrUnauthenticated
	}
	l, err := e.store.Locker(ctx, id)
	return l, e.translate(err)
}

func (e *Engine) Lockers(ctx context.Context, actor Identity) (map[string]types.Locker, error) {
	if actor.UserID == "" {
		return nil, ErrUnauthenticated
	}
	ls, err := e.store.Lockers(ctx)
	return ls, e.translate(err)
}

func (e *Engine) Users(ctx context.Context, actor Identity) (map[string]types.User, error) {
	if err := e.authz.Authorize(actor, CapabilityAdmin, types.Locker{}); err != nil {
		return nil, err
	}
	us, err := e.store.Users(ctx)
	return us, e.translate(err)
}

func (e *Engine) RecentLogs(ctx context.Context, actor Identity, n int) ([]types.LogEntry, error) {
	if err := e.authz.Authorize(actor, CapabilityAdmin, types.Locker{}); err != nil {
		return nil, err
	}
	logs, err := e.store.RecentLogs(ctx, n)
	return logs, e.translate(err)
}

// Me returns the caller's profile, creating it from the verified claims on
// first contact.
func (e *Engine) Me(ctx context.Context, actor Identity) (types.User, error) {
	if actor.UserID == "" {
		return types.User{}, ErrUnauthenticated
	}
	var out types.User
	err := e.update(ctx, func(tx store.Tx) error {
		u, err := e.ensureUser(tx, actor)
		if err != nil {
			return err
		}
		out = u
		return nil
	})
	return out, err
}

// ── mutations ────────────────────────────────────────────────────────────────

// Reserve claims an available locker for the caller.  The presented token
// must match the locker's QR verification token, the locker must still be
// available at commit time, and the caller must not hold another locker.
func (e *Engine) Reserve(ctx context.Context, actor Identity, lockerID, token string) (types.Locker, error) {
	if actor.UserID == "" {
		return types.Locker{}, ErrUnauthenticated
	}

	var out types.Locker
	err := e.update(ctx, func(tx store.Tx) error {
		l, err := tx.Locker(lockerID)
		if err != nil {
			return err
		}
		u, err := e.ensureUser(tx, actor)
		if err != nil {
			return err
		}

		if !l.Available {
			return ErrAlreadyOccupied
		}
		if token != l.QRToken {
			return ErrTokenMismatch
		}
		if u.AssignedLockerID != "" {
			return ErrUserAlreadyAssigned
		}

		now := time.Now().UTC()
		l.Available = false
		l.AssignedUserID = u.ID
		l.LockCommand = types.CommandLock
		l.LastAccess = now
		u.AssignedLockerID = l.ID

		if err := tx.PutLocker(l); err != nil {
			return err
		}
		if err := tx.PutUser(u); err != nil {
			return err
		}
		if err := tx.AppendLog(types.LogEntry{
			ActorID: u.ID, LockerID: l.ID,
			Action: types.ActionAssigned, At: now, Success: true,
		}); err != nil {
			return err
		}
		out = l
		return nil
	})
	if err == nil {
		e.log.Info("locker reserved",
			zap.String("locker_id", lockerID), zap.String("user_id", actor.UserID))
	}
	return out, err
}

// Release gives the caller's locker back.  Only the assigned user may
// release; the locker is commanded to lock afterwards.
func (e *Engine) Release(ctx context.Context, actor Identity, lockerID string) (types.Locker, error) {
	if actor.UserID == "" {
		return types.Locker{}, ErrUnauthenticated
	}

	var out types.Locker
	err := e.update(ctx, func(tx store.Tx) error {
		l, err := tx.Locker(lockerID)
		if err != nil {
			return err
		}
		if l.AssignedUserID != actor.UserID {
			return ErrNotOwner
		}
		u, err := e.ensureUser(tx, actor)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		l.AssignedUserID = ""
		l.Available = true
		l.LockCommand = types.CommandLock
		l.LastAccess = now
		u.AssignedLockerID = ""

		if err := tx.PutLocker(l); err != nil {
			return err
		}
		if err := tx.PutUser(u); err != nil {
			return err
		}
		if err := tx.AppendLog(types.LogEntry{
			ActorID: u.ID, LockerID: l.ID,
			Action: types.ActionReleased, At: now, Success: true,
		}); err != nil {
			return err
		}
		out = l
		return nil
	})
	if err == nil {
		e.log.Info("locker released",
			zap.String("locker_id", lockerID), zap.String("user_id", actor.UserID))
	}
	return out, err
}

// SendCommand records a LOCK or UNLOCK intent for the hardware.  The caller
// must hold the locker or be an admin.  CurrentState is untouched; the
// device acknowledges asynchronously via telemetry.
func (e *Engine) SendCommand(ctx context.Context, actor Identity, lockerID string, cmd types.LockCommand) (types.Locker, error) {
	if cmd != types.CommandLock && cmd != types.CommandUnlock {
		return types.Locker{}, ErrInvalidCommand
	}

	var out types.Locker
	err := e.update(ctx, func(tx store.Tx) error {
		l, err := tx.Locker(lockerID)
		if err != nil {
			return err
		}
		if err := e.authz.Authorize(actor, CapabilityOwner, l); err != nil {
			return err
		}
		if _, err := e.ensureUser(tx, actor); err != nil {
			return err
		}

		now := time.Now().UTC()
		l.LockCommand = cmd
		l.LastAccess = now

		if err := tx.PutLocker(l); err != nil {
			return err
		}
		if err := tx.AppendLog(types.LogEntry{
			ActorID: actor.UserID, LockerID: l.ID,
			Action: types.Action(cmd), At: now, Success: true,
		}); err != nil {
			return err
		}
		out = l
		return nil
	})
	return out, err
}

// ForceUnlock and ForceLock set the lock command regardless of ownership.
// Admin only.
func (e *Engine) ForceUnlock(ctx context.Context, actor Identity, lockerID string) (types.Locker, error) {
	return e.force(ctx, actor, lockerID, types.CommandUnlock, types.ActionForceUnlock)
}

func (e *Engine) ForceLock(ctx context.Context, actor Identity, lockerID string) (types.Locker, error) {
	return e.force(ctx, actor, lockerID, types.CommandLock, types.ActionForceLock)
}

func (e *Engine) force(ctx context.Context, actor Identity, lockerID string, cmd types.LockCommand, action types.Action) (types.Locker, error) {
	var out types.Locker
	err := e.update(ctx, func(tx store.Tx) error {
		l, err := tx.Locker(lockerID)
		if err != nil {
			return err
		}
		if err := e.authz.Authorize(actor, CapabilityAdmin, l); err != nil {
			return err
		}
		if _, err := e.ensureUser(tx, actor); err != nil {
			return err
		}

		now := time.Now().UTC()
		l.LockCommand = cmd
		l.LastAccess = now

		if err := tx.PutLocker(l); err != nil {
			return err
		}
		if err := tx.AppendLog(types.LogEntry{
			ActorID: actor.UserID, LockerID: l.ID,
			Action: action, At: now, Success: true,
		}); err != nil {
			return err
		}
		out = l
		return nil
	})
	if err == nil {
		e.log.Warn("admin override",
			zap.String("action", string(action)),
			zap.String("locker_id", lockerID),
			zap.String("admin_id", actor.UserID))
	}
	return out, err
}

// ForceRelease unconditionally clears a locker's assignment.  Admin only.
// Releasing an unassigned locker is a no-op success.
func (e *Engine) ForceRelease(ctx context.Context, actor Identity, lockerID string) (types.Locker, error) {
	var out types.Locker
	err := e.update(ctx, func(tx store.Tx) error {
		l, err := tx.Locker(lockerID)
		if err != nil {
			return err
		}
		if err := e.authz.Authorize(actor, CapabilityAdmin, l); err != nil {
			return err
		}
		if _, err := e.ensureUser(tx, actor); err != nil {
			return err
		}

		now := time.Now().UTC()

		if holder := l.AssignedUserID; holder != "" {
			hu, err := tx.User(holder)
			switch {
			case err == nil:
				hu.AssignedLockerID = ""
				if err := tx.PutUser(hu); err != nil {
					return err
				}
			case errors.Is(err, store.ErrNotFound):
				// Holder profile missing; clearing the locker side is
				// still correct.
			default:
				return err
			}
		}

		l.AssignedUserID = ""
		l.Available = true
		l.LockCommand = types.CommandLock
		l.LastAccess = now

		if err := tx.PutLocker(l); err != nil {
			return err
		}
		if err := tx.AppendLog(types.LogEntry{
			ActorID: actor.UserID, LockerID: l.ID,
			Action: types.ActionForceRelease, At: now, Success: true,
		}); err != nil {
			return err
		}
		out = l
		return nil
	})
	if err == nil {
		e.log.Warn("admin force release",
			zap.String("locker_id", lockerID), zap.String("admin_id", actor.UserID))
	}
	return out, err
}

// ProvisionLocker registers a new physical unit with its QR verification
// token.  Admin only.
func (e *Engine) ProvisionLocker(ctx context.Context, actor Identity, lockerID, qrToken string) (types.Locker, error) {
	if err := e.authz.Authorize(actor, CapabilityAdmin, types.Locker{}); err != nil {
		return types.Locker{}, err
	}
	lockerID = strings.TrimSpace(lockerID)
	if lockerID == "" {
		return types.Locker{}, ErrInvalidLockerID
	}
	if strings.TrimSpace(qrToken) == "" {
		return types.Locker{}, ErrInvalidToken
	}

	var out types.Locker
	err := e.update(ctx, func(tx store.Tx) error {
		if _, err := tx.Locker(lockerID); err == nil {
			return ErrLockerExists
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		l := types.Locker{
			ID:           lockerID,
			Available:    true,
			LockCommand:  types.CommandNone,
			CurrentState: types.StateUnknown,
			QRToken:      qrToken,
		}
		if err := tx.PutLocker(l); err != nil {
			return err
		}
		out = l
		return nil
	})
	if err == nil {
		e.log.Info("locker provisioned", zap.String("locker_id", lockerID))
	}
	return out, err
}

// ── internals ────────────────────────────────────────────────────────────────

// ensureUser loads the actor's profile, creating or refreshing it from the
// verified claims.  First contact mints the profile the way the identity
// provider's registration flow would.
func (e *Engine) ensureUser(tx store.Tx, actor Identity) (types.User, error) {
	u, err := tx.User(actor.UserID)
	if errors.Is(err, store.ErrNotFound) {
		name := actor.DisplayName
		if name == "" {
			name = displayNameFromEmail(actor.Email)
		}
		u = types.User{
			ID:          actor.UserID,
			Email:       actor.Email,
			DisplayName: name,
			Admin:       actor.Admin,
		}
		if err := tx.PutUser(u); err != nil {
			return types.User{}, err
		}
		u.Version = 1
		return u, nil
	}
	if err != nil {
		return types.User{}, err
	}

	// Claims are authoritative for email and the admin flag.
	if (actor.Email != "" && u.Email != actor.Email) || u.Admin != actor.Admin {
		if actor.Email != "" {
			u.Email = actor.Email
		}
		u.Admin = actor.Admin
		if err := tx.PutUser(u); err != nil {
			return types.User{}, err
		}
		u.Version++
	}
	return u, nil
}

// update runs one atomic transaction, retrying a bounded number of times
// when it loses a compare-and-swap race, and maps store errors onto the
// service taxonomy.
func (e *Engine) update(ctx context.Context, fn func(store.Tx) error) error {
	var err error
	for attempt := 0; attempt < casRetries; attempt++ {
		err = e.store.Update(ctx, fn)
		if !errors.Is(err, store.ErrConflict) {
			break
		}
	}
	return e.translate(err)
}

func (e *Engine) translate(err error) error {
	switch {
	case err == nil:
		return nil
	case isServiceError(err):
		return err
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrConflict):
		return ErrConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

func displayNameFromEmail(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}
