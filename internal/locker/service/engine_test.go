package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/lockerhub/lockerd/internal/locker/service"
	"github.com/lockerhub/lockerd/internal/locker/store/memory"
	"github.com/lockerhub/lockerd/internal/locker/types"
)

var (
	admin = service.Identity{UserID: "admin-1", Email: "admin@example.com", Admin: true}
	alice = service.Identity{UserID: "u-alice", Email: "alice@example.com"}
	bob   = service.Identity{UserID: "u-bob", Email: "bob@example.com"}
)

func newTestEngine(t *testing.T) (*service.Engine, *memory.Store) {
	t.Helper()
	st := memory.New()
	return service.NewEngine(st, zap.NewNop()), st
}

func mustProvision(t *testing.T, e *service.Engine, id, token string) {
	t.Helper()
	if _, err := e.ProvisionLocker(context.Background(), admin, id, token); err != nil {
		t.Fatalf("provision %s: %v", id, err)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Reserve
// ═══════════════════════════════════════════════════════════════════════════

func TestReserve_HappyPath(t *testing.T) {
	e, _ := newTestEngine(t)
	mustProvision(t, e, "A1", "TOK-A1")

	l, err := e.Reserve(context.Background(), alice, "A1", "TOK-A1")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if l.Available {
		t.Error("reserved locker still available")
	}
	if l.AssignedUserID != alice.UserID {
		t.Errorf("assigned to %q, want %q", l.AssignedUserID, alice.UserID)
	}
	if l.LockCommand != types.CommandLock {
		t.Errorf("reserve must command LOCK, got %s", l.LockCommand)
	}
	if l.LastAccess.IsZero() {
		t.Error("LastAccess not stamped")
	}

	me, err := e.Me(context.Background(), alice)
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if me.AssignedLockerID != "A1" {
		t.Errorf("user side not linked, got %q", me.AssignedLockerID)
	}

	logs, err := e.RecentLogs(context.Background(), admin, 10)
	if err != nil {
		t.Fatalf("RecentLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].Action != types.ActionAssigned || logs[0].ActorID != alice.UserID {
		t.Errorf("expected single ASSIGNED entry by alice, got %+v", logs)
	}
}

func TestReserve_TokenMismatchLeavesNoTrace(t *testing.T) {
	e, _ := newTestEngine(t)
	mustProvision(t, e, "A1", "TOK-A1")

	_, err := e.Reserve(context.Background(), alice, "A1", "WRONG")
	if !errors.Is(err, service.ErrTokenMismatch) {
		t.Fatalf("expected ErrTokenMismatch, got %v", err)
	}

	l, err := e.Locker(context.Background(), alice, "A1")
	if err != nil {
		t.Fatalf("Locker: %v", err)
	}
	if !l.Available || l.AssignedUserID != "" {
		t.Errorf("failed reserve must not change the locker: %+v", l)
	}

	logs, _ := e.RecentLogs(context.Background(), admin, 10)
	if len(logs) != 0 {
		t.Errorf("failed reserve must not be audited, got %+v", logs)
	}
}

func TestReserve_OccupiedLocker(t *testing.T) {
	e, _ := newTestEngine(t)
	mustProvision(t, e, "A1", "TOK-A1")

	if _, err := e.Reserve(context.Background(), alice, "A1", "TOK-A1"); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	_, err := e.Reserve(context.Background(), bob, "A1", "TOK-A1")
	if !errors.Is(err, service.ErrAlreadyOccupied) {
		t.Fatalf("expected ErrAlreadyOccupied, got %v", err)
	}
}

func TestReserve_OneLockerPerUser(t *testing.T) {
	e, _ := newTestEngine(t)
	mustProvision(t, e, "A1", "TOK-A1")
	mustProvision(t, e, "A2", "TOK-A2")

	if _, err := e.Reserve(context.Background(), alice, "A1", "TOK-A1"); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	_, err := e.Reserve(context.Background(), alice, "A2", "TOK-A2")
	if !errors.Is(err, service.ErrUserAlreadyAssigned) {
		t.Fatalf("expected ErrUserAlreadyAssigned, got %v", err)
	}

	l2, _ := e.Locker(context.Background(), alice, "A2")
	if !l2.Available {
		t.Error("second locker must stay available")
	}
}

func TestReserve_UnknownLocker(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Reserve(context.Background(), alice, "Z9", "TOK")
	if !errors.Is(err, service.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReserve_RaceHasExactlyOneWinner(t *testing.T) {
	e, _ := newTestEngine(t)
	mustProvision(t, e, "A1", "TOK-A1")

	const contenders = 16
	errs := make([]error, contenders)

	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			actor := service.Identity{
				UserID: "racer-" + string(rune('a'+i)),
				Email:  "racer@example.com",
			}
			_, errs[i] = e.Reserve(context.Background(), actor, "A1", "TOK-A1")
		}()
	}
	wg.Wait()

	var wins, occupied int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, service.ErrAlreadyOccupied):
			occupied++
		default:
			t.Errorf("unexpected race outcome: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if occupied != contenders-1 {
		t.Fatalf("expected %d ErrAlreadyOccupied, got %d", contenders-1, occupied)
	}

	logs, _ := e.RecentLogs(context.Background(), admin, 100)
	if len(logs) != 1 {
		t.Errorf("expected exactly one ASSIGNED audit entry, got %d", len(logs))
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Release
// ═══════════════════════════════════════════════════════════════════════════

func TestRelease_OwnerOnly(t *testing.T) {
	e, _ := newTestEngine(t)
	mustProvision(t, e, "A1", "TOK-A1")
	if _, err := e.Reserve(context.Background(), alice, "A1", "TOK-A1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if _, err := e.Release(context.Background(), bob, "A1"); !errors.Is(err, service.ErrNotOwner) {
		t.Fatalf("stranger release: expected ErrNotOwner, got %v", err)
	}

	l, err := e.Release(context.Background(), alice, "A1")
	if err != nil {
		t.Fatalf("owner release: %v", err)
	}
	if !l.Available || l.AssignedUserID != "" {
		t.Errorf("release must free the locker: %+v", l)
	}
	if l.LockCommand != types.CommandLock {
		t.Errorf("release must command LOCK, got %s", l.LockCommand)
	}

	me, _ := e.Me(context.Background(), alice)
	if me.AssignedLockerID != "" {
		t.Errorf("user side not cleared, got %q", me.AssignedLockerID)
	}

	// Releasing again is no longer the owner's call.
	if _, err := e.Release(context.Background(), alice, "A1"); !errors.Is(err, service.ErrNotOwner) {
		t.Fatalf("second release: expected ErrNotOwner, got %v", err)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Commands
// ═══════════════════════════════════════════════════════════════════════════

func TestSendCommand(t *testing.T) {
	e, _ := newTestEngine(t)
	mustProvision(t, e, "A1", "TOK-A1")
	if _, err := e.Reserve(context.Background(), alice, "A1", "TOK-A1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	l, err := e.SendCommand(context.Background(), alice, "A1", types.CommandUnlock)
	if err != nil {
		t.Fatalf("owner unlock: %v", err)
	}
	if l.LockCommand != types.CommandUnlock {
		t.Errorf("command not recorded, got %s", l.LockCommand)
	}
	if l.CurrentState != types.StateUnknown {
		t.Errorf("command must not touch CurrentState, got %s", l.CurrentState)
	}

	if _, err := e.SendCommand(context.Background(), bob, "A1", types.CommandLock); !errors.Is(err, service.ErrNotOwner) {
		t.Fatalf("stranger command: expected ErrNotOwner, got %v", err)
	}

	// Admins may command any locker.
	if _, err := e.SendCommand(context.Background(), admin, "A1", types.CommandLock); err != nil {
		t.Fatalf("admin command: %v", err)
	}

	if _, err := e.SendCommand(context.Background(), alice, "A1", types.CommandNone); !errors.Is(err, service.ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand, got %v", err)
	}

	logs, _ := e.RecentLogs(context.Background(), admin, 10)
	// assigned + unlock + admin lock
	if len(logs) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(logs))
	}
	if logs[0].Action != types.ActionLock || logs[0].ActorID != admin.UserID {
		t.Errorf("newest entry should be the admin LOCK, got %+v", logs[0])
	}
	if logs[1].Action != types.ActionUnlock || logs[1].ActorID != alice.UserID {
		t.Errorf("expected alice's UNLOCK next, got %+v", logs[1])
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Admin overrides
// ═══════════════════════════════════════════════════════════════════════════

func TestForceOps_AdminOnly(t *testing.T) {
	e, _ := newTestEngine(t)
	mustProvision(t, e, "A1", "TOK-A1")

	if _, err := e.ForceUnlock(context.Background(), alice, "A1"); !errors.Is(err, service.ErrForbidden) {
		t.Fatalf("ForceUnlock as user: expected ErrForbidden, got %v", err)
	}
	if _, err := e.ForceRelease(context.Background(), alice, "A1"); !errors.Is(err, service.ErrForbidden) {
		t.Fatalf("ForceRelease as user: expected ErrForbidden, got %v", err)
	}

	l, err := e.ForceUnlock(context.Background(), admin, "A1")
	if err != nil {
		t.Fatalf("ForceUnlock: %v", err)
	}
	if l.LockCommand != types.CommandUnlock {
		t.Errorf("expected UNLOCK command, got %s", l.LockCommand)
	}

	logs, _ := e.RecentLogs(context.Background(), admin, 10)
	if len(logs) != 1 || logs[0].Action != types.ActionForceUnlock {
		t.Errorf("expected ADMIN_FORCE_UNLOCK entry, got %+v", logs)
	}
}

func TestForceRelease_ClearsBothSides(t *testing.T) {
	e, _ := newTestEngine(t)
	mustProvision(t, e, "A1", "TOK-A1")
	if _, err := e.Reserve(context.Background(), alice, "A1", "TOK-A1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	l, err := e.ForceRelease(context.Background(), admin, "A1")
	if err != nil {
		t.Fatalf("ForceRelease: %v", err)
	}
	if !l.Available || l.AssignedUserID != "" {
		t.Errorf("locker not freed: %+v", l)
	}

	me, _ := e.Me(context.Background(), alice)
	if me.AssignedLockerID != "" {
		t.Errorf("holder's assignment not cleared, got %q", me.AssignedLockerID)
	}

	// Idempotent: forcing an unassigned locker still succeeds and is audited.
	if _, err := e.ForceRelease(context.Background(), admin, "A1"); err != nil {
		t.Fatalf("second ForceRelease: %v", err)
	}
	logs, _ := e.RecentLogs(context.Background(), admin, 10)
	var forced int
	for _, entry := range logs {
		if entry.Action == types.ActionForceRelease {
			forced++
		}
	}
	if forced != 2 {
		t.Errorf("expected 2 ADMIN_FORCE_RELEASE entries, got %d", forced)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Provisioning and access control
// ═══════════════════════════════════════════════════════════════════════════

func TestProvisionLocker(t *testing.T) {
	e, _ := newTestEngine(t)

	if _, err := e.ProvisionLocker(context.Background(), alice, "A1", "TOK"); !errors.Is(err, service.ErrForbidden) {
		t.Fatalf("non-admin provision: expected ErrForbidden, got %v", err)
	}
	if _, err := e.ProvisionLocker(context.Background(), admin, "  ", "TOK"); !errors.Is(err, service.ErrInvalidLockerID) {
		t.Fatalf("blank id: expected ErrInvalidLockerID, got %v", err)
	}
	if _, err := e.ProvisionLocker(context.Background(), admin, "A1", ""); !errors.Is(err, service.ErrInvalidToken) {
		t.Fatalf("blank token: expected ErrInvalidToken, got %v", err)
	}

	mustProvision(t, e, "A1", "TOK")
	if _, err := e.ProvisionLocker(context.Background(), admin, "A1", "TOK2"); !errors.Is(err, service.ErrLockerExists) {
		t.Fatalf("duplicate provision: expected ErrLockerExists, got %v", err)
	}
}

func TestReads_RequireAuthentication(t *testing.T) {
	e, _ := newTestEngine(t)
	var nobody service.Identity

	if _, err := e.Lockers(context.Background(), nobody); !errors.Is(err, service.ErrUnauthenticated) {
		t.Errorf("Lockers: expected ErrUnauthenticated, got %v", err)
	}
	if _, err := e.Me(context.Background(), nobody); !errors.Is(err, service.ErrUnauthenticated) {
		t.Errorf("Me: expected ErrUnauthenticated, got %v", err)
	}
	if _, err := e.Reserve(context.Background(), nobody, "A1", "TOK"); !errors.Is(err, service.ErrUnauthenticated) {
		t.Errorf("Reserve: expected ErrUnauthenticated, got %v", err)
	}
	if _, err := e.Users(context.Background(), alice); !errors.Is(err, service.ErrForbidden) {
		t.Errorf("Users as non-admin: expected ErrForbidden, got %v", err)
	}
	if _, err := e.RecentLogs(context.Background(), alice, 10); !errors.Is(err, service.ErrForbidden) {
		t.Errorf("RecentLogs as non-admin: expected ErrForbidden, got %v", err)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// User profiles
// ═══════════════════════════════════════════════════════════════════════════

func TestMe_CreatesProfileFromClaims(t *testing.T) {
	e, _ := newTestEngine(t)

	me, err := e.Me(context.Background(), alice)
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if me.ID != alice.UserID || me.Email != alice.Email {
		t.Errorf("profile not minted from claims: %+v", me)
	}
	if me.DisplayName != "alice" {
		t.Errorf("display name should default to the email local part, got %q", me.DisplayName)
	}
}

func TestMe_RefreshesChangedClaims(t *testing.T) {
	e, _ := newTestEngine(t)

	if _, err := e.Me(context.Background(), alice); err != nil {
		t.Fatalf("first Me: %v", err)
	}

	changed := alice
	changed.Email = "alice.new@example.com"
	changed.Admin = true

	me, err := e.Me(context.Background(), changed)
	if err != nil {
		t.Fatalf("second Me: %v", err)
	}
	if me.Email != "alice.new@example.com" || !me.Admin {
		t.Errorf("claims not refreshed: %+v", me)
	}
	// Display name is the user's own; a claim refresh must not reset it.
	if me.DisplayName != "alice" {
		t.Errorf("display name clobbered, got %q", me.DisplayName)
	}
}
