package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	dbpkg "github.com/lockerhub/lockerd/internal/db"
	"github.com/lockerhub/lockerd/internal/locker/store"
	"github.com/lockerhub/lockerd/internal/locker/store/sqlite"
	"github.com/lockerhub/lockerd/internal/locker/types"
)

// openTestStore opens a migrated store on a throwaway database file and
// wires up the single-writer worker, tearing both down with the test.
func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "lockerd_test.db")
	conn, err := dbpkg.Open(context.Background(), dbpkg.Config{Path: path, Env: "dev"})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	writer := dbpkg.NewWorker(conn)
	t.Cleanup(func() {
		writer.Close()
		_ = conn.Close()
	})

	return sqlite.New(conn, writer)
}

func seedLocker(t *testing.T, s *sqlite.Store, id, token string) types.Locker {
	t.Helper()
	err := s.Update(context.Background(), func(tx store.Tx) error {
		return tx.PutLocker(types.Locker{
			ID:           id,
			Available:    true,
			LockCommand:  types.CommandNone,
			CurrentState: types.StateUnknown,
			QRToken:      token,
		})
	})
	if err != nil {
		t.Fatalf("seed locker %s: %v", id, err)
	}
	l, err := s.Locker(context.Background(), id)
	if err != nil {
		t.Fatalf("read seeded locker: %v", err)
	}
	return l
}
