package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type SeedDevOptions struct {
	// Lockers maps locker id to its QR verification token.
	Lockers map[string]string

	// AdminUserID, if set, pre-creates an admin profile so the dev
	// dashboard works before the identity provider has been contacted.
	AdminUserID string
	AdminEmail  string
}

// SeedDev inserts starter lockers and an optional admin user.  Existing rows
// are left alone so the seeder is safe to run on every dev startup.
func SeedDev(ctx context.Context, db *sql.DB, opt SeedDevOptions) error {
	now := time.Now().UTC().UnixMilli()

	for id, token := range opt.Lockers {
		if id == "" || token == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO lockers(
  locker_id, is_available, lock_command, current_state, qr_token,
  version, created_at_ms, updated_at_ms
) VALUES (?, 1, 'NONE', 'UNKNOWN', ?, 1, ?, ?);`,
			id, token, now, now); err != nil {
			return fmt.Errorf("seed locker %s: %w", id, err)
		}
	}

	if opt.AdminUserID != "" {
		if _, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO users(
  user_id, email, display_name, is_admin, version, created_at_ms, updated_at_ms
) VALUES (?, ?, 'admin', 1, 1, ?, ?);`,
			opt.AdminUserID, opt.AdminEmail, now, now); err != nil {
			return fmt.Errorf("seed admin user: %w", err)
		}
	}

	return nil
}
