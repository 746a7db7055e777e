package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AcquireLease claims the named lease for ttl. The claim succeeds when no row
// exists, the current claim has expired, or the caller already owns it
// (renewal). It reports false when a different owner holds an unexpired
// claim. The upsert runs as a single statement, so two instances sharing the
// store cannot both win.
func (s *Store) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	name = strings.TrimSpace(name)
	owner = strings.TrimSpace(owner)
	if name == "" {
		return false, fmt.Errorf("lease name is required")
	}
	if owner == "" {
		return false, fmt.Errorf("lease owner is required")
	}
	if ttl <= 0 {
		return false, fmt.Errorf("lease ttl must be greater than zero")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	result, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO leases (name, owner, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET
		     owner = excluded.owner,
		     expires_at = excluded.expires_at
		 WHERE leases.owner = excluded.owner OR leases.expires_at <= ?`,
		name, owner, toMillis(expiresAt), toMillis(now))
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease rows affected: %w", err)
	}
	return affected > 0, nil
}

// ReleaseLease drops the named lease if held by owner. Releasing a lease the
// owner does not hold is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, name, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	name = strings.TrimSpace(name)
	owner = strings.TrimSpace(owner)
	if name == "" {
		return fmt.Errorf("lease name is required")
	}
	if owner == "" {
		return fmt.Errorf("lease owner is required")
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM leases WHERE name = ? AND owner = ?`, name, owner); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
