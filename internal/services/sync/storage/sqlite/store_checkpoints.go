package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lcmota/fieldsync/internal/services/sync/storage"
)

// SaveReplayCheckpoint upserts the named replay checkpoint.
func (s *Store) SaveReplayCheckpoint(ctx context.Context, cp storage.ReplayCheckpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	cp.Name = strings.TrimSpace(cp.Name)
	if cp.Name == "" {
		return fmt.Errorf("checkpoint name is required")
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO replay_checkpoints (name, last_event_id, applied_count, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET
		     last_event_id = excluded.last_event_id,
		     applied_count = excluded.applied_count,
		     updated_at = excluded.updated_at`,
		cp.Name, cp.LastEventID, cp.AppliedCount, toMillis(cp.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save replay checkpoint: %w", err)
	}
	return nil
}

// GetReplayCheckpoint returns the named checkpoint.
// Returns storage.ErrNotFound when no checkpoint has been saved yet.
func (s *Store) GetReplayCheckpoint(ctx context.Context, name string) (storage.ReplayCheckpoint, error) {
	if err := ctx.Err(); err != nil {
		return storage.ReplayCheckpoint{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ReplayCheckpoint{}, fmt.Errorf("storage is not configured")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return storage.ReplayCheckpoint{}, fmt.Errorf("checkpoint name is required")
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT name, last_event_id, applied_count, updated_at
		 FROM replay_checkpoints WHERE name = ?`, name)
	var cp storage.ReplayCheckpoint
	var updatedAtMillis int64
	err := row.Scan(&cp.Name, &cp.LastEventID, &cp.AppliedCount, &updatedAtMillis)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ReplayCheckpoint{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.ReplayCheckpoint{}, fmt.Errorf("get replay checkpoint: %w", err)
	}
	cp.UpdatedAt = fromMillis(updatedAtMillis)
	return cp, nil
}
