package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lcmota/fieldsync/internal/services/sync/storage"
)

// RecordAck stores a receipt acknowledgment. Recording the same
// (event, peer) pair twice is a no-op.
func (s *Store) RecordAck(ctx context.Context, ack storage.AckRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(ack.EventID) == "" {
		return fmt.Errorf("event id is required")
	}
	if strings.TrimSpace(ack.SendTo) == "" {
		return fmt.Errorf("ack peer is required")
	}
	createdAt := ack.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO acks (event_id, send_to, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (event_id, send_to) DO NOTHING`,
		ack.EventID, ack.SendTo, toMillis(createdAt))
	if err != nil {
		return fmt.Errorf("record ack: %w", err)
	}
	return nil
}

// ListAcksForSender returns acknowledgments for events originated by the
// given sender, oldest first.
func (s *Store) ListAcksForSender(ctx context.Context, senderID string) ([]storage.AckRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	senderID = strings.TrimSpace(senderID)
	if senderID == "" {
		return nil, fmt.Errorf("sender id is required")
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT a.event_id, a.send_to, a.created_at
		 FROM acks a JOIN events e ON e.id = a.event_id
		 WHERE e.sender_id = ?
		 ORDER BY a.created_at ASC`,
		senderID)
	if err != nil {
		return nil, fmt.Errorf("list acks: %w", err)
	}
	defer rows.Close()

	var acks []storage.AckRecord
	for rows.Next() {
		var ack storage.AckRecord
		var createdAtMillis int64
		if err := rows.Scan(&ack.EventID, &ack.SendTo, &createdAtMillis); err != nil {
			return nil, fmt.Errorf("scan ack: %w", err)
		}
		ack.CreatedAt = fromMillis(createdAtMillis)
		acks = append(acks, ack)
	}
	return acks, rows.Err()
}

// DeleteAcksBefore removes acknowledgments recorded before the cutoff and
// returns how many were deleted. Senders poll acks every few seconds, so a
// retention window of days leaves ample room before a row disappears;
// re-confirming a surviving ack is idempotent either way.
func (s *Store) DeleteAcksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if cutoff.IsZero() {
		return 0, fmt.Errorf("cutoff is required")
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM acks WHERE created_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete acks: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete acks rows affected: %w", err)
	}
	return deleted, nil
}
