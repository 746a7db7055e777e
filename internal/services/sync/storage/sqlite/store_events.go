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

const eventColumns = `id, protocol_version, local_seq, group_id, group_seq, timestamp,
	sender_id, receiver_id, payload_kind, payload,
	online_web_confirmed, receiver_confirmed, local_replayed,
	attempts, status, last_error`

// AppendEvent persists a locally emitted event. The local sequence number and,
// when requested, the group sequence number are allocated inside the same
// transaction as the insert so two concurrent emitters can never allocate the
// same number.
func (s *Store) AppendEvent(ctx context.Context, rec storage.EventRecord) (storage.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.EventRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.EventRecord{}, fmt.Errorf("storage is not configured")
	}
	if err := validateEventRecord(rec); err != nil {
		return storage.EventRecord{}, err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.Timestamp = rec.Timestamp.UTC().Truncate(time.Millisecond)
	if rec.Status == "" {
		rec.Status = storage.StatusActive
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.EventRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	seq, err := allocateLocalSeq(ctx, tx)
	if err != nil {
		return storage.EventRecord{}, err
	}
	rec.LocalSeq = seq

	if rec.GroupID != "" && rec.GroupSeq == storage.GroupSeqUnassigned {
		groupSeq, err := nextGroupSeqTx(ctx, tx, rec.GroupID)
		if err != nil {
			return storage.EventRecord{}, err
		}
		rec.GroupSeq = groupSeq
	}

	if err := insertEvent(ctx, tx, rec); err != nil {
		return storage.EventRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return storage.EventRecord{}, fmt.Errorf("commit append event: %w", err)
	}
	return rec, nil
}

// ImportQuietly stores an event received from a peer in its own transaction
// so one bad event cannot abort the rest of a batch. The local sequence is
// reassigned by this store; the origin's group sequence is preserved. A
// duplicate id reports imported=false without error.
func (s *Store) ImportQuietly(ctx context.Context, rec storage.EventRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	if err := validateEventRecord(rec); err != nil {
		return false, err
	}
	if rec.GroupID != "" && rec.GroupSeq < 0 {
		return false, fmt.Errorf("imported group event requires origin group seq")
	}
	rec.Timestamp = rec.Timestamp.UTC().Truncate(time.Millisecond)
	if rec.Status == "" {
		rec.Status = storage.StatusActive
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	seq, err := allocateLocalSeq(ctx, tx)
	if err != nil {
		return false, err
	}
	rec.LocalSeq = seq

	if err := insertEvent(ctx, tx, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return false, nil
		}
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit import event: %w", err)
	}
	return true, nil
}

// NextGroupSeq returns the sequence number the next event in the group would
// receive, 0 when the group has no events yet.
func (s *Store) NextGroupSeq(ctx context.Context, groupID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return 0, fmt.Errorf("group id is required")
	}
	var next int64
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(group_seq) + 1, 0) FROM events WHERE group_id = ?`, groupID)
	if err := row.Scan(&next); err != nil {
		return 0, fmt.Errorf("next group seq: %w", err)
	}
	return next, nil
}

// GetEvent returns the event with the given id.
func (s *Store) GetEvent(ctx context.Context, id string) (storage.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.EventRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.EventRecord{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.EventRecord{}, fmt.Errorf("event id is required")
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	rec, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.EventRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.EventRecord{}, fmt.Errorf("get event: %w", err)
	}
	return rec, nil
}

// ListForOnlineWeb returns non-archived events not yet confirmed by the
// central web tier, ordered by local sequence.
func (s *Store) ListForOnlineWeb(ctx context.Context, limit int) ([]storage.EventRecord, error) {
	return s.listEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE online_web_confirmed = 0 AND status != ?
		 ORDER BY local_seq ASC LIMIT ?`,
		string(storage.StatusArchived), normalizeLimit(limit))
}

// ListForReceiver returns non-archived events addressed to receiverID and not
// yet confirmed by it, ordered by local sequence.
func (s *Store) ListForReceiver(ctx context.Context, receiverID string, limit int) ([]storage.EventRecord, error) {
	receiverID = strings.TrimSpace(receiverID)
	if receiverID == "" {
		return nil, fmt.Errorf("receiver id is required")
	}
	return s.listEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE receiver_id = ? AND receiver_confirmed = 0 AND status != ?
		 ORDER BY local_seq ASC LIMIT ?`,
		receiverID, string(storage.StatusArchived), normalizeLimit(limit))
}

// ConfirmByWeb marks the online-web confirmation flag for the given events.
// Confirming an already confirmed event is a no-op; the flag never clears.
func (s *Store) ConfirmByWeb(ctx context.Context, ids []string) error {
	return s.confirm(ctx, `UPDATE events SET online_web_confirmed = 1 WHERE id IN (%s)`, ids)
}

// ConfirmReceived marks the receiver confirmation flag for events addressed
// to the claimer. Idempotent; events addressed elsewhere are untouched.
func (s *Store) ConfirmReceived(ctx context.Context, receiverID string, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	receiverID = strings.TrimSpace(receiverID)
	if receiverID == "" {
		return fmt.Errorf("receiver id is required")
	}
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, receiverID)
	for _, id := range ids {
		args = append(args, id)
	}
	query := fmt.Sprintf(
		`UPDATE events SET receiver_confirmed = 1 WHERE receiver_id = ? AND id IN (%s)`,
		placeholders(len(ids)))
	if _, err := s.sqlDB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("confirm received: %w", err)
	}
	return nil
}

// ListGroupEvents returns all events of a group ordered by group sequence
// ascending, archived rows included. An archived predecessor still proves its
// slot in the chain; leaving it out would make a later arrival look like a
// permanent gap.
func (s *Store) ListGroupEvents(ctx context.Context, groupID string) ([]storage.EventRecord, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return nil, fmt.Errorf("group id is required")
	}
	return s.listEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE group_id = ?
		 ORDER BY group_seq ASC`,
		groupID)
}

// ExcludeExisted filters a candidate batch down to events whose id is not yet
// known locally. This is the deduplication primitive behind at-least-once
// delivery.
func (s *Store) ExcludeExisted(ctx context.Context, recs []storage.EventRecord) ([]storage.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if len(recs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(recs))
	for _, rec := range recs {
		args = append(args, rec.ID)
	}
	query := fmt.Sprintf(`SELECT id FROM events WHERE id IN (%s)`, placeholders(len(recs)))
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query existing ids: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]struct{}, len(recs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan existing id: %w", err)
		}
		existing[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate existing ids: %w", err)
	}

	fresh := make([]storage.EventRecord, 0, len(recs))
	for _, rec := range recs {
		if _, known := existing[rec.ID]; !known {
			fresh = append(fresh, rec)
		}
	}
	return fresh, nil
}

// ListNotReplayed returns active events not yet applied to local domain
// state, ordered by local sequence. Used to resume replay after a crash.
func (s *Store) ListNotReplayed(ctx context.Context, limit int) ([]storage.EventRecord, error) {
	return s.listEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE local_replayed = 0 AND status = ?
		 ORDER BY local_seq ASC LIMIT ?`,
		string(storage.StatusActive), normalizeLimit(limit))
}

// MarkReplayed marks an event as applied to local domain state.
func (s *Store) MarkReplayed(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("event id is required")
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE events SET local_replayed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark replayed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark replayed rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// RecordReplayFailure increments the attempt counter and stores the last
// error, returning the updated count.
func (s *Store) RecordReplayFailure(ctx context.Context, id string, lastError string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return 0, fmt.Errorf("event id is required")
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE events SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		lastError, id)
	if err != nil {
		return 0, fmt.Errorf("record replay failure: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("record replay failure rows affected: %w", err)
	}
	if affected == 0 {
		return 0, storage.ErrNotFound
	}
	var attempts int
	row := s.sqlDB.QueryRowContext(ctx, `SELECT attempts FROM events WHERE id = ?`, id)
	if err := row.Scan(&attempts); err != nil {
		return 0, fmt.Errorf("read attempts: %w", err)
	}
	return attempts, nil
}

// MarkDead quarantines an event after a permanent replay failure.
func (s *Store) MarkDead(ctx context.Context, id string, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("event id is required")
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE events SET status = ?, last_error = ? WHERE id = ?`,
		string(storage.StatusDead), reason, id)
	if err != nil {
		return fmt.Errorf("mark dead: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark dead rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListDeadEvents returns quarantined events for operator attention.
func (s *Store) ListDeadEvents(ctx context.Context, limit int) ([]storage.EventRecord, error) {
	return s.listEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE status = ? ORDER BY local_seq ASC LIMIT ?`,
		string(storage.StatusDead), normalizeLimit(limit))
}

// ArchiveConfirmed archives replayed events that hold every confirmation
// their audience requires: receiver-addressed events need both flags, events
// directed at the web tier need the online-web flag.
func (s *Store) ArchiveConfirmed(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE events SET status = ?
		 WHERE status = ? AND local_replayed = 1 AND online_web_confirmed = 1
		   AND (receiver_id = '' OR receiver_confirmed = 1)`,
		string(storage.StatusArchived), string(storage.StatusActive))
	if err != nil {
		return 0, fmt.Errorf("archive confirmed: %w", err)
	}
	archived, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archive confirmed rows affected: %w", err)
	}
	return archived, nil
}

// CountUnconfirmed reports how many active events still miss a confirmation
// their audience requires. A growing count means a replication link is stuck.
func (s *Store) CountUnconfirmed(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	var count int64
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events
		 WHERE status = ?
		   AND (online_web_confirmed = 0
		        OR (receiver_id != '' AND receiver_confirmed = 0))`,
		string(storage.StatusActive))
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count unconfirmed: %w", err)
	}
	return count, nil
}

func (s *Store) listEvents(ctx context.Context, query string, args ...any) ([]storage.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var recs []storage.EventRecord
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *Store) confirm(ctx context.Context, queryFormat string, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	query := fmt.Sprintf(queryFormat, placeholders(len(ids)))
	if _, err := s.sqlDB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("confirm events: %w", err)
	}
	return nil
}

func validateEventRecord(rec storage.EventRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("event id is required")
	}
	if rec.ProtocolVersion <= 0 {
		return fmt.Errorf("protocol version is required")
	}
	if strings.TrimSpace(rec.SenderID) == "" {
		return fmt.Errorf("sender id is required")
	}
	if strings.TrimSpace(rec.PayloadKind) == "" {
		return fmt.Errorf("payload kind is required")
	}
	if len(rec.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	return nil
}

func allocateLocalSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO event_seq (id, next_seq) VALUES (1, 1) ON CONFLICT (id) DO NOTHING`); err != nil {
		return 0, fmt.Errorf("init local seq: %w", err)
	}
	var seq int64
	row := tx.QueryRowContext(ctx, `SELECT next_seq FROM event_seq WHERE id = 1`)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("get local seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE event_seq SET next_seq = next_seq + 1 WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("increment local seq: %w", err)
	}
	return seq, nil
}

func nextGroupSeqTx(ctx context.Context, tx *sql.Tx, groupID string) (int64, error) {
	var next int64
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(group_seq) + 1, 0) FROM events WHERE group_id = ?`, groupID)
	if err := row.Scan(&next); err != nil {
		return 0, fmt.Errorf("allocate group seq: %w", err)
	}
	return next, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, rec storage.EventRecord) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.ProtocolVersion,
		rec.LocalSeq,
		rec.GroupID,
		rec.GroupSeq,
		toMillis(rec.Timestamp),
		rec.SenderID,
		rec.ReceiverID,
		rec.PayloadKind,
		rec.Payload,
		boolToInt(rec.OnlineWebConfirmed),
		boolToInt(rec.ReceiverConfirmed),
		boolToInt(rec.LocalReplayed),
		rec.Attempts,
		string(rec.Status),
		rec.LastError,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (storage.EventRecord, error) {
	var rec storage.EventRecord
	var timestampMillis int64
	var webConfirmed, receiverConfirmed, replayed int
	var status string
	err := row.Scan(
		&rec.ID,
		&rec.ProtocolVersion,
		&rec.LocalSeq,
		&rec.GroupID,
		&rec.GroupSeq,
		&timestampMillis,
		&rec.SenderID,
		&rec.ReceiverID,
		&rec.PayloadKind,
		&rec.Payload,
		&webConfirmed,
		&receiverConfirmed,
		&replayed,
		&rec.Attempts,
		&status,
		&rec.LastError,
	)
	if err != nil {
		return storage.EventRecord{}, err
	}
	rec.Timestamp = fromMillis(timestampMillis)
	rec.OnlineWebConfirmed = webConfirmed != 0
	rec.ReceiverConfirmed = receiverConfirmed != 0
	rec.LocalReplayed = replayed != 0
	rec.Status = storage.EventStatus(status)
	return rec, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 500
	}
	return limit
}
