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

// AppendMasterData appends a reference-data record and returns it with its
// monotonic id assigned.
func (s *Store) AppendMasterData(ctx context.Context, rec storage.MasterDataRecord) (storage.MasterDataRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.MasterDataRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.MasterDataRecord{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(rec.Kind) == "" {
		return storage.MasterDataRecord{}, fmt.Errorf("record kind is required")
	}
	if len(rec.Payload) == 0 {
		return storage.MasterDataRecord{}, fmt.Errorf("record payload is required")
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}
	rec.OccurredAt = rec.OccurredAt.UTC().Truncate(time.Millisecond)

	var snapshotVersion sql.NullString
	if rec.SnapshotVersion != "" {
		snapshotVersion = sql.NullString{String: rec.SnapshotVersion, Valid: true}
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO master_data_events (snapshot_version, kind, payload, facility_id, occurred_at)
		 VALUES (?, ?, ?, ?, ?)`,
		snapshotVersion, rec.Kind, rec.Payload, rec.FacilityID, toMillis(rec.OccurredAt))
	if err != nil {
		return storage.MasterDataRecord{}, fmt.Errorf("append master data: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return storage.MasterDataRecord{}, fmt.Errorf("append master data id: %w", err)
	}
	rec.ID = id
	return rec, nil
}

// LatestSnapshot returns the most recent snapshot record.
func (s *Store) LatestSnapshot(ctx context.Context) (storage.MasterDataRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.MasterDataRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.MasterDataRecord{}, fmt.Errorf("storage is not configured")
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, snapshot_version, kind, payload, facility_id, occurred_at
		 FROM master_data_events
		 WHERE snapshot_version IS NOT NULL
		 ORDER BY id DESC LIMIT 1`)
	rec, err := scanMasterData(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.MasterDataRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.MasterDataRecord{}, fmt.Errorf("latest snapshot: %w", err)
	}
	return rec, nil
}

// ListMasterDataAfter returns records with id greater than afterID that are
// global or addressed to facilityID, ordered by id ascending.
func (s *Store) ListMasterDataAfter(ctx context.Context, afterID int64, facilityID string, limit int) ([]storage.MasterDataRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, snapshot_version, kind, payload, facility_id, occurred_at
		 FROM master_data_events
		 WHERE id > ? AND (facility_id = '' OR facility_id = ?)
		 ORDER BY id ASC LIMIT ?`,
		afterID, facilityID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list master data: %w", err)
	}
	defer rows.Close()

	var recs []storage.MasterDataRecord
	for rows.Next() {
		rec, err := scanMasterData(rows)
		if err != nil {
			return nil, fmt.Errorf("scan master data: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteSnapshotsBefore removes snapshot records with id lower than the given
// id, keeping at most the latest snapshot.
func (s *Store) DeleteSnapshotsBefore(ctx context.Context, id int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM master_data_events WHERE snapshot_version IS NOT NULL AND id < ?`, id)
	if err != nil {
		return 0, fmt.Errorf("delete old snapshots: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old snapshots rows affected: %w", err)
	}
	return deleted, nil
}

// UpdateMasterDataOffset ratchets a facility offset forward. An update that
// would move the stored offset backward returns storage.ErrStaleOffset.
func (s *Store) UpdateMasterDataOffset(ctx context.Context, facilityID string, offset int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	facilityID = strings.TrimSpace(facilityID)
	if facilityID == "" {
		return fmt.Errorf("facility id is required")
	}
	if offset < 0 {
		return fmt.Errorf("offset must not be negative")
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO master_data_offsets (facility_id, last_applied_id, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (facility_id) DO UPDATE SET
		     last_applied_id = excluded.last_applied_id,
		     updated_at = excluded.updated_at
		 WHERE excluded.last_applied_id > master_data_offsets.last_applied_id`,
		facilityID, offset, toMillis(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("update master data offset: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update master data offset rows affected: %w", err)
	}
	if affected == 0 {
		// Equal offsets are an idempotent re-report, not a regression.
		existing, err := s.GetMasterDataOffset(ctx, facilityID)
		if err != nil {
			return fmt.Errorf("read current offset: %w", err)
		}
		if existing.Offset == offset {
			return nil
		}
		return storage.ErrStaleOffset
	}
	return nil
}

// GetMasterDataOffset returns the stored offset for a facility.
func (s *Store) GetMasterDataOffset(ctx context.Context, facilityID string) (storage.MasterDataOffset, error) {
	if err := ctx.Err(); err != nil {
		return storage.MasterDataOffset{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.MasterDataOffset{}, fmt.Errorf("storage is not configured")
	}
	facilityID = strings.TrimSpace(facilityID)
	if facilityID == "" {
		return storage.MasterDataOffset{}, fmt.Errorf("facility id is required")
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT facility_id, last_applied_id, updated_at
		 FROM master_data_offsets WHERE facility_id = ?`, facilityID)
	var off storage.MasterDataOffset
	var updatedAtMillis int64
	err := row.Scan(&off.FacilityID, &off.Offset, &updatedAtMillis)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.MasterDataOffset{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.MasterDataOffset{}, fmt.Errorf("get master data offset: %w", err)
	}
	off.UpdatedAt = fromMillis(updatedAtMillis)
	return off, nil
}

// MinMasterDataOffset returns the smallest offset across all facilities.
// ok is false when no facility has reported an offset yet.
func (s *Store) MinMasterDataOffset(ctx context.Context) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, false, fmt.Errorf("storage is not configured")
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT MIN(last_applied_id) FROM master_data_offsets`)
	var min sql.NullInt64
	if err := row.Scan(&min); err != nil {
		return 0, false, fmt.Errorf("min master data offset: %w", err)
	}
	if !min.Valid {
		return 0, false, nil
	}
	return min.Int64, true, nil
}

// PruneIncrementals deletes incremental records with id at or below upTo.
// Snapshot records are retained.
func (s *Store) PruneIncrementals(ctx context.Context, upTo int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM master_data_events WHERE snapshot_version IS NULL AND id <= ?`, upTo)
	if err != nil {
		return 0, fmt.Errorf("prune incrementals: %w", err)
	}
	pruned, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune incrementals rows affected: %w", err)
	}
	return pruned, nil
}

func scanMasterData(row rowScanner) (storage.MasterDataRecord, error) {
	var rec storage.MasterDataRecord
	var snapshotVersion sql.NullString
	var occurredAtMillis int64
	err := row.Scan(&rec.ID, &snapshotVersion, &rec.Kind, &rec.Payload, &rec.FacilityID, &occurredAtMillis)
	if err != nil {
		return storage.MasterDataRecord{}, err
	}
	if snapshotVersion.Valid {
		rec.SnapshotVersion = snapshotVersion.String
	}
	rec.OccurredAt = fromMillis(occurredAtMillis)
	return rec, nil
}
