// Package masterdata distributes catalog changes from the hub to field nodes.
//
// The hub keeps an append-only log of incremental changes plus periodic full
// snapshots. A node with no recorded offset bootstraps from the latest
// snapshot; a node with an offset fetches only the changes after it. Nodes
// report the highest log id they applied, and the hub prunes incrementals
// every node has passed. Offsets only move forward.
package masterdata

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lcmota/fieldsync/internal/services/sync/storage"
)

const defaultFetchLimit = 500

// Batch is one master-data delivery to a node. When Snapshot is set the node
// must rebuild from it before applying the records that follow.
type Batch struct {
	Snapshot *storage.MasterDataRecord
	Records  []storage.MasterDataRecord
	// NextOffset is the log id the node should report after applying the
	// batch. Zero means the batch was empty.
	NextOffset int64
}

// Compactor produces a full snapshot payload of current master data.
type Compactor interface {
	Snapshot(ctx context.Context) (version string, payload []byte, err error)
}

// CompactorFunc adapts a function to the Compactor interface.
type CompactorFunc func(ctx context.Context) (string, []byte, error)

// Snapshot implements Compactor.
func (f CompactorFunc) Snapshot(ctx context.Context) (string, []byte, error) {
	return f(ctx)
}

// Manager runs on the hub and owns the master-data log.
type Manager struct {
	store      storage.MasterDataStore
	compactor  Compactor
	fetchLimit int
	tracer     trace.Tracer
}

// ManagerOption adjusts manager behavior.
type ManagerOption func(*Manager)

// WithFetchLimit overrides how many records one fetch returns.
func WithFetchLimit(limit int) ManagerOption {
	return func(m *Manager) {
		if limit > 0 {
			m.fetchLimit = limit
		}
	}
}

// NewManager creates a hub-side master-data manager. Compactor may be nil
// when snapshots are written externally.
func NewManager(store storage.MasterDataStore, compactor Compactor, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:      store,
		compactor:  compactor,
		fetchLimit: defaultFetchLimit,
		tracer:     otel.Tracer("fieldsync/masterdata"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AppendIncremental records one master-data change in the log.
func (m *Manager) AppendIncremental(ctx context.Context, kind string, payload []byte, facilityID string) (storage.MasterDataRecord, error) {
	if m == nil || m.store == nil {
		return storage.MasterDataRecord{}, fmt.Errorf("master-data store is not configured")
	}
	if strings.TrimSpace(kind) == "" {
		return storage.MasterDataRecord{}, fmt.Errorf("master-data kind is required")
	}
	rec, err := m.store.AppendMasterData(ctx, storage.MasterDataRecord{
		Kind:       kind,
		Payload:    payload,
		FacilityID: facilityID,
	})
	if err != nil {
		return storage.MasterDataRecord{}, fmt.Errorf("append master data: %w", err)
	}
	return rec, nil
}

// WriteSnapshot asks the compactor for a full snapshot, appends it to the
// log, and drops older snapshots.
func (m *Manager) WriteSnapshot(ctx context.Context) (storage.MasterDataRecord, error) {
	if m == nil || m.store == nil {
		return storage.MasterDataRecord{}, fmt.Errorf("master-data store is not configured")
	}
	if m.compactor == nil {
		return storage.MasterDataRecord{}, fmt.Errorf("snapshot compactor is not configured")
	}

	ctx, span := m.tracer.Start(ctx, "masterdata.snapshot")
	defer span.End()

	version, payload, err := m.compactor.Snapshot(ctx)
	if err != nil {
		return storage.MasterDataRecord{}, fmt.Errorf("build snapshot: %w", err)
	}
	if strings.TrimSpace(version) == "" {
		return storage.MasterDataRecord{}, fmt.Errorf("snapshot version is required")
	}

	rec, err := m.store.AppendMasterData(ctx, storage.MasterDataRecord{
		SnapshotVersion: version,
		Kind:            "masterdata.snapshot",
		Payload:         payload,
	})
	if err != nil {
		return storage.MasterDataRecord{}, fmt.Errorf("append snapshot: %w", err)
	}

	deleted, err := m.store.DeleteSnapshotsBefore(ctx, rec.ID)
	if err != nil {
		// The new snapshot is durable; old ones just linger.
		log.Printf("delete superseded snapshots: %v", err)
	}
	span.SetAttributes(
		attribute.String("snapshot.version", version),
		attribute.Int64("snapshot.superseded", deleted),
	)
	return rec, nil
}

// FetchSince assembles the delivery for one node. Without an offset the node
// gets the latest snapshot plus everything after it; with an offset it gets
// only the records after that offset.
func (m *Manager) FetchSince(ctx context.Context, facilityID string, offset int64, hasOffset bool) (Batch, error) {
	if m == nil || m.store == nil {
		return Batch{}, fmt.Errorf("master-data store is not configured")
	}

	var batch Batch
	after := offset
	if !hasOffset {
		snapshot, err := m.store.LatestSnapshot(ctx)
		switch {
		case err == nil:
			batch.Snapshot = &snapshot
			batch.NextOffset = snapshot.ID
			after = snapshot.ID
		case errors.Is(err, storage.ErrNotFound):
			// No snapshot yet: the node replays the whole log.
			after = 0
		default:
			return Batch{}, fmt.Errorf("load latest snapshot: %w", err)
		}
	}

	recs, err := m.store.ListMasterDataAfter(ctx, after, facilityID, m.fetchLimit)
	if err != nil {
		return Batch{}, fmt.Errorf("list master data after %d: %w", after, err)
	}
	// A bootstrap delivery must not duplicate the snapshot row itself.
	filtered := recs[:0]
	for _, rec := range recs {
		if batch.Snapshot != nil && rec.ID == batch.Snapshot.ID {
			continue
		}
		filtered = append(filtered, rec)
	}
	batch.Records = filtered
	if len(filtered) > 0 {
		batch.NextOffset = filtered[len(filtered)-1].ID
	}
	return batch, nil
}

// CommitOffset records the highest log id a node has applied. Equal
// re-reports are accepted; moving backward is rejected.
func (m *Manager) CommitOffset(ctx context.Context, facilityID string, offset int64) error {
	if m == nil || m.store == nil {
		return fmt.Errorf("master-data store is not configured")
	}
	if strings.TrimSpace(facilityID) == "" {
		return fmt.Errorf("facility id is required")
	}
	if err := m.store.UpdateMasterDataOffset(ctx, facilityID, offset); err != nil {
		return fmt.Errorf("commit offset %d for %s: %w", offset, facilityID, err)
	}
	return nil
}

// Prune removes incremental records every node has already applied. It
// returns how many records were removed. With no reported offsets nothing is
// pruned.
func (m *Manager) Prune(ctx context.Context) (int64, error) {
	if m == nil || m.store == nil {
		return 0, fmt.Errorf("master-data store is not configured")
	}

	ctx, span := m.tracer.Start(ctx, "masterdata.prune")
	defer span.End()

	min, ok, err := m.store.MinMasterDataOffset(ctx)
	if err != nil {
		return 0, fmt.Errorf("resolve minimum offset: %w", err)
	}
	if !ok {
		return 0, nil
	}
	pruned, err := m.store.PruneIncrementals(ctx, min)
	if err != nil {
		return 0, fmt.Errorf("prune incrementals up to %d: %w", min, err)
	}
	span.SetAttributes(attribute.Int64("prune.removed", pruned))
	return pruned, nil
}

// ApplyFunc applies one master-data record to local catalog state.
type ApplyFunc func(ctx context.Context, rec storage.MasterDataRecord) error

// Source fetches master-data batches and reports applied offsets, typically
// over the sync transport.
type Source interface {
	FetchMasterData(ctx context.Context, offset int64, hasOffset bool) (Batch, error)
	ReportMasterDataOffset(ctx context.Context, offset int64) error
}

// Applier runs on a field node and keeps the local catalog current.
type Applier struct {
	store      storage.MasterDataStore
	source     Source
	facilityID string
	handlers   map[string]ApplyFunc
	snapshot   ApplyFunc
	tracer     trace.Tracer
}

// NewApplier creates a node-side applier. The snapshot handler rebuilds the
// whole catalog; kind handlers apply incremental changes.
func NewApplier(store storage.MasterDataStore, source Source, facilityID string, snapshot ApplyFunc) *Applier {
	return &Applier{
		store:      store,
		source:     source,
		facilityID: strings.TrimSpace(facilityID),
		handlers:   make(map[string]ApplyFunc),
		snapshot:   snapshot,
		tracer:     otel.Tracer("fieldsync/masterdata"),
	}
}

// Register binds a master-data kind to its apply function.
func (a *Applier) Register(kind string, apply ApplyFunc) error {
	if a == nil {
		return fmt.Errorf("applier is not configured")
	}
	if strings.TrimSpace(kind) == "" {
		return fmt.Errorf("master-data kind is required")
	}
	if apply == nil {
		return fmt.Errorf("apply function is required")
	}
	if _, exists := a.handlers[kind]; exists {
		return fmt.Errorf("handler for %q is already registered", kind)
	}
	a.handlers[kind] = apply
	return nil
}

// SyncOnce fetches one batch, applies it in log order, advances the local
// offset, and reports the new offset to the hub. It returns how many records
// (snapshot included) were applied.
func (a *Applier) SyncOnce(ctx context.Context) (int, error) {
	if a == nil || a.store == nil || a.source == nil {
		return 0, fmt.Errorf("applier is not configured")
	}
	if a.facilityID == "" {
		return 0, fmt.Errorf("facility id is required")
	}

	ctx, span := a.tracer.Start(ctx, "masterdata.sync")
	defer span.End()

	offset, hasOffset, err := a.localOffset(ctx)
	if err != nil {
		return 0, err
	}

	batch, err := a.source.FetchMasterData(ctx, offset, hasOffset)
	if err != nil {
		return 0, fmt.Errorf("fetch master data: %w", err)
	}

	applied := 0
	lastApplied := offset
	if batch.Snapshot != nil {
		if a.snapshot == nil {
			return 0, fmt.Errorf("received snapshot without a snapshot handler")
		}
		if err := a.snapshot(ctx, *batch.Snapshot); err != nil {
			return 0, fmt.Errorf("apply snapshot %s: %w", batch.Snapshot.SnapshotVersion, err)
		}
		applied++
		lastApplied = batch.Snapshot.ID
	}

	records := append([]storage.MasterDataRecord(nil), batch.Records...)
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	for _, rec := range records {
		apply := a.snapshot
		if !rec.IsSnapshot() {
			var ok bool
			apply, ok = a.handlers[rec.Kind]
			if !ok {
				return applied, fmt.Errorf("no handler registered for master-data kind %q", rec.Kind)
			}
		} else if apply == nil {
			return applied, fmt.Errorf("received snapshot without a snapshot handler")
		}
		if err := apply(ctx, rec); err != nil {
			// Stop at the failure so the offset never skips a record.
			return applied, fmt.Errorf("apply master data %d (%s): %w", rec.ID, rec.Kind, err)
		}
		applied++
		lastApplied = rec.ID
	}

	if applied == 0 {
		return 0, nil
	}

	if err := a.store.UpdateMasterDataOffset(ctx, a.facilityID, lastApplied); err != nil {
		return applied, fmt.Errorf("advance local offset to %d: %w", lastApplied, err)
	}
	if err := a.source.ReportMasterDataOffset(ctx, lastApplied); err != nil {
		// The hub will get the offset on the next report.
		log.Printf("report master-data offset %d: %v", lastApplied, err)
	}
	span.SetAttributes(attribute.Int("masterdata.applied", applied))
	return applied, nil
}

func (a *Applier) localOffset(ctx context.Context) (int64, bool, error) {
	state, err := a.store.GetMasterDataOffset(ctx, a.facilityID)
	switch {
	case err == nil:
		return state.Offset, true, nil
	case errors.Is(err, storage.ErrNotFound):
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("load local master-data offset: %w", err)
	}
}
