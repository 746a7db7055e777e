// Package storage defines persistence interfaces and records for the sync
// engine: the durable event journal, receipt acknowledgments, replay leases
// and checkpoints, and the master-data stream with per-facility offsets.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate indicates an insert collided with an already stored event id.
var ErrDuplicate = errors.New("duplicate event")

// ErrStaleOffset indicates an offset update would move an offset backward.
var ErrStaleOffset = errors.New("stale offset")

// EventStatus tracks the terminal disposition of a stored event.
type EventStatus string

const (
	// StatusActive marks an event still participating in sync and replay.
	StatusActive EventStatus = "active"
	// StatusDead marks an event quarantined after repeated replay failures
	// or an undecodable payload.
	StatusDead EventStatus = "dead"
	// StatusArchived marks a fully confirmed and replayed event excluded
	// from future sync rounds.
	StatusArchived EventStatus = "archived"
)

// GroupSeqUnassigned requests transactional allocation of a group sequence
// number at append time. Imported events carry the sequence assigned at their
// origin and must never be renumbered.
const GroupSeqUnassigned int64 = -1

// EventRecord is the persisted form of an event. The payload is opaque to the
// store; PayloadKind travels alongside the bytes so a receiver running
// different code can resolve the concrete type before decoding.
type EventRecord struct {
	ID                 string
	ProtocolVersion    int
	LocalSeq           int64
	GroupID            string
	GroupSeq           int64
	Timestamp          time.Time
	SenderID           string
	ReceiverID         string
	PayloadKind        string
	Payload            []byte
	OnlineWebConfirmed bool
	ReceiverConfirmed  bool
	LocalReplayed      bool
	Attempts           int
	Status             EventStatus
	LastError          string
}

// HasGroup reports whether the event belongs to a causal group.
func (r EventRecord) HasGroup() bool {
	return r.GroupID != ""
}

// AckRecord is a receipt acknowledgment: SendTo has durably received EventID.
type AckRecord struct {
	EventID   string
	SendTo    string
	CreatedAt time.Time
}

// Lease is a named, time-bounded mutual-exclusion claim shared through the
// durable store.
type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// ReplayCheckpoint records the last successful replay application for
// operational visibility.
type ReplayCheckpoint struct {
	Name         string
	LastEventID  string
	AppliedCount int64
	UpdatedAt    time.Time
}

// MasterDataRecord is one entry in the append-only reference-data stream.
// A blank SnapshotVersion marks an incremental record; a non-blank value
// marks a compacted full snapshot. A blank FacilityID means global.
type MasterDataRecord struct {
	ID              int64
	SnapshotVersion string
	Kind            string
	Payload         []byte
	FacilityID      string
	OccurredAt      time.Time
}

// IsSnapshot reports whether the record is a compacted snapshot.
func (r MasterDataRecord) IsSnapshot() bool {
	return r.SnapshotVersion != ""
}

// MasterDataOffset tracks the last master-data record id applied by one
// facility.
type MasterDataOffset struct {
	FacilityID string
	Offset     int64
	UpdatedAt  time.Time
}

// EventStore persists the durable event journal.
type EventStore interface {
	// AppendEvent persists a locally emitted event, allocating its local
	// sequence number and, when GroupSeq is GroupSeqUnassigned, the next
	// group sequence number inside the same transaction.
	AppendEvent(ctx context.Context, rec EventRecord) (EventRecord, error)
	// NextGroupSeq returns the sequence number the next event in the group
	// would receive. Returns 0 for a group with no events.
	NextGroupSeq(ctx context.Context, groupID string) (int64, error)
	// GetEvent returns the event with the given id or ErrNotFound.
	GetEvent(ctx context.Context, id string) (EventRecord, error)
	// ListForOnlineWeb returns non-archived events not yet confirmed by the
	// central web tier, ordered by local sequence.
	ListForOnlineWeb(ctx context.Context, limit int) ([]EventRecord, error)
	// ListForReceiver returns non-archived events addressed to the receiver
	// and not yet confirmed by it, ordered by local sequence.
	ListForReceiver(ctx context.Context, receiverID string, limit int) ([]EventRecord, error)
	// ConfirmByWeb marks the online-web confirmation flag. Idempotent.
	ConfirmByWeb(ctx context.Context, ids []string) error
	// ConfirmReceived marks the receiver confirmation flag for events
	// addressed to the claimer. Idempotent.
	ConfirmReceived(ctx context.Context, receiverID string, ids []string) error
	// ListGroupEvents returns all events of a group ordered by group
	// sequence ascending, archived rows included so an archived predecessor
	// never reads as a gap.
	ListGroupEvents(ctx context.Context, groupID string) ([]EventRecord, error)
	// ExcludeExisted filters a candidate batch down to events whose id is
	// not yet known locally.
	ExcludeExisted(ctx context.Context, recs []EventRecord) ([]EventRecord, error)
	// ListNotReplayed returns durably stored events not yet applied to local
	// domain state, ordered by local sequence.
	ListNotReplayed(ctx context.Context, limit int) ([]EventRecord, error)
	// ImportQuietly stores an event received from a peer. The local sequence
	// number is reassigned; the group sequence from the origin is preserved.
	// A duplicate id is a no-op and reports imported=false without error.
	ImportQuietly(ctx context.Context, rec EventRecord) (imported bool, err error)
	// MarkReplayed marks an event as applied to local domain state.
	MarkReplayed(ctx context.Context, id string) error
	// RecordReplayFailure increments the replay attempt counter and stores
	// the last error, returning the updated attempt count.
	RecordReplayFailure(ctx context.Context, id string, lastError string) (int, error)
	// MarkDead quarantines an event after a permanent replay failure.
	MarkDead(ctx context.Context, id string, reason string) error
	// ListDeadEvents returns quarantined events for operator attention.
	ListDeadEvents(ctx context.Context, limit int) ([]EventRecord, error)
	// ArchiveConfirmed archives events that are replayed and hold every
	// confirmation their audience requires. Returns the number archived.
	ArchiveConfirmed(ctx context.Context) (int64, error)
	// CountUnconfirmed reports how many active events still miss a
	// confirmation their audience requires.
	CountUnconfirmed(ctx context.Context) (int64, error)
}

// AckStore persists receipt acknowledgments on the hub.
type AckStore interface {
	// RecordAck stores an acknowledgment. Recording twice is a no-op.
	RecordAck(ctx context.Context, ack AckRecord) error
	// ListAcksForSender returns acknowledgments for events originated by the
	// given sender.
	ListAcksForSender(ctx context.Context, senderID string) ([]AckRecord, error)
	// DeleteAcksBefore removes acknowledgments recorded before the cutoff,
	// returning how many were deleted.
	DeleteAcksBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// LeaseStore provides the distributed mutual-exclusion primitive guarding
// replay cycles across instances sharing one durable store.
type LeaseStore interface {
	// AcquireLease claims the named lease for ttl. It reports false when a
	// different owner holds an unexpired claim.
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	// ReleaseLease drops the named lease if held by owner.
	ReleaseLease(ctx context.Context, name, owner string) error
}

// CheckpointStore persists replay checkpoints.
type CheckpointStore interface {
	SaveReplayCheckpoint(ctx context.Context, cp ReplayCheckpoint) error
	// GetReplayCheckpoint returns the named checkpoint or ErrNotFound.
	GetReplayCheckpoint(ctx context.Context, name string) (ReplayCheckpoint, error)
}

// MasterDataStore persists the reference-data stream and facility offsets.
type MasterDataStore interface {
	// AppendMasterData appends a record and returns it with its id set.
	AppendMasterData(ctx context.Context, rec MasterDataRecord) (MasterDataRecord, error)
	// LatestSnapshot returns the most recent snapshot record or ErrNotFound.
	LatestSnapshot(ctx context.Context) (MasterDataRecord, error)
	// ListMasterDataAfter returns records with id greater than afterID,
	// filtered to global records and those addressed to facilityID, ordered
	// by id ascending.
	ListMasterDataAfter(ctx context.Context, afterID int64, facilityID string, limit int) ([]MasterDataRecord, error)
	// DeleteSnapshotsBefore removes snapshot records older than the given id.
	DeleteSnapshotsBefore(ctx context.Context, id int64) (int64, error)
	// UpdateMasterDataOffset ratchets a facility offset forward. A backward
	// move returns ErrStaleOffset.
	UpdateMasterDataOffset(ctx context.Context, facilityID string, offset int64) error
	// GetMasterDataOffset returns the stored offset or ErrNotFound.
	GetMasterDataOffset(ctx context.Context, facilityID string) (MasterDataOffset, error)
	// MinMasterDataOffset returns the smallest offset across facilities.
	// ok is false when no facility has reported an offset yet.
	MinMasterDataOffset(ctx context.Context) (offset int64, ok bool, err error)
	// PruneIncrementals deletes incremental records with id at or below
	// upTo. Snapshot records are never pruned here.
	PruneIncrementals(ctx context.Context, upTo int64) (int64, error)
}
