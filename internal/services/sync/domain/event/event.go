// Package event defines the replicated event envelope and the emitter used
// by domain collaborators.
//
// Events are immutable business facts. Identity (ID) is assigned at creation
// and is the system-wide deduplication key; sequence numbers are assigned by
// the local store at persistence time. Within a group, events must be applied
// in group-sequence order; across groups no order is guaranteed.
package event

import (
	"time"

	"github.com/lcmota/fieldsync/internal/services/sync/domain/payload"
	"github.com/lcmota/fieldsync/internal/services/sync/storage"
)

// ProtocolVersion guards the wire and payload schema. Receivers reject
// batches produced under a different version.
const ProtocolVersion = 1

// Event is the unit of replication with its payload decoded.
type Event struct {
	// ID is the globally unique identity, assigned at creation.
	ID string
	// ProtocolVersion is the payload schema version the event was produced
	// under.
	ProtocolVersion int
	// LocalSeq is the store-local monotonic sequence, 0 until persisted.
	LocalSeq int64
	// GroupID identifies the causal chain, empty for ungrouped events.
	GroupID string
	// GroupSeq orders the event within its group, contiguous from 0.
	GroupSeq int64
	// Timestamp is the creation time, for tie-breaking and auditing only.
	Timestamp time.Time
	// SenderID identifies the originating node.
	SenderID string
	// ReceiverID addresses a specific node; empty means the event is
	// directed at the central web tier.
	ReceiverID string
	// PayloadKind names the payload type for late-bound decoding.
	PayloadKind payload.Kind
	// Payload is the decoded domain payload. The sync engine never
	// inspects it.
	Payload any
	// OnlineWebConfirmed is set once the central web tier has durably
	// received the event.
	OnlineWebConfirmed bool
	// ReceiverConfirmed is set once the addressed receiver has durably
	// received the event.
	ReceiverConfirmed bool
	// LocalReplayed is set once the event has been applied to local domain
	// state.
	LocalReplayed bool
}

// HasGroup reports whether the event belongs to a causal group.
func (e Event) HasGroup() bool {
	return e.GroupID != ""
}

// FromRecord rebuilds the envelope from its persisted form with the payload
// already decoded.
func FromRecord(rec storage.EventRecord, decoded any) Event {
	return Event{
		ID:                 rec.ID,
		ProtocolVersion:    rec.ProtocolVersion,
		LocalSeq:           rec.LocalSeq,
		GroupID:            rec.GroupID,
		GroupSeq:           rec.GroupSeq,
		Timestamp:          rec.Timestamp,
		SenderID:           rec.SenderID,
		ReceiverID:         rec.ReceiverID,
		PayloadKind:        payload.Kind(rec.PayloadKind),
		Payload:            decoded,
		OnlineWebConfirmed: rec.OnlineWebConfirmed,
		ReceiverConfirmed:  rec.ReceiverConfirmed,
		LocalReplayed:      rec.LocalReplayed,
	}
}
