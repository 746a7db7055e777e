// Package httpsync carries sync traffic between field agents and the hub
// over HTTP with msgpack-encoded bodies.
//
// Every request carries the protocol version; the server rejects a mismatch
// before touching the store. Callers authenticate with a bearer token whose
// subject is the agent id.
package httpsync

import (
	"time"

	"github.com/lcmota/fieldsync/internal/services/sync/storage"
)

const contentType = "application/msgpack"

// wireEvent is the transport form of an event record. Local bookkeeping
// (local sequence, replay state, attempts) never crosses the wire.
type wireEvent struct {
	ID                 string    `msgpack:"id"`
	ProtocolVersion    int       `msgpack:"protocol_version"`
	GroupID            string    `msgpack:"group_id,omitempty"`
	GroupSeq           int64     `msgpack:"group_seq"`
	Timestamp          time.Time `msgpack:"timestamp"`
	SenderID           string    `msgpack:"sender_id"`
	ReceiverID         string    `msgpack:"receiver_id,omitempty"`
	PayloadKind        string    `msgpack:"payload_kind"`
	Payload            []byte    `msgpack:"payload"`
	OnlineWebConfirmed bool      `msgpack:"online_web_confirmed"`
	ReceiverConfirmed  bool      `msgpack:"receiver_confirmed"`
}

func toWireEvent(rec storage.EventRecord) wireEvent {
	return wireEvent{
		ID:                 rec.ID,
		ProtocolVersion:    rec.ProtocolVersion,
		GroupID:            rec.GroupID,
		GroupSeq:           rec.GroupSeq,
		Timestamp:          rec.Timestamp,
		SenderID:           rec.SenderID,
		ReceiverID:         rec.ReceiverID,
		PayloadKind:        rec.PayloadKind,
		Payload:            rec.Payload,
		OnlineWebConfirmed: rec.OnlineWebConfirmed,
		ReceiverConfirmed:  rec.ReceiverConfirmed,
	}
}

func fromWireEvent(evt wireEvent) storage.EventRecord {
	return storage.EventRecord{
		ID:                 evt.ID,
		ProtocolVersion:    evt.ProtocolVersion,
		GroupID:            evt.GroupID,
		GroupSeq:           evt.GroupSeq,
		Timestamp:          evt.Timestamp,
		SenderID:           evt.SenderID,
		ReceiverID:         evt.ReceiverID,
		PayloadKind:        evt.PayloadKind,
		Payload:            evt.Payload,
		OnlineWebConfirmed: evt.OnlineWebConfirmed,
		ReceiverConfirmed:  evt.ReceiverConfirmed,
		Status:             storage.StatusActive,
	}
}

type pushRequest struct {
	ProtocolVersion int         `msgpack:"protocol_version"`
	Events          []wireEvent `msgpack:"events"`
}

type pushResponse struct {
	AckedIDs []string `msgpack:"acked_ids"`
}

type pullRequest struct {
	ProtocolVersion int `msgpack:"protocol_version"`
	Limit           int `msgpack:"limit"`
}

type pullResponse struct {
	Events []wireEvent `msgpack:"events"`
}

type ackRequest struct {
	ProtocolVersion int      `msgpack:"protocol_version"`
	EventIDs        []string `msgpack:"event_ids"`
}

type wireAck struct {
	EventID string `msgpack:"event_id"`
	SendTo  string `msgpack:"send_to"`
}

type acksRequest struct {
	ProtocolVersion int `msgpack:"protocol_version"`
}

type acksResponse struct {
	Acks []wireAck `msgpack:"acks"`
}

type wireMasterData struct {
	ID              int64     `msgpack:"id"`
	SnapshotVersion string    `msgpack:"snapshot_version,omitempty"`
	Kind            string    `msgpack:"kind"`
	Payload         []byte    `msgpack:"payload"`
	FacilityID      string    `msgpack:"facility_id,omitempty"`
	OccurredAt      time.Time `msgpack:"occurred_at"`
}

func toWireMasterData(rec storage.MasterDataRecord) wireMasterData {
	return wireMasterData{
		ID:              rec.ID,
		SnapshotVersion: rec.SnapshotVersion,
		Kind:            rec.Kind,
		Payload:         rec.Payload,
		FacilityID:      rec.FacilityID,
		OccurredAt:      rec.OccurredAt,
	}
}

func fromWireMasterData(rec wireMasterData) storage.MasterDataRecord {
	return storage.MasterDataRecord{
		ID:              rec.ID,
		SnapshotVersion: rec.SnapshotVersion,
		Kind:            rec.Kind,
		Payload:         rec.Payload,
		FacilityID:      rec.FacilityID,
		OccurredAt:      rec.OccurredAt,
	}
}

type masterDataPullRequest struct {
	ProtocolVersion int   `msgpack:"protocol_version"`
	Offset          int64 `msgpack:"offset"`
	HasOffset       bool  `msgpack:"has_offset"`
}

type masterDataPullResponse struct {
	Snapshot   *wireMasterData  `msgpack:"snapshot,omitempty"`
	Records    []wireMasterData `msgpack:"records"`
	NextOffset int64            `msgpack:"next_offset"`
}

type masterDataOffsetRequest struct {
	ProtocolVersion int   `msgpack:"protocol_version"`
	Offset          int64 `msgpack:"offset"`
}

type errorResponse struct {
	Error string `msgpack:"error"`
}
