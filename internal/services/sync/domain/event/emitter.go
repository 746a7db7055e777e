package event

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lcmota/fieldsync/internal/services/sync/domain/payload"
	"github.com/lcmota/fieldsync/internal/services/sync/storage"
)

// Store is the persistence surface the emitter needs.
type Store interface {
	AppendEvent(ctx context.Context, rec storage.EventRecord) (storage.EventRecord, error)
	NextGroupSeq(ctx context.Context, groupID string) (int64, error)
}

// Emitter wraps domain payloads into events and persists them. Domain code
// never touches sequence numbers or serialization directly.
type Emitter struct {
	store  Store
	codec  *payload.Codec
	nodeID string
	now    func() time.Time
	newID  func() string
}

// NewEmitter creates an emitter bound to the local node identity.
func NewEmitter(store Store, codec *payload.Codec, nodeID string) *Emitter {
	return &Emitter{
		store:  store,
		codec:  codec,
		nodeID: strings.TrimSpace(nodeID),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

type emitOptions struct {
	groupID    string
	receiverID string
}

// EmitOption adjusts addressing and grouping of an emitted event.
type EmitOption func(*emitOptions)

// WithGroup places the event on a causal chain. Events sharing a group are
// applied in emission order on every node.
func WithGroup(groupID string) EmitOption {
	return func(o *emitOptions) {
		o.groupID = strings.TrimSpace(groupID)
	}
}

// WithReceiver addresses the event at a specific node instead of the central
// web tier.
func WithReceiver(receiverID string) EmitOption {
	return func(o *emitOptions) {
		o.receiverID = strings.TrimSpace(receiverID)
	}
}

// Emit serializes the payload, wraps it into an event, and persists it. The
// store allocates the local sequence and, for grouped events, the group
// sequence inside one transaction.
func (e *Emitter) Emit(ctx context.Context, p any, opts ...EmitOption) (Event, error) {
	if e == nil || e.store == nil {
		return Event{}, fmt.Errorf("event store is not configured")
	}
	if e.codec == nil {
		return Event{}, fmt.Errorf("payload codec is not configured")
	}
	if e.nodeID == "" {
		return Event{}, fmt.Errorf("node id is required")
	}

	var options emitOptions
	for _, opt := range opts {
		opt(&options)
	}

	kind, data, err := e.codec.Dump(p)
	if err != nil {
		return Event{}, fmt.Errorf("serialize payload: %w", err)
	}

	rec := storage.EventRecord{
		ID:              e.newID(),
		ProtocolVersion: ProtocolVersion,
		GroupID:         options.groupID,
		GroupSeq:        storage.GroupSeqUnassigned,
		Timestamp:       e.now().UTC(),
		SenderID:        e.nodeID,
		ReceiverID:      options.receiverID,
		PayloadKind:     string(kind),
		Payload:         data,
		Status:          storage.StatusActive,
	}

	stored, err := e.store.AppendEvent(ctx, rec)
	if err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}
	return FromRecord(stored, p), nil
}

// NextGroupSeq exposes the sequence number the next event in a group would
// receive, for callers that embed the number in a payload before emitting.
func (e *Emitter) NextGroupSeq(ctx context.Context, groupID string) (int64, error) {
	if e == nil || e.store == nil {
		return 0, fmt.Errorf("event store is not configured")
	}
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return 0, fmt.Errorf("group id is required")
	}
	return e.store.NextGroupSeq(ctx, groupID)
}
