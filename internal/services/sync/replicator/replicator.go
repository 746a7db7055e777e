// Package replicator moves events between a field node and the central hub.
//
// Delivery is at-least-once: a push is only confirmed locally for the event
// ids the far side acknowledged, and a pull deduplicates against the local
// store by event id before importing. Confirmation flags are monotonic, so a
// redelivered batch is always safe.
package replicator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lcmota/fieldsync/internal/services/sync/storage"
)

const defaultBatchLimit = 200

// Role distinguishes the two ends of a replication link.
type Role string

const (
	// RoleAgent runs on a field node and owns the outbound push loop.
	RoleAgent Role = "agent"
	// RoleHub runs centrally and serves pushes and pulls.
	RoleHub Role = "hub"
)

// Transport carries event batches to and from the far side. Implementations
// must be safe for concurrent use.
type Transport interface {
	// PushEvents delivers a batch and returns the ids the far side durably
	// accepted. A partial ack list is valid.
	PushEvents(ctx context.Context, events []storage.EventRecord) ([]string, error)
	// PullEvents fetches events addressed to this node.
	PullEvents(ctx context.Context, limit int) ([]storage.EventRecord, error)
	// AckEvents reports ids this node has durably stored.
	AckEvents(ctx context.Context, ids []string) error
	// PullAcks fetches receiver confirmations for events this node sent.
	PullAcks(ctx context.Context) ([]storage.AckRecord, error)
}

// Store is the persistence surface replication needs.
type Store interface {
	ListForOnlineWeb(ctx context.Context, limit int) ([]storage.EventRecord, error)
	ConfirmByWeb(ctx context.Context, ids []string) error
	ConfirmReceived(ctx context.Context, receiverID string, ids []string) error
	ExcludeExisted(ctx context.Context, recs []storage.EventRecord) ([]storage.EventRecord, error)
	ImportQuietly(ctx context.Context, rec storage.EventRecord) (bool, error)
}

// Replicator drives push and pull passes for one node.
type Replicator struct {
	store      Store
	transport  Transport
	nodeID     string
	role       Role
	batchLimit int
	tracer     trace.Tracer
	newBackoff func() backoff.BackOff
}

// Option adjusts replicator behavior.
type Option func(*Replicator)

// WithBatchLimit overrides how many events one pass moves.
func WithBatchLimit(limit int) Option {
	return func(r *Replicator) {
		if limit > 0 {
			r.batchLimit = limit
		}
	}
}

// WithBackoff overrides the retry policy for transport calls.
func WithBackoff(factory func() backoff.BackOff) Option {
	return func(r *Replicator) {
		if factory != nil {
			r.newBackoff = factory
		}
	}
}

// New creates a replicator for the given node and role.
func New(store Store, transport Transport, nodeID string, role Role, opts ...Option) *Replicator {
	r := &Replicator{
		store:      store,
		transport:  transport,
		nodeID:     strings.TrimSpace(nodeID),
		role:       role,
		batchLimit: defaultBatchLimit,
		tracer:     otel.Tracer("fieldsync/replicator"),
		newBackoff: func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = 200 * time.Millisecond
			policy.MaxElapsedTime = 10 * time.Second
			return policy
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PushOnce sends the pending outbound batch and confirms exactly the ids the
// far side acknowledged. It returns how many events were confirmed.
func (r *Replicator) PushOnce(ctx context.Context) (int, error) {
	if r == nil || r.store == nil || r.transport == nil {
		return 0, fmt.Errorf("replicator is not configured")
	}

	ctx, span := r.tracer.Start(ctx, "replicator.push")
	defer span.End()

	pending, err := r.store.ListForOnlineWeb(ctx, r.batchLimit)
	if err != nil {
		return 0, fmt.Errorf("list pending events: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	span.SetAttributes(attribute.Int("push.pending", len(pending)))

	var acked []string
	push := func() error {
		var pushErr error
		acked, pushErr = r.transport.PushEvents(ctx, pending)
		return pushErr
	}
	if err := backoff.Retry(push, backoff.WithContext(r.newBackoff(), ctx)); err != nil {
		return 0, fmt.Errorf("push %d events: %w", len(pending), err)
	}

	acked = intersect(pending, acked)
	if len(acked) == 0 {
		return 0, nil
	}
	if err := r.store.ConfirmByWeb(ctx, acked); err != nil {
		// The far side has the events; redelivery is harmless.
		return 0, fmt.Errorf("confirm %d pushed events: %w", len(acked), err)
	}
	span.SetAttributes(attribute.Int("push.confirmed", len(acked)))
	return len(acked), nil
}

// PullOnce fetches the inbound batch, imports the events not already present,
// acknowledges the events now durably stored, and applies receiver
// confirmations for events this node originated. It returns how many events
// were newly imported.
func (r *Replicator) PullOnce(ctx context.Context) (int, error) {
	if r == nil || r.store == nil || r.transport == nil {
		return 0, fmt.Errorf("replicator is not configured")
	}

	ctx, span := r.tracer.Start(ctx, "replicator.pull")
	defer span.End()

	var batch []storage.EventRecord
	pull := func() error {
		var pullErr error
		batch, pullErr = r.transport.PullEvents(ctx, r.batchLimit)
		return pullErr
	}
	if err := backoff.Retry(pull, backoff.WithContext(r.newBackoff(), ctx)); err != nil {
		return 0, fmt.Errorf("pull events: %w", err)
	}

	imported := 0
	if len(batch) > 0 {
		span.SetAttributes(attribute.Int("pull.batch", len(batch)))

		fresh, err := r.store.ExcludeExisted(ctx, batch)
		if err != nil {
			return 0, fmt.Errorf("deduplicate %d pulled events: %w", len(batch), err)
		}
		failed := make(map[string]struct{})
		for _, rec := range fresh {
			created, err := r.store.ImportQuietly(ctx, r.resetForImport(rec))
			if err != nil {
				// One bad event must not block the rest of the batch.
				log.Printf("import event %s: %v", rec.ID, err)
				failed[rec.ID] = struct{}{}
				continue
			}
			if created {
				imported++
			}
		}

		// Ack only events this store durably holds: fresh imports that
		// succeeded plus duplicates filtered out above. An acked event is
		// never redelivered, so a failed import must stay unacked.
		ids := make([]string, 0, len(batch))
		for _, rec := range batch {
			if _, lost := failed[rec.ID]; lost {
				continue
			}
			ids = append(ids, rec.ID)
		}
		if len(ids) > 0 {
			if err := r.transport.AckEvents(ctx, ids); err != nil {
				// The far side will redeliver; dedup absorbs it.
				log.Printf("ack %d pulled events: %v", len(ids), err)
			}
		}
	}

	if err := r.applyAcks(ctx); err != nil {
		log.Printf("apply receiver acks: %v", err)
	}

	span.SetAttributes(attribute.Int("pull.imported", imported))
	return imported, nil
}

// resetForImport rewrites sync flags for the local store's point of view.
// Local sequence is reassigned at import; group identity and sequence travel
// with the event.
func (r *Replicator) resetForImport(rec storage.EventRecord) storage.EventRecord {
	rec.LocalReplayed = false
	rec.Attempts = 0
	rec.LastError = ""
	rec.Status = storage.StatusActive
	switch {
	case r.role == RoleHub:
		// Arrival at the hub is itself web confirmation.
		rec.OnlineWebConfirmed = true
	case rec.ReceiverID == r.nodeID:
		// Arrival at the addressed receiver is receiver confirmation.
		rec.ReceiverConfirmed = true
	}
	return rec
}

// applyAcks pulls receiver confirmations from the far side and marks the
// corresponding locally originated events.
func (r *Replicator) applyAcks(ctx context.Context) error {
	acks, err := r.transport.PullAcks(ctx)
	if err != nil {
		return fmt.Errorf("pull acks: %w", err)
	}
	if len(acks) == 0 {
		return nil
	}
	byReceiver := make(map[string][]string)
	for _, ack := range acks {
		byReceiver[ack.SendTo] = append(byReceiver[ack.SendTo], ack.EventID)
	}
	for receiverID, ids := range byReceiver {
		if err := r.store.ConfirmReceived(ctx, receiverID, ids); err != nil {
			return fmt.Errorf("confirm %d events for receiver %s: %w", len(ids), receiverID, err)
		}
	}
	return nil
}

// intersect keeps only acked ids that were actually in the pushed batch,
// preserving batch order.
func intersect(pushed []storage.EventRecord, acked []string) []string {
	ackSet := make(map[string]struct{}, len(acked))
	for _, id := range acked {
		ackSet[id] = struct{}{}
	}
	var out []string
	for _, rec := range pushed {
		if _, ok := ackSet[rec.ID]; ok {
			out = append(out, rec.ID)
		}
	}
	return out
}
