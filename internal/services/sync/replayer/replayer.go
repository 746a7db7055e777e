// Package replayer applies durably stored events to local domain state in
// causal order.
//
// A replay cycle runs under a named lease shared through the durable store,
// so at most one pass makes progress at a time even across machine instances.
// Grouped events are applied strictly in group-sequence order; a gap parks
// the rest of the group until the missing predecessor arrives. Ungrouped
// events are applied in local-sequence order. A handler failure leaves the
// event unreplayed for the next cycle and never halts unrelated groups.
package replayer

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lcmota/fieldsync/internal/services/sync/domain/event"
	"github.com/lcmota/fieldsync/internal/services/sync/domain/payload"
	"github.com/lcmota/fieldsync/internal/services/sync/storage"
)

// LeaseName is the fixed mutual-exclusion key guarding replay cycles.
const LeaseName = "event-replay"

// DefaultMaxAttempts bounds handler retries before an event is quarantined.
const DefaultMaxAttempts = 10

const defaultBatchLimit = 500
const defaultLeaseTTL = 30 * time.Second

// Handler applies one decoded event to domain state. Handlers must be
// idempotent: at-least-once delivery means a handler can be invoked again
// after a crash between apply and mark-replayed.
type Handler func(ctx context.Context, evt event.Event) error

// Dispatcher routes decoded payloads to the single handler registered for
// each payload kind.
type Dispatcher struct {
	handlers map[payload.Kind]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[payload.Kind]Handler)}
}

// Register binds a payload kind to its handler. One handler per kind.
func (d *Dispatcher) Register(kind payload.Kind, handler Handler) error {
	if d == nil {
		return fmt.Errorf("dispatcher is not configured")
	}
	if strings.TrimSpace(string(kind)) == "" {
		return fmt.Errorf("payload kind is required")
	}
	if handler == nil {
		return fmt.Errorf("handler is required")
	}
	if _, exists := d.handlers[kind]; exists {
		return fmt.Errorf("handler for %q is already registered", kind)
	}
	d.handlers[kind] = handler
	return nil
}

func (d *Dispatcher) handler(kind payload.Kind) (Handler, bool) {
	if d == nil {
		return nil, false
	}
	handler, ok := d.handlers[kind]
	return handler, ok
}

// Store is the persistence surface a replay cycle needs.
type Store interface {
	storage.LeaseStore
	storage.CheckpointStore
	ListNotReplayed(ctx context.Context, limit int) ([]storage.EventRecord, error)
	ListGroupEvents(ctx context.Context, groupID string) ([]storage.EventRecord, error)
	MarkReplayed(ctx context.Context, id string) error
	RecordReplayFailure(ctx context.Context, id string, lastError string) (int, error)
	MarkDead(ctx context.Context, id string, reason string) error
}

// Replayer drives replay cycles against one durable store.
type Replayer struct {
	store       Store
	codec       *payload.Codec
	dispatcher  *Dispatcher
	owner       string
	leaseTTL    time.Duration
	maxAttempts int
	batchLimit  int
	tracer      trace.Tracer
}

// Option adjusts replayer behavior.
type Option func(*Replayer)

// WithLeaseTTL overrides how long a replay pass may hold the lease.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(r *Replayer) {
		if ttl > 0 {
			r.leaseTTL = ttl
		}
	}
}

// WithMaxAttempts overrides the retry bound before quarantine.
func WithMaxAttempts(attempts int) Option {
	return func(r *Replayer) {
		if attempts > 0 {
			r.maxAttempts = attempts
		}
	}
}

// WithBatchLimit overrides how many candidates one cycle considers.
func WithBatchLimit(limit int) Option {
	return func(r *Replayer) {
		if limit > 0 {
			r.batchLimit = limit
		}
	}
}

// New creates a replayer. Owner identifies this instance in lease claims.
func New(store Store, codec *payload.Codec, dispatcher *Dispatcher, owner string, opts ...Option) *Replayer {
	r := &Replayer{
		store:       store,
		codec:       codec,
		dispatcher:  dispatcher,
		owner:       strings.TrimSpace(owner),
		leaseTTL:    defaultLeaseTTL,
		maxAttempts: DefaultMaxAttempts,
		batchLimit:  defaultBatchLimit,
		tracer:      otel.Tracer("fieldsync/replayer"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunCycle executes one replay pass and returns how many events were applied.
// When another instance holds the lease the cycle is skipped without error.
func (r *Replayer) RunCycle(ctx context.Context) (int, error) {
	if r == nil || r.store == nil {
		return 0, fmt.Errorf("replayer store is not configured")
	}
	if r.codec == nil || r.dispatcher == nil {
		return 0, fmt.Errorf("replayer dispatch is not configured")
	}
	if r.owner == "" {
		return 0, fmt.Errorf("replayer owner is required")
	}

	ctx, span := r.tracer.Start(ctx, "replayer.cycle")
	defer span.End()

	acquired, err := r.store.AcquireLease(ctx, LeaseName, r.owner, r.leaseTTL)
	if err != nil {
		return 0, fmt.Errorf("acquire replay lease: %w", err)
	}
	if !acquired {
		span.SetAttributes(attribute.Bool("replay.lease_held_elsewhere", true))
		return 0, nil
	}
	defer func() {
		if err := r.store.ReleaseLease(context.WithoutCancel(ctx), LeaseName, r.owner); err != nil {
			log.Printf("release replay lease: %v", err)
		}
	}()

	// A pass longer than the TTL must not lose the lease mid-cycle.
	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go r.keepLease(renewCtx)

	candidates, err := r.store.ListNotReplayed(ctx, r.batchLimit)
	if err != nil {
		return 0, fmt.Errorf("list replay candidates: %w", err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	groups, residual := partition(candidates)

	applied := 0
	for _, groupID := range sortedGroupIDs(groups) {
		n, err := r.replayGroup(ctx, groupID)
		applied += n
		if err != nil {
			// The failing group stays pending; unrelated groups proceed.
			log.Printf("replay group %s: %v", groupID, err)
		}
	}

	sort.Slice(residual, func(i, j int) bool {
		return residual[i].LocalSeq < residual[j].LocalSeq
	})
	for _, rec := range residual {
		if err := r.apply(ctx, rec); err != nil {
			log.Printf("replay event %s: %v", rec.ID, err)
			continue
		}
		applied++
	}

	span.SetAttributes(attribute.Int("replay.applied", applied))
	return applied, nil
}

// keepLease re-claims the replay lease at a fraction of its TTL until the
// cycle finishes, so slow handlers cannot let a second instance win mid-pass.
func (r *Replayer) keepLease(ctx context.Context) {
	interval := r.leaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := r.store.AcquireLease(ctx, LeaseName, r.owner, r.leaseTTL)
			if err != nil {
				log.Printf("renew replay lease: %v", err)
				continue
			}
			if !held {
				log.Printf("replay lease lost to another owner")
			}
		}
	}
}

// replayGroup applies the contiguous prefix of a group that is present and
// not yet replayed, stopping at the first gap or failure. Archived
// predecessors were replayed before archiving and keep the chain intact.
func (r *Replayer) replayGroup(ctx context.Context, groupID string) (int, error) {
	events, err := r.store.ListGroupEvents(ctx, groupID)
	if err != nil {
		return 0, fmt.Errorf("load group events: %w", err)
	}

	expected := int64(0)
	applied := 0
	for _, rec := range events {
		if rec.Status == storage.StatusArchived {
			if rec.GroupSeq == expected {
				expected++
			}
			continue
		}
		if rec.Status == storage.StatusDead {
			// A quarantined predecessor blocks its successors.
			return applied, fmt.Errorf("group blocked by dead event %s at seq %d", rec.ID, rec.GroupSeq)
		}
		if rec.GroupSeq != expected {
			if rec.LocalReplayed {
				continue
			}
			// Gap: the dependency has not arrived yet. Wait, do not fail.
			return applied, nil
		}
		expected++
		if rec.LocalReplayed {
			continue
		}
		if err := r.apply(ctx, rec); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// apply decodes and dispatches one event, then marks it replayed. Failures
// bump the attempt counter; past the bound the event is quarantined.
func (r *Replayer) apply(ctx context.Context, rec storage.EventRecord) error {
	decoded, err := r.codec.Load(payload.Kind(rec.PayloadKind), rec.Payload)
	if err != nil {
		// Bytes that do not match their declared kind can never succeed.
		if deadErr := r.store.MarkDead(ctx, rec.ID, err.Error()); deadErr != nil {
			return fmt.Errorf("quarantine undecodable event: %w", deadErr)
		}
		return fmt.Errorf("decode event %s: %w", rec.ID, err)
	}

	handler, ok := r.dispatcher.handler(payload.Kind(rec.PayloadKind))
	if !ok {
		return r.fail(ctx, rec, fmt.Errorf("no handler registered for kind %q", rec.PayloadKind))
	}

	if err := handler(ctx, event.FromRecord(rec, decoded)); err != nil {
		return r.fail(ctx, rec, err)
	}

	if err := r.store.MarkReplayed(ctx, rec.ID); err != nil {
		return fmt.Errorf("mark replayed: %w", err)
	}
	cp := storage.ReplayCheckpoint{
		Name:        LeaseName,
		LastEventID: rec.ID,
	}
	if prev, err := r.store.GetReplayCheckpoint(ctx, LeaseName); err == nil {
		cp.AppliedCount = prev.AppliedCount
	}
	cp.AppliedCount++
	if err := r.store.SaveReplayCheckpoint(ctx, cp); err != nil {
		log.Printf("save replay checkpoint: %v", err)
	}
	return nil
}

func (r *Replayer) fail(ctx context.Context, rec storage.EventRecord, cause error) error {
	attempts, err := r.store.RecordReplayFailure(ctx, rec.ID, cause.Error())
	if err != nil {
		return fmt.Errorf("record replay failure for %s: %w (cause: %v)", rec.ID, err, cause)
	}
	if attempts >= r.maxAttempts {
		if err := r.store.MarkDead(ctx, rec.ID, cause.Error()); err != nil {
			return fmt.Errorf("quarantine event %s: %w (cause: %v)", rec.ID, err, cause)
		}
		log.Printf("event %s quarantined after %d attempts: %v", rec.ID, attempts, cause)
	}
	return fmt.Errorf("apply event %s (attempt %d): %w", rec.ID, attempts, cause)
}

func partition(recs []storage.EventRecord) (map[string][]storage.EventRecord, []storage.EventRecord) {
	groups := make(map[string][]storage.EventRecord)
	var residual []storage.EventRecord
	for _, rec := range recs {
		if rec.HasGroup() {
			groups[rec.GroupID] = append(groups[rec.GroupID], rec)
			continue
		}
		residual = append(residual, rec)
	}
	return groups, residual
}

func sortedGroupIDs(groups map[string][]storage.EventRecord) []string {
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
