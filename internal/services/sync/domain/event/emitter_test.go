package event

import (
	"context"
	"testing"
	"time"

	"github.com/lcmota/fieldsync/internal/services/sync/domain/payload"
	"github.com/lcmota/fieldsync/internal/services/sync/storage"
)

type stubPayload struct {
	ID string `msgpack:"id"`
}

type fakeStore struct {
	appended []storage.EventRecord
	nextSeq  int64
}

func (f *fakeStore) AppendEvent(_ context.Context, rec storage.EventRecord) (storage.EventRecord, error) {
	f.nextSeq++
	rec.LocalSeq = f.nextSeq
	if rec.GroupID != "" && rec.GroupSeq == storage.GroupSeqUnassigned {
		rec.GroupSeq = int64(len(f.appended))
	}
	f.appended = append(f.appended, rec)
	return rec, nil
}

func (f *fakeStore) NextGroupSeq(context.Context, string) (int64, error) {
	return int64(len(f.appended)), nil
}

func testEmitter(t *testing.T, store Store) *Emitter {
	t.Helper()
	registry := payload.NewRegistry()
	if err := registry.Register(payload.Kind("test.stub"), func() any { return &stubPayload{} }); err != nil {
		t.Fatalf("register payload: %v", err)
	}
	return NewEmitter(store, payload.NewCodec(registry), "agent-1")
}

func TestEmitAssignsIdentityAndSequence(t *testing.T) {
	store := &fakeStore{}
	emitter := testEmitter(t, store)

	evt, err := emitter.Emit(context.Background(), &stubPayload{ID: "id"})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if evt.ID == "" {
		t.Fatal("expected assigned event id")
	}
	if evt.LocalSeq != 1 {
		t.Fatalf("expected local seq 1, got %d", evt.LocalSeq)
	}
	if evt.SenderID != "agent-1" {
		t.Fatalf("expected sender agent-1, got %q", evt.SenderID)
	}
	if evt.ProtocolVersion != ProtocolVersion {
		t.Fatalf("expected protocol version %d, got %d", ProtocolVersion, evt.ProtocolVersion)
	}
	if evt.PayloadKind != payload.Kind("test.stub") {
		t.Fatalf("expected payload kind test.stub, got %q", evt.PayloadKind)
	}
	if evt.Timestamp.IsZero() || evt.Timestamp.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp, got %v", evt.Timestamp)
	}
	if evt.HasGroup() {
		t.Fatal("expected ungrouped event")
	}
	if got := evt.Payload.(*stubPayload); got.ID != "id" {
		t.Fatalf("expected payload to round trip, got %+v", got)
	}
}

func TestEmitWithGroupRequestsAllocation(t *testing.T) {
	store := &fakeStore{}
	emitter := testEmitter(t, store)

	evt, err := emitter.Emit(context.Background(), &stubPayload{ID: "id"}, WithGroup("req-7"))
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if evt.GroupID != "req-7" {
		t.Fatalf("expected group req-7, got %q", evt.GroupID)
	}
	if evt.GroupSeq != 0 {
		t.Fatalf("expected group seq 0, got %d", evt.GroupSeq)
	}
	if store.appended[0].GroupSeq != 0 {
		t.Fatalf("expected allocation to happen in store, got %d", store.appended[0].GroupSeq)
	}
}

func TestEmitWithReceiverAddressesNode(t *testing.T) {
	store := &fakeStore{}
	emitter := testEmitter(t, store)

	evt, err := emitter.Emit(context.Background(), &stubPayload{ID: "id"}, WithReceiver("agent-2"))
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if evt.ReceiverID != "agent-2" {
		t.Fatalf("expected receiver agent-2, got %q", evt.ReceiverID)
	}
}

func TestEmitRejectsUnregisteredPayload(t *testing.T) {
	emitter := testEmitter(t, &fakeStore{})

	type unregistered struct{}
	if _, err := emitter.Emit(context.Background(), &unregistered{}); err == nil {
		t.Fatal("expected unregistered payload rejection")
	}
}

func TestNextGroupSeqRequiresGroupID(t *testing.T) {
	emitter := testEmitter(t, &fakeStore{})

	if _, err := emitter.NextGroupSeq(context.Background(), "  "); err == nil {
		t.Fatal("expected blank group id rejection")
	}
}
