package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/lcmota/fieldsync/internal/services/sync/storage"
)

func TestRecordAckIsIdempotent(t *testing.T) {
	store := openTestStore(t)

	rec := testEventRecord("agent-1")
	rec.ReceiverID = "agent-2"
	if _, err := store.AppendEvent(context.Background(), rec); err != nil {
		t.Fatalf("append event: %v", err)
	}

	ack := storage.AckRecord{EventID: rec.ID, SendTo: "agent-2"}
	for i := 0; i < 2; i++ {
		if err := store.RecordAck(context.Background(), ack); err != nil {
			t.Fatalf("record ack %d: %v", i+1, err)
		}
	}

	acks, err := store.ListAcksForSender(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("list acks: %v", err)
	}
	if len(acks) != 1 {
		t.Fatalf("expected a single ack row, got %d", len(acks))
	}
	if acks[0].EventID != rec.ID || acks[0].SendTo != "agent-2" {
		t.Fatalf("unexpected ack %+v", acks[0])
	}
}

func TestListAcksForSenderScopedToOriginator(t *testing.T) {
	store := openTestStore(t)

	mine := testEventRecord("agent-1")
	mine.ReceiverID = "agent-2"
	foreign := testEventRecord("agent-3")
	foreign.ReceiverID = "agent-2"
	for _, rec := range []storage.EventRecord{mine, foreign} {
		if _, err := store.AppendEvent(context.Background(), rec); err != nil {
			t.Fatalf("append event: %v", err)
		}
		ack := storage.AckRecord{EventID: rec.ID, SendTo: "agent-2"}
		if err := store.RecordAck(context.Background(), ack); err != nil {
			t.Fatalf("record ack: %v", err)
		}
	}

	acks, err := store.ListAcksForSender(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("list acks: %v", err)
	}
	if len(acks) != 1 || acks[0].EventID != mine.ID {
		t.Fatalf("expected only the originator's ack, got %+v", acks)
	}
}

func TestDeleteAcksBeforeKeepsRecentRows(t *testing.T) {
	store := openTestStore(t)

	stale := testEventRecord("agent-1")
	stale.ReceiverID = "agent-2"
	recent := testEventRecord("agent-1")
	recent.ReceiverID = "agent-2"
	for _, rec := range []storage.EventRecord{stale, recent} {
		if _, err := store.AppendEvent(context.Background(), rec); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	now := time.Now().UTC()
	staleAck := storage.AckRecord{EventID: stale.ID, SendTo: "agent-2", CreatedAt: now.Add(-30 * 24 * time.Hour)}
	recentAck := storage.AckRecord{EventID: recent.ID, SendTo: "agent-2", CreatedAt: now}
	for _, ack := range []storage.AckRecord{staleAck, recentAck} {
		if err := store.RecordAck(context.Background(), ack); err != nil {
			t.Fatalf("record ack: %v", err)
		}
	}

	deleted, err := store.DeleteAcksBefore(context.Background(), now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("delete acks: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected one pruned ack, got %d", deleted)
	}

	acks, err := store.ListAcksForSender(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("list acks: %v", err)
	}
	if len(acks) != 1 || acks[0].EventID != recent.ID {
		t.Fatalf("expected only the recent ack to survive, got %+v", acks)
	}
}
