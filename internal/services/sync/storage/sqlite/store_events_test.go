package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/lcmota/fieldsync/internal/services/sync/storage"
)

func TestAppendEventAllocatesLocalSeq(t *testing.T) {
	store := openTestStore(t)

	first, err := store.AppendEvent(context.Background(), testEventRecord("agent-1"))
	if err != nil {
		t.Fatalf("append first event: %v", err)
	}
	second, err := store.AppendEvent(context.Background(), testEventRecord("agent-1"))
	if err != nil {
		t.Fatalf("append second event: %v", err)
	}
	if first.LocalSeq != 1 || second.LocalSeq != 2 {
		t.Fatalf("expected local seqs 1 and 2, got %d and %d", first.LocalSeq, second.LocalSeq)
	}
}

func TestAppendEventAllocatesContiguousGroupSeq(t *testing.T) {
	store := openTestStore(t)

	for want := int64(0); want < 3; want++ {
		rec := testEventRecord("agent-1")
		rec.GroupID = "req-1"
		stored, err := store.AppendEvent(context.Background(), rec)
		if err != nil {
			t.Fatalf("append group event: %v", err)
		}
		if stored.GroupSeq != want {
			t.Fatalf("expected group seq %d, got %d", want, stored.GroupSeq)
		}
	}

	next, err := store.NextGroupSeq(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("next group seq: %v", err)
	}
	if next != 3 {
		t.Fatalf("expected next group seq 3, got %d", next)
	}
}

func TestNextGroupSeqEmptyGroupIsZero(t *testing.T) {
	store := openTestStore(t)

	next, err := store.NextGroupSeq(context.Background(), "untouched")
	if err != nil {
		t.Fatalf("next group seq: %v", err)
	}
	if next != 0 {
		t.Fatalf("expected 0 for empty group, got %d", next)
	}
}

func TestAppendEventRejectsDuplicateID(t *testing.T) {
	store := openTestStore(t)

	rec := testEventRecord("agent-1")
	if _, err := store.AppendEvent(context.Background(), rec); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if _, err := store.AppendEvent(context.Background(), rec); !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestImportQuietlyDuplicateIsNoOp(t *testing.T) {
	store := openTestStore(t)

	rec := testEventRecord("agent-2")
	rec.GroupID = "req-9"
	rec.GroupSeq = 4

	imported, err := store.ImportQuietly(context.Background(), rec)
	if err != nil {
		t.Fatalf("import event: %v", err)
	}
	if !imported {
		t.Fatal("expected first import to store the event")
	}

	imported, err = store.ImportQuietly(context.Background(), rec)
	if err != nil {
		t.Fatalf("duplicate import: %v", err)
	}
	if imported {
		t.Fatal("expected duplicate import to be a no-op")
	}

	got, err := store.GetEvent(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get imported event: %v", err)
	}
	if got.GroupSeq != 4 {
		t.Fatalf("expected origin group seq preserved, got %d", got.GroupSeq)
	}
	if got.LocalSeq != 1 {
		t.Fatalf("expected local seq reassigned to 1, got %d", got.LocalSeq)
	}
}

func TestImportQuietlyRequiresOriginGroupSeq(t *testing.T) {
	store := openTestStore(t)

	rec := testEventRecord("agent-2")
	rec.GroupID = "req-9"
	rec.GroupSeq = storage.GroupSeqUnassigned
	if _, err := store.ImportQuietly(context.Background(), rec); err == nil {
		t.Fatal("expected missing origin group seq rejection")
	}
}

func TestExcludeExistedFiltersKnownIDs(t *testing.T) {
	store := openTestStore(t)

	known := testEventRecord("agent-1")
	if _, err := store.AppendEvent(context.Background(), known); err != nil {
		t.Fatalf("append event: %v", err)
	}
	fresh := testEventRecord("agent-2")

	filtered, err := store.ExcludeExisted(context.Background(), []storage.EventRecord{known, fresh})
	if err != nil {
		t.Fatalf("exclude existed: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != fresh.ID {
		t.Fatalf("expected only the fresh event, got %+v", filtered)
	}
}

func TestConfirmByWebIsIdempotentAndMonotonic(t *testing.T) {
	store := openTestStore(t)

	rec := testEventRecord("agent-1")
	if _, err := store.AppendEvent(context.Background(), rec); err != nil {
		t.Fatalf("append event: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := store.ConfirmByWeb(context.Background(), []string{rec.ID}); err != nil {
			t.Fatalf("confirm by web: %v", err)
		}
	}
	got, err := store.GetEvent(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if !got.OnlineWebConfirmed {
		t.Fatal("expected online web confirmation to stick")
	}

	pending, err := store.ListForOnlineWeb(context.Background(), 10)
	if err != nil {
		t.Fatalf("list for online web: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending events after confirmation, got %d", len(pending))
	}
}

func TestConfirmReceivedScopedToReceiver(t *testing.T) {
	store := openTestStore(t)

	mine := testEventRecord("hub")
	mine.ReceiverID = "agent-1"
	other := testEventRecord("hub")
	other.ReceiverID = "agent-2"
	for _, rec := range []storage.EventRecord{mine, other} {
		if _, err := store.AppendEvent(context.Background(), rec); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	if err := store.ConfirmReceived(context.Background(), "agent-1", []string{mine.ID, other.ID}); err != nil {
		t.Fatalf("confirm received: %v", err)
	}

	got, err := store.GetEvent(context.Background(), mine.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if !got.ReceiverConfirmed {
		t.Fatal("expected addressed event to be confirmed")
	}
	got, err = store.GetEvent(context.Background(), other.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if got.ReceiverConfirmed {
		t.Fatal("expected foreign event to stay unconfirmed")
	}
}

func TestListForReceiverExcludesConfirmed(t *testing.T) {
	store := openTestStore(t)

	rec := testEventRecord("hub")
	rec.ReceiverID = "agent-1"
	if _, err := store.AppendEvent(context.Background(), rec); err != nil {
		t.Fatalf("append event: %v", err)
	}

	pending, err := store.ListForReceiver(context.Background(), "agent-1", 10)
	if err != nil {
		t.Fatalf("list for receiver: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one pending event, got %d", len(pending))
	}

	if err := store.ConfirmReceived(context.Background(), "agent-1", []string{rec.ID}); err != nil {
		t.Fatalf("confirm received: %v", err)
	}
	pending, err = store.ListForReceiver(context.Background(), "agent-1", 10)
	if err != nil {
		t.Fatalf("list for receiver: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending events, got %d", len(pending))
	}
}

func TestMarkReplayedAndListNotReplayed(t *testing.T) {
	store := openTestStore(t)

	rec := testEventRecord("agent-1")
	if _, err := store.AppendEvent(context.Background(), rec); err != nil {
		t.Fatalf("append event: %v", err)
	}

	notReplayed, err := store.ListNotReplayed(context.Background(), 10)
	if err != nil {
		t.Fatalf("list not replayed: %v", err)
	}
	if len(notReplayed) != 1 {
		t.Fatalf("expected one unreplayed event, got %d", len(notReplayed))
	}

	if err := store.MarkReplayed(context.Background(), rec.ID); err != nil {
		t.Fatalf("mark replayed: %v", err)
	}
	notReplayed, err = store.ListNotReplayed(context.Background(), 10)
	if err != nil {
		t.Fatalf("list not replayed: %v", err)
	}
	if len(notReplayed) != 0 {
		t.Fatalf("expected no unreplayed events, got %d", len(notReplayed))
	}

	if err := store.MarkReplayed(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing event, got %v", err)
	}
}

func TestReplayFailureEscalatesToDead(t *testing.T) {
	store := openTestStore(t)

	rec := testEventRecord("agent-1")
	if _, err := store.AppendEvent(context.Background(), rec); err != nil {
		t.Fatalf("append event: %v", err)
	}

	attempts, err := store.RecordReplayFailure(context.Background(), rec.ID, "handler exploded")
	if err != nil {
		t.Fatalf("record replay failure: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected attempt count 1, got %d", attempts)
	}

	if err := store.MarkDead(context.Background(), rec.ID, "handler exploded"); err != nil {
		t.Fatalf("mark dead: %v", err)
	}

	dead, err := store.ListDeadEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("list dead events: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != rec.ID {
		t.Fatalf("expected the dead event, got %+v", dead)
	}
	if dead[0].LastError != "handler exploded" {
		t.Fatalf("expected last error recorded, got %q", dead[0].LastError)
	}

	notReplayed, err := store.ListNotReplayed(context.Background(), 10)
	if err != nil {
		t.Fatalf("list not replayed: %v", err)
	}
	if len(notReplayed) != 0 {
		t.Fatal("expected dead event excluded from replay candidates")
	}
}

func TestListGroupEventsSortedByGroupSeq(t *testing.T) {
	store := openTestStore(t)

	// Import out of order, as an unreliable link would deliver them.
	for _, seq := range []int64{2, 0, 1} {
		rec := testEventRecord("agent-2")
		rec.GroupID = "req-3"
		rec.GroupSeq = seq
		if _, err := store.ImportQuietly(context.Background(), rec); err != nil {
			t.Fatalf("import group event: %v", err)
		}
	}

	events, err := store.ListGroupEvents(context.Background(), "req-3")
	if err != nil {
		t.Fatalf("list group events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected three events, got %d", len(events))
	}
	for i, evt := range events {
		if evt.GroupSeq != int64(i) {
			t.Fatalf("expected sorted group seq %d, got %d", i, evt.GroupSeq)
		}
	}
}

func TestListGroupEventsKeepsArchivedPredecessors(t *testing.T) {
	store := openTestStore(t)

	// The head of the chain arrives, replays, and is archived long before
	// its successor shows up.
	head := testEventRecord("agent-2")
	head.GroupID = "req-6"
	head.GroupSeq = 0
	if _, err := store.ImportQuietly(context.Background(), head); err != nil {
		t.Fatalf("import head event: %v", err)
	}
	if err := store.MarkReplayed(context.Background(), head.ID); err != nil {
		t.Fatalf("mark replayed: %v", err)
	}
	if err := store.ConfirmByWeb(context.Background(), []string{head.ID}); err != nil {
		t.Fatalf("confirm by web: %v", err)
	}
	if archived, err := store.ArchiveConfirmed(context.Background()); err != nil || archived != 1 {
		t.Fatalf("archive head: archived=%d err=%v", archived, err)
	}

	successor := testEventRecord("agent-2")
	successor.GroupID = "req-6"
	successor.GroupSeq = 1
	if _, err := store.ImportQuietly(context.Background(), successor); err != nil {
		t.Fatalf("import successor: %v", err)
	}

	events, err := store.ListGroupEvents(context.Background(), "req-6")
	if err != nil {
		t.Fatalf("list group events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected both chain members, got %d", len(events))
	}
	if events[0].Status != storage.StatusArchived || !events[0].LocalReplayed {
		t.Fatalf("expected archived replayed head, got %+v", events[0])
	}
	if events[1].ID != successor.ID {
		t.Fatalf("expected successor at seq 1, got %s", events[1].ID)
	}
}

func TestCountUnconfirmedTracksMissingAudiences(t *testing.T) {
	store := openTestStore(t)

	web := testEventRecord("agent-1")
	addressed := testEventRecord("agent-1")
	addressed.ReceiverID = "agent-2"
	for _, rec := range []storage.EventRecord{web, addressed} {
		if _, err := store.AppendEvent(context.Background(), rec); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	count, err := store.CountUnconfirmed(context.Background())
	if err != nil {
		t.Fatalf("count unconfirmed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected two unconfirmed events, got %d", count)
	}

	if err := store.ConfirmByWeb(context.Background(), []string{web.ID, addressed.ID}); err != nil {
		t.Fatalf("confirm by web: %v", err)
	}
	count, err = store.CountUnconfirmed(context.Background())
	if err != nil {
		t.Fatalf("count unconfirmed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected addressed event to still count, got %d", count)
	}

	if err := store.ConfirmReceived(context.Background(), "agent-2", []string{addressed.ID}); err != nil {
		t.Fatalf("confirm received: %v", err)
	}
	count, err = store.CountUnconfirmed(context.Background())
	if err != nil {
		t.Fatalf("count unconfirmed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no unconfirmed events, got %d", count)
	}
}

func TestArchiveConfirmedRequiresAllAudiences(t *testing.T) {
	store := openTestStore(t)

	done := testEventRecord("agent-1")
	waiting := testEventRecord("agent-1")
	waiting.ReceiverID = "agent-2"
	for _, rec := range []storage.EventRecord{done, waiting} {
		if _, err := store.AppendEvent(context.Background(), rec); err != nil {
			t.Fatalf("append event: %v", err)
		}
		if err := store.MarkReplayed(context.Background(), rec.ID); err != nil {
			t.Fatalf("mark replayed: %v", err)
		}
		if err := store.ConfirmByWeb(context.Background(), []string{rec.ID}); err != nil {
			t.Fatalf("confirm by web: %v", err)
		}
	}

	archived, err := store.ArchiveConfirmed(context.Background())
	if err != nil {
		t.Fatalf("archive confirmed: %v", err)
	}
	if archived != 1 {
		t.Fatalf("expected one archived event, got %d", archived)
	}

	got, err := store.GetEvent(context.Background(), waiting.ID)
	if err != nil {
		t.Fatalf("get waiting event: %v", err)
	}
	if got.Status != storage.StatusActive {
		t.Fatalf("expected receiver-addressed event to stay active, got %s", got.Status)
	}

	if err := store.ConfirmReceived(context.Background(), "agent-2", []string{waiting.ID}); err != nil {
		t.Fatalf("confirm received: %v", err)
	}
	archived, err = store.ArchiveConfirmed(context.Background())
	if err != nil {
		t.Fatalf("archive confirmed: %v", err)
	}
	if archived != 1 {
		t.Fatalf("expected the waiting event archived, got %d", archived)
	}
}
