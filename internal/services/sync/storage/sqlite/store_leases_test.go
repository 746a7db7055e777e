package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/lcmota/fieldsync/internal/services/sync/storage"
)

func TestAcquireLeaseMutualExclusion(t *testing.T) {
	store := openTestStore(t)

	ok, err := store.AcquireLease(context.Background(), "event-replay", "node-a", time.Minute)
	if err != nil {
		t.Fatalf("acquire lease: %v", err)
	}
	if !ok {
		t.Fatal("expected first claim to win")
	}

	ok, err = store.AcquireLease(context.Background(), "event-replay", "node-b", time.Minute)
	if err != nil {
		t.Fatalf("contend lease: %v", err)
	}
	if ok {
		t.Fatal("expected contending claim to lose while lease is held")
	}
}

func TestAcquireLeaseRenewalBySameOwner(t *testing.T) {
	store := openTestStore(t)

	for i := 0; i < 2; i++ {
		ok, err := store.AcquireLease(context.Background(), "event-replay", "node-a", time.Minute)
		if err != nil {
			t.Fatalf("acquire lease: %v", err)
		}
		if !ok {
			t.Fatalf("expected owner renewal to succeed on attempt %d", i+1)
		}
	}
}

func TestAcquireLeaseAfterExpiry(t *testing.T) {
	store := openTestStore(t)

	ok, err := store.AcquireLease(context.Background(), "event-replay", "node-a", time.Millisecond)
	if err != nil {
		t.Fatalf("acquire lease: %v", err)
	}
	if !ok {
		t.Fatal("expected first claim to win")
	}
	time.Sleep(5 * time.Millisecond)

	ok, err = store.AcquireLease(context.Background(), "event-replay", "node-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire expired lease: %v", err)
	}
	if !ok {
		t.Fatal("expected claim on expired lease to win")
	}
}

func TestReleaseLeaseOnlyByOwner(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.AcquireLease(context.Background(), "event-replay", "node-a", time.Minute); err != nil {
		t.Fatalf("acquire lease: %v", err)
	}

	if err := store.ReleaseLease(context.Background(), "event-replay", "node-b"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	ok, err := store.AcquireLease(context.Background(), "event-replay", "node-b", time.Minute)
	if err != nil {
		t.Fatalf("contend lease: %v", err)
	}
	if ok {
		t.Fatal("expected lease to survive a foreign release")
	}

	if err := store.ReleaseLease(context.Background(), "event-replay", "node-a"); err != nil {
		t.Fatalf("owner release: %v", err)
	}
	ok, err = store.AcquireLease(context.Background(), "event-replay", "node-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire released lease: %v", err)
	}
	if !ok {
		t.Fatal("expected released lease to be claimable")
	}
}

func checkpoint(lastEventID string, applied int64) storage.ReplayCheckpoint {
	return storage.ReplayCheckpoint{
		Name:         "event-replay",
		LastEventID:  lastEventID,
		AppliedCount: applied,
	}
}

func TestReplayCheckpointRoundTrip(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.GetReplayCheckpoint(context.Background(), "event-replay"); err == nil {
		t.Fatal("expected missing checkpoint error")
	}

	if err := store.SaveReplayCheckpoint(context.Background(), checkpoint("evt-1", 1)); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	if err := store.SaveReplayCheckpoint(context.Background(), checkpoint("evt-2", 2)); err != nil {
		t.Fatalf("update checkpoint: %v", err)
	}

	got, err := store.GetReplayCheckpoint(context.Background(), "event-replay")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if got.LastEventID != "evt-2" || got.AppliedCount != 2 {
		t.Fatalf("unexpected checkpoint %+v", got)
	}
}
