package sqlite

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/lcmota/fieldsync/internal/services/sync/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sync.sqlite")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open sync store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close sync store: %v", err)
		}
	})
	return store
}

var testEventCounter int

func testEventRecord(sender string) storage.EventRecord {
	testEventCounter++
	return storage.EventRecord{
		ID:              fmt.Sprintf("evt-%d", testEventCounter),
		ProtocolVersion: 1,
		GroupSeq:        storage.GroupSeqUnassigned,
		Timestamp:       time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
		SenderID:        sender,
		PayloadKind:     "test.payload",
		Payload:         []byte{0x81, 0xa2, 0x69, 0x64, 0xa1, 0x78},
		Status:          storage.StatusActive,
	}
}

func TestMillisHelpers(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	value := time.Date(2026, 3, 1, 9, 0, 0, 0, loc)
	if toMillis(value) != value.UTC().UnixMilli() {
		t.Fatal("expected millis to match UTC unix millis")
	}
	round := fromMillis(toMillis(value))
	if !round.Equal(value.UTC()) {
		t.Fatalf("expected round trip UTC time, got %v", round)
	}
}

func TestPlaceholders(t *testing.T) {
	if placeholders(0) != "" {
		t.Fatal("expected empty placeholder list")
	}
	if placeholders(1) != "?" {
		t.Fatalf("expected single placeholder, got %q", placeholders(1))
	}
	if placeholders(3) != "?, ?, ?" {
		t.Fatalf("unexpected placeholder list %q", placeholders(3))
	}
}
