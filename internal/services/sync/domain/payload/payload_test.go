package payload

import (
	"errors"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

type testNote struct {
	ID   string `msgpack:"id"`
	Body string `msgpack:"body"`
}

type testNoteV2 struct {
	ID       string `msgpack:"id"`
	Body     string `msgpack:"body"`
	Priority int    `msgpack:"priority"`
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	registry := NewRegistry()
	if err := registry.Register(Kind("test.note"), func() any { return &testNote{} }); err != nil {
		t.Fatalf("register kind: %v", err)
	}
	return registry
}

func TestDumpLoadRoundTrip(t *testing.T) {
	codec := NewCodec(newTestRegistry(t))

	kind, data, err := codec.Dump(&testNote{ID: "id", Body: "restock"})
	if err != nil {
		t.Fatalf("dump payload: %v", err)
	}
	if kind != Kind("test.note") {
		t.Fatalf("expected kind test.note, got %q", kind)
	}

	loaded, err := codec.Load(kind, data)
	if err != nil {
		t.Fatalf("load payload: %v", err)
	}
	note, ok := loaded.(*testNote)
	if !ok {
		t.Fatalf("expected *testNote, got %T", loaded)
	}
	if note.ID != "id" || note.Body != "restock" {
		t.Fatalf("unexpected round trip value: %+v", note)
	}
}

func TestDumpRejectsUnregisteredType(t *testing.T) {
	codec := NewCodec(newTestRegistry(t))

	_, _, err := codec.Dump(&testNoteV2{ID: "id"})
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestLoadRejectsUnknownKind(t *testing.T) {
	codec := NewCodec(newTestRegistry(t))

	_, err := codec.Load(Kind("test.missing"), []byte{0x80})
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestLoadTaggedDecodeErrorOnTruncatedBytes(t *testing.T) {
	codec := NewCodec(newTestRegistry(t))

	_, data, err := codec.Dump(&testNote{ID: "id", Body: "restock"})
	if err != nil {
		t.Fatalf("dump payload: %v", err)
	}

	_, err = codec.Load(Kind("test.note"), data[:1])
	if err == nil {
		t.Fatal("expected decode error")
	}
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected *DecodeError, got %v", err)
	}
	if decodeErr.Kind != Kind("test.note") {
		t.Fatalf("expected decode error tagged with kind, got %q", decodeErr.Kind)
	}
}

func TestLoadIgnoresUnknownFields(t *testing.T) {
	registry := newTestRegistry(t)
	codec := NewCodec(registry)

	// A newer sender adds a field; the old receiver decodes what it knows.
	newer, err := msgpack.Marshal(&testNoteV2{ID: "id", Body: "restock", Priority: 3})
	if err != nil {
		t.Fatalf("marshal newer payload: %v", err)
	}

	loaded, err := codec.Load(Kind("test.note"), newer)
	if err != nil {
		t.Fatalf("load payload with extra field: %v", err)
	}
	note := loaded.(*testNote)
	if note.ID != "id" || note.Body != "restock" {
		t.Fatalf("unexpected decoded value: %+v", note)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	registry := newTestRegistry(t)

	if err := registry.Register(Kind("test.note"), func() any { return &testNoteV2{} }); err == nil {
		t.Fatal("expected duplicate kind rejection")
	}
	if err := registry.Register(Kind("test.note_again"), func() any { return &testNote{} }); err == nil {
		t.Fatal("expected duplicate type rejection")
	}
}

func TestRegisterRejectsNonPointerPrototype(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Kind("test.value"), func() any { return testNote{} }); err == nil {
		t.Fatal("expected non-pointer prototype rejection")
	}
}
