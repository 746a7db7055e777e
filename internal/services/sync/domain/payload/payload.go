// Package payload serializes opaque domain payloads for storage and transport.
//
// Payload bytes always travel next to a stable kind identifier so that a
// receiver running different code from the sender, within the same protocol
// version, can resolve the concrete type before decoding. Decoding ignores
// unknown fields, which lets old receivers accept batches produced by newer
// senders.
package payload

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind is the stable identifier of a payload type. Kinds are chosen by the
// domain and never derived from language type names.
type Kind string

// ErrUnknownKind indicates no prototype is registered for a payload kind.
var ErrUnknownKind = errors.New("unknown payload kind")

// DecodeError tags a payload that could not be decoded into its declared
// kind, so corrupt or truncated bytes surface as a distinct failure class.
type DecodeError struct {
	Kind Kind
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode payload kind %q: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Registry maps payload kinds to prototype constructors, populated at
// startup. One kind resolves to exactly one concrete type and vice versa.
type Registry struct {
	mu         sync.RWMutex
	prototypes map[Kind]func() any
	kinds      map[reflect.Type]Kind
}

// NewRegistry creates an empty payload registry.
func NewRegistry() *Registry {
	return &Registry{
		prototypes: make(map[Kind]func() any),
		kinds:      make(map[reflect.Type]Kind),
	}
}

// Register binds a kind to a prototype constructor. The constructor must
// return a non-nil pointer to a fresh zero value.
func (r *Registry) Register(kind Kind, prototype func() any) error {
	if r == nil {
		return fmt.Errorf("payload registry is not configured")
	}
	if strings.TrimSpace(string(kind)) == "" {
		return fmt.Errorf("payload kind is required")
	}
	if prototype == nil {
		return fmt.Errorf("payload prototype is required")
	}
	sample := prototype()
	if sample == nil {
		return fmt.Errorf("payload prototype for %q returned nil", kind)
	}
	typ := reflect.TypeOf(sample)
	if typ.Kind() != reflect.Pointer {
		return fmt.Errorf("payload prototype for %q must return a pointer, got %T", kind, sample)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.prototypes[kind]; exists {
		return fmt.Errorf("payload kind %q is already registered", kind)
	}
	if existing, exists := r.kinds[typ]; exists {
		return fmt.Errorf("payload type %s is already registered as %q", typ, existing)
	}
	r.prototypes[kind] = prototype
	r.kinds[typ] = kind
	return nil
}

// KindOf resolves the registered kind for a payload value.
func (r *Registry) KindOf(p any) (Kind, bool) {
	if r == nil || p == nil {
		return "", false
	}
	typ := reflect.TypeOf(p)
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, ok := r.kinds[typ]
	return kind, ok
}

// New returns a fresh zero value for the kind or ErrUnknownKind.
func (r *Registry) New(kind Kind) (any, error) {
	if r == nil {
		return nil, fmt.Errorf("payload registry is not configured")
	}
	r.mu.RLock()
	prototype, ok := r.prototypes[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return prototype(), nil
}

// Kinds returns the registered kinds sorted for stable reporting.
func (r *Registry) Kinds() []Kind {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.prototypes))
	for kind := range r.prototypes {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Codec converts payloads to and from kind-tagged bytes.
type Codec struct {
	registry *Registry
}

// NewCodec creates a codec over a populated registry.
func NewCodec(registry *Registry) *Codec {
	return &Codec{registry: registry}
}

// Dump serializes a payload and returns its registered kind alongside the
// bytes. The kind is stored and transmitted next to the bytes.
func (c *Codec) Dump(p any) (Kind, []byte, error) {
	if c == nil || c.registry == nil {
		return "", nil, fmt.Errorf("payload codec is not configured")
	}
	if p == nil {
		return "", nil, fmt.Errorf("payload is required")
	}
	kind, ok := c.registry.KindOf(p)
	if !ok {
		return "", nil, fmt.Errorf("%w: %T is not registered", ErrUnknownKind, p)
	}
	data, err := msgpack.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("marshal payload kind %q: %w", kind, err)
	}
	return kind, data, nil
}

// Load resolves the kind to its registered type and decodes the bytes into a
// fresh value. Corrupt or truncated bytes return a DecodeError.
func (c *Codec) Load(kind Kind, data []byte) (any, error) {
	if c == nil || c.registry == nil {
		return nil, fmt.Errorf("payload codec is not configured")
	}
	value, err := c.registry.New(kind)
	if err != nil {
		return nil, err
	}
	if err := msgpack.Unmarshal(data, value); err != nil {
		return nil, &DecodeError{Kind: kind, Err: err}
	}
	return value, nil
}
