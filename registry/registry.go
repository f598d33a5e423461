// Package registry implements the Component Type Registry: a mapping
// from static Go types to stable dense uint8 ids, assigned in registration
// order and fixed for the life of the process.
//
// Go has no per-generic-type static storage the way a C#/Rust implementation
// would use to cache an id "for free" at JIT/monomorphization time. We
// replace it with an explicit
// registry keyed by reflect.Type, built once at startup, plus a small
// generic helper (IDFor[T]) that callers use to resolve a type's id without
// spelling out reflect.TypeOf at every call site; nothing on the component
// read/write hot path performs a reflect.Type lookup — get/set methods take
// the id directly once resolved.
package registry

import (
	"fmt"
	"reflect"
	"sort"
	"unsafe"

	"github.com/cespare/xxhash/v2"

	"github.com/fdpkernel/fdp/errs"
)

// TypeID is a dense, process-stable component type id in [0, 255].
type TypeID uint8

// MaxTypes is the number of distinct component ids a 256-bit mask can
// address.
const MaxTypes = 256

// Kind classifies how a component type's storage and serialization behave.
type Kind uint8

const (
	// KindByteValue is a Tier-1 blittable, fixed-size component stored in a
	// paged chunk table (chunktable).
	KindByteValue Kind = iota
	// KindReferenceValue is a Tier-2 reference-typed component stored in a
	// reference-backed chunk table (reftable).
	KindReferenceValue
	// KindTag is a size-1 marker component with no payload.
	KindTag
	// KindMultiPart is a 1-to-N subcomponent stored in the multi-part heap.
	KindMultiPart
)

func (k Kind) String() string {
	switch k {
	case KindByteValue:
		return "byte-value"
	case KindReferenceValue:
		return "reference-value"
	case KindTag:
		return "tag"
	case KindMultiPart:
		return "multi-part"
	default:
		return "unknown"
	}
}

// Descriptor carries everything the rest of the kernel needs to know about a
// registered component type.
type Descriptor struct {
	ID       TypeID
	Name     string // stable type name, used for the snapshot_order() companion file
	Kind     Kind
	ElemSize uintptr // size of one record; 1 for tags
	GoType   reflect.Type
}

// Registry maps static Go types to dense ids. Explicit registration is
// mandatory; nothing is ever auto-discovered via reflection at runtime.
type Registry struct {
	byType map[reflect.Type]TypeID
	byID   []Descriptor // index == TypeID
	byName map[string]TypeID
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byType: make(map[reflect.Type]TypeID),
		byName: make(map[string]TypeID),
	}
}

// Register assigns (or returns the existing) dense id for T under the given
// Kind. Registration order determines id assignment and must be identical
// across any two processes that need to interoperate or replay the same
// save file.
func Register[T any](r *Registry, kind Kind) (TypeID, error) {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		// T is an interface type instantiated with a nil value; reference
		// components are expected to be pointer or interface types, so fall
		// back to the static type parameter via a typed nil pointer trick.
		t = reflect.TypeOf((*T)(nil)).Elem()
	}
	name := t.String()

	if id, ok := r.byType[t]; ok {
		return id, nil
	}
	if len(r.byID) >= MaxTypes {
		return 0, fmt.Errorf("fdp/registry: cannot register %s: all %d type ids exhausted", name, MaxTypes)
	}
	if existingID, ok := r.byName[name]; ok {
		return 0, fmt.Errorf("%w: %q already registered as id %d under a different type", errs.ErrRegistryConflict, name, existingID)
	}

	id := TypeID(len(r.byID))
	size := unsafe.Sizeof(zero)
	if kind == KindTag {
		size = 1
	}
	r.byID = append(r.byID, Descriptor{
		ID:       id,
		Name:     name,
		Kind:     kind,
		ElemSize: size,
		GoType:   t,
	})
	r.byType[t] = id
	r.byName[name] = id
	return id, nil
}

// IDFor resolves T's id without registering it; returns ErrNotRegistered if
// absent.
func IDFor[T any](r *Registry) (TypeID, error) {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		t = reflect.TypeOf((*T)(nil)).Elem()
	}
	id, ok := r.byType[t]
	if !ok {
		return 0, fmt.Errorf("%w: %s", errs.ErrNotRegistered, t.String())
	}
	return id, nil
}

// Descriptor returns the descriptor for a type id.
func (r *Registry) Descriptor(id TypeID) (Descriptor, error) {
	if int(id) >= len(r.byID) {
		return Descriptor{}, fmt.Errorf("%w: id %d", errs.ErrNotRegistered, id)
	}
	return r.byID[id], nil
}

// DescriptorByName looks up a descriptor by its stable type name, used when
// restoring a snapshot whose companion order-file names types this process
// registered under a possibly different order.
func (r *Registry) DescriptorByName(name string) (Descriptor, bool) {
	id, ok := r.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return r.byID[id], true
}

// Len returns the number of registered types.
func (r *Registry) Len() int { return len(r.byID) }

// SnapshotOrder returns the stable type names in registration order, for
// embedding in (or alongside) a save file.
func (r *Registry) SnapshotOrder() []string {
	names := make([]string, len(r.byID))
	for i, d := range r.byID {
		names[i] = d.Name
	}
	return names
}

// StableHash returns a deterministic non-cryptographic hash of a type's
// stable name (xxhash, the same hash erigon's state package already pulls
// in for this class of problem).
func StableHash(name string) uint64 {
	return xxhash.Sum64String(name)
}

// Fingerprint combines the StableHash of every registered type's name into
// one order-independent schema fingerprint, written into a snapshot
// stream's WorldHeader so a player can detect it was recorded against a
// registry with a different set of registered component types before it
// ever applies a frame.
func (r *Registry) Fingerprint() uint64 {
	var fp uint64
	for _, d := range r.byID {
		fp ^= StableHash(d.Name)
	}
	return fp
}

// EventRegistry maps event types to caller-declared stable uint32 ids,
// assigned via an attribute-style registry. Kept separate from Registry
// because event ids are caller-assigned, not
// assignment-ordered.
type EventRegistry struct {
	byType map[reflect.Type]eventEntry
	byID   map[uint32]reflect.Type
}

type eventEntry struct {
	StableID uint32
	ElemSize uintptr // 0 marks a reference-typed event
	Managed  bool
}

// NewEventRegistry returns an empty event registry.
func NewEventRegistry() *EventRegistry {
	return &EventRegistry{
		byType: make(map[reflect.Type]eventEntry),
		byID:   make(map[uint32]reflect.Type),
	}
}

// RegisterEvent declares T a byte-packed event type with the given stable
// id. id == 0 is permitted as a real id; there is no sentinel "unset"
// value, so callers simply must pass one explicitly.
func RegisterEvent[T any](r *EventRegistry, stableID uint32) error {
	var zero T
	t := reflect.TypeOf(zero)
	if existing, ok := r.byID[stableID]; ok && existing != t {
		return fmt.Errorf("%w: event id %d already claimed by %s", errs.ErrRegistryConflict, stableID, existing)
	}
	var size uintptr
	if t != nil {
		size = unsafe.Sizeof(zero)
	}
	r.byType[t] = eventEntry{StableID: stableID, ElemSize: size}
	r.byID[stableID] = t
	return nil
}

// RegisterManagedEvent declares T a reference-typed event type (elem_size
// encoded as 0 in the snapshot stream).
func RegisterManagedEvent[T any](r *EventRegistry, stableID uint32) error {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		t = reflect.TypeOf((*T)(nil)).Elem()
	}
	if existing, ok := r.byID[stableID]; ok && existing != t {
		return fmt.Errorf("%w: event id %d already claimed by %s", errs.ErrRegistryConflict, stableID, existing)
	}
	r.byType[t] = eventEntry{StableID: stableID, ElemSize: 0, Managed: true}
	r.byID[stableID] = t
	return nil
}

// EventIDFor resolves T's stable event id.
func EventIDFor[T any](r *EventRegistry) (uint32, uintptr, bool, error) {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		t = reflect.TypeOf((*T)(nil)).Elem()
	}
	e, ok := r.byType[t]
	if !ok {
		return 0, 0, false, fmt.Errorf("%w: event %s", errs.ErrNotRegistered, t.String())
	}
	return e.StableID, e.ElemSize, e.Managed, nil
}

// KnownStableIDs returns all registered stable event ids in ascending order,
// used by the snapshot codec to decide which streams to enumerate.
func (r *EventRegistry) KnownStableIDs() []uint32 {
	ids := make([]uint32, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
