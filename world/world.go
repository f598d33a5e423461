// Package world implements the Entity Repository facade: it owns
// every table, the entity index, the phase machine, the event bus, the
// global version tick and the destruction log, and is the sole object
// through which user code touches kernel state.
//
// Go has no per-generic-type static cache the way a managed
// runtime does, so World keeps one monomorphized
// dispatch table per storage kind, indexed by the dense component id the
// registry assigned; the generic Add/Get/GetMut helpers below resolve a
// type to its id once via registry.IDFor and then talk to that table
// through a plain id-indexed map lookup — no reflection on the hot path.
package world

import (
	"errors"
	"fmt"
	"unsafe"

	"go.uber.org/zap"

	"github.com/fdpkernel/fdp/chunktable"
	"github.com/fdpkernel/fdp/distype"
	"github.com/fdpkernel/fdp/entityindex"
	"github.com/fdpkernel/fdp/errs"
	"github.com/fdpkernel/fdp/event"
	"github.com/fdpkernel/fdp/heap"
	"github.com/fdpkernel/fdp/mask"
	"github.com/fdpkernel/fdp/phase"
	"github.com/fdpkernel/fdp/query"
	"github.com/fdpkernel/fdp/reftable"
	"github.com/fdpkernel/fdp/registry"
)

// Config carries the tunables a host picks when constructing a World.
type Config struct {
	MaxEntities int
	Logger      *zap.Logger
	PhaseConfig *phase.Config // defaults to phase.DefaultConfig() if nil
}

// Option mutates a Config before World construction (functional-options,
// the same config-building convention erigon-lib's store constructors use).
type Option func(*Config)

// WithLogger installs a structured logger; a nil logger is replaced with a
// no-op logger so callers never need a nil check.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithPhaseConfig overrides the default phase configuration.
func WithPhaseConfig(pc *phase.Config) Option {
	return func(c *Config) { c.PhaseConfig = pc }
}

// World is the Entity Repository facade.
type World struct {
	cfg Config
	log *zap.Logger

	reg      *registry.Registry
	evReg    *registry.EventRegistry
	index    *entityindex.Index
	phaseM   *phase.Machine
	bus      *event.Bus

	byteTables map[registry.TypeID]*chunktable.Table
	refTables  map[registry.TypeID]*reftable.Table
	partHeaps  map[registry.TypeID]heap.Any
	tagIDs     map[registry.TypeID]bool

	globalVersion uint32
}

// New constructs a World ready for component registration.
func New(cfg Config, opts ...Option) (*World, error) {
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.MaxEntities <= 0 {
		cfg.MaxEntities = 1 << 16
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	pc := cfg.PhaseConfig
	if pc == nil {
		pc = phase.DefaultConfig()
	}
	machine, err := phase.NewMachine(pc)
	if err != nil {
		return nil, err
	}

	return &World{
		cfg:        cfg,
		log:        cfg.Logger,
		reg:        registry.New(),
		evReg:      registry.NewEventRegistry(),
		index:      entityindex.New(),
		phaseM:     machine,
		bus:        event.NewBus(),
		byteTables: make(map[registry.TypeID]*chunktable.Table),
		refTables:  make(map[registry.TypeID]*reftable.Table),
		partHeaps:  make(map[registry.TypeID]heap.Any),
		tagIDs:     make(map[registry.TypeID]bool),
	}, nil
}

// Registry exposes the component type registry for registration calls.
func (w *World) Registry() *registry.Registry { return w.reg }

// EventRegistry exposes the event type registry.
func (w *World) EventRegistry() *registry.EventRegistry { return w.evReg }

// Bus exposes the event bus.
func (w *World) Bus() *event.Bus { return w.bus }

// Index exposes the entity index (used by recorder/playback/view).
func (w *World) Index() *entityindex.Index { return w.index }

// PhaseMachine exposes the phase state machine.
func (w *World) PhaseMachine() *phase.Machine { return w.phaseM }

// GlobalVersion returns the current tick.
func (w *World) GlobalVersion() uint32 { return w.globalVersion }

// Tick advances the global version; must be called once at the start of a
// frame.
func (w *World) Tick() uint32 {
	w.globalVersion++
	return w.globalVersion
}

// RegisterByteValue registers a fixed-size blittable component type.
func RegisterByteValue[T any](w *World) (registry.TypeID, error) {
	id, err := registry.Register[T](w.reg, registry.KindByteValue)
	if err != nil {
		return 0, err
	}
	if _, exists := w.byteTables[id]; !exists {
		var zero T
		size := int(unsafe.Sizeof(zero))
		t, err := chunktable.New(w.cfg.MaxEntities, size)
		if err != nil {
			return 0, err
		}
		w.byteTables[id] = t
	}
	return id, nil
}

// RegisterTag registers a size-1 marker component type.
func RegisterTag[T any](w *World) (registry.TypeID, error) {
	id, err := registry.Register[T](w.reg, registry.KindTag)
	if err != nil {
		return 0, err
	}
	if _, exists := w.byteTables[id]; !exists {
		t, err := chunktable.New(w.cfg.MaxEntities, 1)
		if err != nil {
			return 0, err
		}
		w.byteTables[id] = t
	}
	w.tagIDs[id] = true
	return id, nil
}

// RegisterReference registers a reference-typed component type.
func RegisterReference[T any](w *World) (registry.TypeID, error) {
	id, err := registry.Register[T](w.reg, registry.KindReferenceValue)
	if err != nil {
		return 0, err
	}
	if _, exists := w.refTables[id]; !exists {
		w.refTables[id] = reftable.New(w.cfg.MaxEntities)
	}
	return id, nil
}

// RegisterMultiPart registers a 1-to-N subcomponent type.
func RegisterMultiPart[T any](w *World) (registry.TypeID, error) {
	id, err := registry.Register[T](w.reg, registry.KindMultiPart)
	if err != nil {
		return 0, err
	}
	if _, exists := w.partHeaps[id]; !exists {
		w.partHeaps[id] = heap.Wrap(heap.New[T](w.cfg.MaxEntities))
	}
	return id, nil
}

// RegisterEvent registers a byte-packed event type with a caller-chosen
// stable id.
func RegisterEvent[T any](w *World, stableID uint32) error {
	return registry.RegisterEvent[T](w.evReg, stableID)
}

// RegisterManagedEvent registers a reference-typed event type.
func RegisterManagedEvent[T any](w *World, stableID uint32) error {
	return registry.RegisterManagedEvent[T](w.evReg, stableID)
}

// CreateEntity allocates a new entity slot.
func (w *World) CreateEntity() entityindex.Handle {
	return w.index.Create(w.globalVersion)
}

// DestroyEntity invalidates h's slot. Returns ErrStaleHandle if h is not
// currently alive.
func (w *World) DestroyEntity(h entityindex.Handle) error {
	if !w.index.Destroy(h, w.globalVersion) {
		return fmt.Errorf("%w: %+v", errs.ErrStaleHandle, h)
	}
	return nil
}

// IsAlive reports whether h refers to a currently-live entity.
func (w *World) IsAlive(h entityindex.Handle) bool { return w.index.IsAlive(h) }

func encode[T any](v T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&v)), int(unsafe.Sizeof(v)))
}

func decode[T any](b []byte) T {
	var zero T
	if len(b) < int(unsafe.Sizeof(zero)) {
		return zero
	}
	return *(*T)(unsafe.Pointer(&b[0]))
}

// checkWrite enforces the phase write gate for componentID, returning
// ErrWrongPhase if disallowed.
func (w *World) checkWrite(h entityindex.Handle, componentID registry.TypeID) error {
	hdr := w.index.Header(h.Index)
	if hdr == nil || hdr.Generation != h.Generation {
		return fmt.Errorf("%w: %+v", errs.ErrStaleHandle, h)
	}
	owns := hdr.AuthorityMask.Test(uint8(componentID))
	if !w.phaseM.CanWrite(owns) {
		return fmt.Errorf("%w: phase %s", errs.ErrWrongPhase, w.phaseM.CurrentName())
	}
	return nil
}

// Add sets component T on h, creating the association if absent. Updates
// the entity's component_mask bit and last_change_tick.
func Add[T any](w *World, h entityindex.Handle, v T) error {
	id, err := registry.IDFor[T](w.reg)
	if err != nil {
		return err
	}
	if err := w.checkWrite(h, id); err != nil {
		return err
	}
	if t, ok := w.byteTables[id]; ok {
		if err := t.Write(h.Index, encode(v), w.globalVersion); err != nil {
			return err
		}
	} else if t, ok := w.refTables[id]; ok {
		if err := t.Write(h.Index, v, w.globalVersion); err != nil {
			return err
		}
	} else {
		return fmt.Errorf("%w: component id %d has no backing table", errs.ErrNotRegistered, id)
	}
	hdr := w.index.Header(h.Index)
	hdr.ComponentMask = hdr.ComponentMask.Set(uint8(id))
	hdr.LastChangeTick = w.globalVersion
	return nil
}

// Remove clears component T from h.
func Remove[T any](w *World, h entityindex.Handle) error {
	id, err := registry.IDFor[T](w.reg)
	if err != nil {
		return err
	}
	if err := w.checkWrite(h, id); err != nil {
		return err
	}
	hdr := w.index.Header(h.Index)
	hdr.ComponentMask = hdr.ComponentMask.Clear(uint8(id))
	hdr.LastChangeTick = w.globalVersion
	return nil
}

// Get reads component T from h without bumping any version.
func Get[T any](w *World, h entityindex.Handle) (T, error) {
	var zero T
	id, err := registry.IDFor[T](w.reg)
	if err != nil {
		return zero, err
	}
	if t, ok := w.byteTables[id]; ok {
		b, err := t.Read(h.Index)
		if err != nil {
			return zero, err
		}
		return decode[T](b), nil
	}
	if t, ok := w.refTables[id]; ok {
		v := t.Read(h.Index)
		if v == nil {
			return zero, nil
		}
		return v.(T), nil
	}
	return zero, fmt.Errorf("%w: component id %d has no backing table", errs.ErrNotRegistered, id)
}

// GetManaged reads a reference-typed component, returning ok=false if the
// slot holds no value.
func GetManaged[T any](w *World, h entityindex.Handle) (T, bool) {
	var zero T
	id, err := registry.IDFor[T](w.reg)
	if err != nil {
		return zero, false
	}
	t, ok := w.refTables[id]
	if !ok {
		return zero, false
	}
	v := t.Read(h.Index)
	if v == nil {
		return zero, false
	}
	return v.(T), true
}

// Has reports whether h currently carries component T.
func Has[T any](w *World, h entityindex.Handle) bool {
	id, err := registry.IDFor[T](w.reg)
	if err != nil {
		return false
	}
	hdr := w.index.Header(h.Index)
	if hdr == nil {
		return false
	}
	return hdr.ComponentMask.Test(uint8(id))
}

// GetMut returns a mutable byte view of component T on h and bumps the
// owning chunk's version unconditionally. Reference-typed components have
// no equivalent; use Add to replace the value.
func GetMut[T any](w *World, h entityindex.Handle) ([]byte, error) {
	id, err := registry.IDFor[T](w.reg)
	if err != nil {
		return nil, err
	}
	if err := w.checkWrite(h, id); err != nil {
		return nil, err
	}
	t, ok := w.byteTables[id]
	if !ok {
		return nil, fmt.Errorf("%w: component id %d is not byte-packed", errs.ErrNotRegistered, id)
	}
	return t.ReadMut(h.Index, w.globalVersion)
}

// Parts returns the live parts of multi-part component T on h.
func Parts[T any](w *World, h entityindex.Handle) []T {
	id, err := registry.IDFor[T](w.reg)
	if err != nil {
		return nil
	}
	any, ok := w.partHeaps[id]
	if !ok {
		return nil
	}
	raw := any.GetAny(h.Index)
	out := make([]T, len(raw))
	for i, v := range raw {
		out[i] = v.(T)
	}
	return out
}

// AddPart appends v to multi-part component T on h.
func AddPart[T any](w *World, h entityindex.Handle, v T) error {
	id, err := registry.IDFor[T](w.reg)
	if err != nil {
		return err
	}
	if err := w.checkWrite(h, id); err != nil {
		return err
	}
	heapAny, ok := w.partHeaps[id]
	if !ok {
		return fmt.Errorf("%w: component id %d is not multi-part", errs.ErrNotRegistered, id)
	}
	heapAny.AddAny(h.Index, v)
	hdr := w.index.Header(h.Index)
	hdr.ComponentMask = hdr.ComponentMask.Set(uint8(id))
	hdr.LastChangeTick = w.globalVersion
	return nil
}

// RemovePart removes part i of multi-part component T on h via
// swap-with-last.
func RemovePart[T any](w *World, h entityindex.Handle, i int) error {
	id, err := registry.IDFor[T](w.reg)
	if err != nil {
		return err
	}
	if err := w.checkWrite(h, id); err != nil {
		return err
	}
	heapAny, ok := w.partHeaps[id]
	if !ok {
		return fmt.Errorf("%w: component id %d is not multi-part", errs.ErrNotRegistered, id)
	}
	heapAny.Remove(h.Index, i)
	return nil
}

// SetDisType sets h's packed DIS type word.
func (w *World) SetDisType(h entityindex.Handle, word uint64) error {
	hdr := w.index.Header(h.Index)
	if hdr == nil || hdr.Generation != h.Generation {
		return fmt.Errorf("%w: %+v", errs.ErrStaleHandle, h)
	}
	hdr.DisType = distype.Word(word)
	hdr.LastChangeTick = w.globalVersion
	return nil
}

// SetAuthority sets or clears h's authority bit for componentID, the flag
// OwnedOnly/UnownedOnly phases and the query WithOwned predicate consult to
// decide whether this node holds authority over that component.
func (w *World) SetAuthority(h entityindex.Handle, componentID uint8, owned bool) error {
	hdr := w.index.Header(h.Index)
	if hdr == nil || hdr.Generation != h.Generation {
		return fmt.Errorf("%w: %+v", errs.ErrStaleHandle, h)
	}
	if owned {
		hdr.AuthorityMask = hdr.AuthorityMask.Set(componentID)
	} else {
		hdr.AuthorityMask = hdr.AuthorityMask.Clear(componentID)
	}
	hdr.LastChangeTick = w.globalVersion
	return nil
}

// Query starts a new query builder.
func (w *World) Query() *query.Builder { return query.NewBuilder() }

// RunQuery executes q in full-scan mode.
func (w *World) RunQuery(q query.Query, handler query.Handler) {
	query.Full(w, q, handler)
}

// RunDeltaQuery executes q in delta mode against every table referenced by
// q's include mask, using baseline as the comparison tick.
func (w *World) RunDeltaQuery(baseline uint32, q query.Query, handler query.Handler) {
	var refs []query.TableVersionSource
	for id := registry.TypeID(0); int(id) < w.reg.Len(); id++ {
		if !q.Include.Test(uint8(id)) {
			continue
		}
		if t, ok := w.byteTables[id]; ok {
			refs = append(refs, t)
		} else if t, ok := w.refTables[id]; ok {
			refs = append(refs, t)
		}
	}
	query.Delta(w, refs, baseline, q, handler)
}

// --- query.HeaderSource ---

func (w *World) MaxIssued() uint32 { return w.index.MaxIssued() }
func (w *World) Header(slot uint32) *entityindex.Header { return w.index.Header(slot) }
func (w *World) TotalChunks() int { return w.index.TotalChunks() }
func (w *World) ChunkActiveCount(c int) int { return w.index.ChunkActiveCount(c) }
func (w *World) ChunkVersion(c int) uint32 { return w.index.ChunkVersion(c) }

// Clear resets the index, the destruction log, and zeros every table chunk
// while keeping commitments (pages stay resident for reuse).
func (w *World) Clear() {
	w.index.Clear()
	for _, t := range w.byteTables {
		t.Clear()
	}
	for _, t := range w.refTables {
		t.Clear()
	}
	w.bus.ClearCurrent()
}

// RawByteTable exposes a byte-packed table by component id, used by the
// recorder/playback engine.
func (w *World) RawByteTable(id registry.TypeID) (*chunktable.Table, bool) {
	t, ok := w.byteTables[id]
	return t, ok
}

// RawRefTable exposes a reference-backed table by component id.
func (w *World) RawRefTable(id registry.TypeID) (*reftable.Table, bool) {
	t, ok := w.refTables[id]
	return t, ok
}

// ByteTableIDs returns every registered byte-packed component id.
func (w *World) ByteTableIDs() []registry.TypeID {
	ids := make([]registry.TypeID, 0, len(w.byteTables))
	for id := range w.byteTables {
		ids = append(ids, id)
	}
	return ids
}

// RefTableIDs returns every registered reference-backed component id.
func (w *World) RefTableIDs() []registry.TypeID {
	ids := make([]registry.TypeID, 0, len(w.refTables))
	for id := range w.refTables {
		ids = append(ids, id)
	}
	return ids
}

// --- cmdbuf.Repository (raw, id-indexed, used only by command buffer playback) ---

// AddComponentRaw adds component componentID to h without compile-time
// type information; v's concrete type must match the one registered under
// componentID.
func (w *World) AddComponentRaw(h entityindex.Handle, componentID uint8, v any) error {
	id := registry.TypeID(componentID)
	if err := w.checkWrite(h, id); err != nil {
		if errors.Is(err, errs.ErrStaleHandle) {
			return nil
		}
		return err
	}
	if t, ok := w.byteTables[id]; ok {
		b, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("fdp/world: raw add for byte-packed id %d needs []byte, got %T", id, v)
		}
		if err := t.Write(h.Index, b, w.globalVersion); err != nil {
			return err
		}
	} else if t, ok := w.refTables[id]; ok {
		if err := t.Write(h.Index, v, w.globalVersion); err != nil {
			return err
		}
	} else {
		return fmt.Errorf("%w: component id %d has no backing table", errs.ErrNotRegistered, id)
	}
	hdr := w.index.Header(h.Index)
	hdr.ComponentMask = hdr.ComponentMask.Set(componentID)
	hdr.LastChangeTick = w.globalVersion
	return nil
}

// RemoveComponentRaw clears component componentID from h.
func (w *World) RemoveComponentRaw(h entityindex.Handle, componentID uint8) error {
	hdr := w.index.Header(h.Index)
	if hdr == nil || hdr.Generation != h.Generation {
		return nil
	}
	hdr.ComponentMask = hdr.ComponentMask.Clear(componentID)
	hdr.LastChangeTick = w.globalVersion
	return nil
}

// AddPartRaw appends v to multi-part component componentID on h.
func (w *World) AddPartRaw(h entityindex.Handle, componentID uint8, v any) error {
	id := registry.TypeID(componentID)
	heapAny, ok := w.partHeaps[id]
	if !ok {
		return fmt.Errorf("%w: component id %d is not multi-part", errs.ErrNotRegistered, id)
	}
	heapAny.AddAny(h.Index, v)
	hdr := w.index.Header(h.Index)
	if hdr != nil {
		hdr.ComponentMask = hdr.ComponentMask.Set(componentID)
		hdr.LastChangeTick = w.globalVersion
	}
	return nil
}

// RemovePartRaw removes part i of multi-part component componentID on h.
func (w *World) RemovePartRaw(h entityindex.Handle, componentID uint8, i int) error {
	id := registry.TypeID(componentID)
	heapAny, ok := w.partHeaps[id]
	if !ok {
		return fmt.Errorf("%w: component id %d is not multi-part", errs.ErrNotRegistered, id)
	}
	heapAny.Remove(h.Index, i)
	return nil
}

// SetDisTypeRaw sets h's DIS word for command-buffer playback.
func (w *World) SetDisTypeRaw(h entityindex.Handle, word uint64) error {
	return w.SetDisType(h, word)
}

// componentMask is re-exported for callers building query masks without
// importing the mask package directly.
type componentMask = mask.Mask
