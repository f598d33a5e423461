// Package cmdbuf implements the Command Buffer: a per-thread queue
// of deferred structural changes, replayed single-threaded so that parallel
// query handlers never touch the Entity Index or tables directly.
package cmdbuf

import (
	"errors"

	"github.com/fdpkernel/fdp/entityindex"
	"github.com/fdpkernel/fdp/errs"
)

// TempHandle identifies an entity created by this buffer before playback
// has assigned it a real Handle. Commands referencing a freshly-created
// entity carry a TempHandle instead and are resolved at playback time.
type TempHandle uint32

// kind enumerates the command variants; kept unexported since only
// Playback interprets it.
type kind uint8

const (
	kindCreateEntity kind = iota
	kindDestroyEntity
	kindAddComponent
	kindRemoveComponent
	kindAddPart
	kindRemovePart
	kindSetDisType
)

// command is one deferred structural change. Exactly one of Handle/Temp is
// meaningful depending on target; ComponentID/Value/PartIndex are
// interpreted per kind.
type command struct {
	op         kind
	target     entityindex.Handle
	temp       TempHandle
	usesTemp   bool
	componentID uint8
	value       any
	partIndex   int
	disWord     uint64
}

// Buffer is a single thread's queue of pending commands.
type Buffer struct {
	cmds     []command
	nextTemp TempHandle
}

// New returns an empty command buffer.
func New() *Buffer { return &Buffer{} }

// CreateEntity enqueues an entity creation and returns a temporary handle
// other commands in this buffer may reference before playback runs.
func (b *Buffer) CreateEntity() TempHandle {
	t := b.nextTemp
	b.nextTemp++
	b.cmds = append(b.cmds, command{op: kindCreateEntity, temp: t, usesTemp: true})
	return t
}

// DestroyEntity enqueues destruction of an existing (already-playback-back)
// handle.
func (b *Buffer) DestroyEntity(h entityindex.Handle) {
	b.cmds = append(b.cmds, command{op: kindDestroyEntity, target: h})
}

// DestroyTemp enqueues destruction of an entity created earlier in this
// same buffer.
func (b *Buffer) DestroyTemp(t TempHandle) {
	b.cmds = append(b.cmds, command{op: kindDestroyEntity, temp: t, usesTemp: true})
}

// AddComponent enqueues a component add against an existing handle. v is
// stored by value for byte-packed components; for reference-typed
// components v is stored by reference and the caller must not mutate or
// share it elsewhere afterwards.
func (b *Buffer) AddComponent(h entityindex.Handle, componentID uint8, v any) {
	b.cmds = append(b.cmds, command{op: kindAddComponent, target: h, componentID: componentID, value: v})
}

// AddComponentTemp is AddComponent against a same-buffer TempHandle.
func (b *Buffer) AddComponentTemp(t TempHandle, componentID uint8, v any) {
	b.cmds = append(b.cmds, command{op: kindAddComponent, temp: t, usesTemp: true, componentID: componentID, value: v})
}

// RemoveComponent enqueues a component removal.
func (b *Buffer) RemoveComponent(h entityindex.Handle, componentID uint8) {
	b.cmds = append(b.cmds, command{op: kindRemoveComponent, target: h, componentID: componentID})
}

// AddPart enqueues an append to a multi-part component.
func (b *Buffer) AddPart(h entityindex.Handle, componentID uint8, v any) {
	b.cmds = append(b.cmds, command{op: kindAddPart, target: h, componentID: componentID, value: v})
}

// RemovePart enqueues a swap-with-last removal from a multi-part component.
func (b *Buffer) RemovePart(h entityindex.Handle, componentID uint8, i int) {
	b.cmds = append(b.cmds, command{op: kindRemovePart, target: h, componentID: componentID, partIndex: i})
}

// SetDisType enqueues a DIS type word update.
func (b *Buffer) SetDisType(h entityindex.Handle, w uint64) {
	b.cmds = append(b.cmds, command{op: kindSetDisType, target: h, disWord: w})
}

// Reset clears the buffer for reuse after playback.
func (b *Buffer) Reset() {
	b.cmds = b.cmds[:0]
	b.nextTemp = 0
}

// Len reports the number of pending commands.
func (b *Buffer) Len() int { return len(b.cmds) }

// Repository is the minimal facade Playback needs; world.World implements
// it directly.
type Repository interface {
	CreateEntity() entityindex.Handle
	DestroyEntity(h entityindex.Handle) error
	AddComponentRaw(h entityindex.Handle, componentID uint8, v any) error
	RemoveComponentRaw(h entityindex.Handle, componentID uint8) error
	AddPartRaw(h entityindex.Handle, componentID uint8, v any) error
	RemovePartRaw(h entityindex.Handle, componentID uint8, i int) error
	SetDisTypeRaw(h entityindex.Handle, w uint64) error
}

// PlaybackError records one command's failure during Playback without
// aborting the rest of the batch.
type PlaybackError struct {
	Index int
	Err   error
}

// Playback replays buffers in submission order, each single-threaded and
// in insertion order. Playback of a command against a stale handle is a
// no-op (not an error); other failures are collected, never panicked.
func Playback(repo Repository, buffers ...*Buffer) []PlaybackError {
	var errsOut []PlaybackError
	for _, b := range buffers {
		tempToHandle := make(map[TempHandle]entityindex.Handle)
		for i, c := range b.cmds {
			resolve := func() (entityindex.Handle, bool) {
				if !c.usesTemp {
					return c.target, true
				}
				h, ok := tempToHandle[c.temp]
				return h, ok
			}
			switch c.op {
			case kindCreateEntity:
				h := repo.CreateEntity()
				tempToHandle[c.temp] = h
			case kindDestroyEntity:
				h, ok := resolve()
				if !ok {
					continue
				}
				if err := repo.DestroyEntity(h); err != nil {
					errsOut = append(errsOut, PlaybackError{Index: i, Err: err})
				}
			case kindAddComponent:
				h, ok := resolve()
				if !ok {
					continue
				}
				if err := repo.AddComponentRaw(h, c.componentID, c.value); err != nil {
					errsOut = append(errsOut, PlaybackError{Index: i, Err: err})
				}
			case kindRemoveComponent:
				h, ok := resolve()
				if !ok {
					continue
				}
				if err := repo.RemoveComponentRaw(h, c.componentID); err != nil {
					errsOut = append(errsOut, PlaybackError{Index: i, Err: err})
				}
			case kindAddPart:
				h, ok := resolve()
				if !ok {
					continue
				}
				if err := repo.AddPartRaw(h, c.componentID, c.value); err != nil {
					errsOut = append(errsOut, PlaybackError{Index: i, Err: err})
				}
			case kindRemovePart:
				h, ok := resolve()
				if !ok {
					continue
				}
				if err := repo.RemovePartRaw(h, c.componentID, c.partIndex); err != nil {
					errsOut = append(errsOut, PlaybackError{Index: i, Err: err})
				}
			case kindSetDisType:
				h, ok := resolve()
				if !ok {
					continue
				}
				if err := repo.SetDisTypeRaw(h, c.disWord); err != nil {
					errsOut = append(errsOut, PlaybackError{Index: i, Err: err})
				}
			}
		}
	}
	kept := errsOut[:0]
	for _, e := range errsOut {
		if !errors.Is(e.Err, errs.ErrStaleHandle) {
			kept = append(kept, e)
		}
	}
	return kept
}
