// Package playback implements the Playback Engine: consuming a
// recorded frame stream and replaying it onto a world, keyframe-clear plus
// delta roll-forward, metadata repair, and reference-type mask repair.
package playback

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fdpkernel/fdp/entityindex"
	"github.com/fdpkernel/fdp/recorder"
	"github.com/fdpkernel/fdp/reftable"
	"github.com/fdpkernel/fdp/registry"
	"github.com/fdpkernel/fdp/snapshot"
	"github.com/fdpkernel/fdp/world"
)

// Player applies frames onto a world, tracking current_tick across calls.
type Player struct {
	w   *world.World
	log *zap.Logger

	currentTick uint64
}

// Option configures a Player.
type Option func(*Player)

// WithLogger installs a structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Player) { p.log = l }
}

// NewPlayer wraps w for frame application.
func NewPlayer(w *world.World, opts ...Option) *Player {
	p := &Player{w: w, log: zap.NewNop()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// CurrentTick returns the tick of the last applied frame.
func (p *Player) CurrentTick() uint64 { return p.currentTick }

// World returns the world this player applies frames onto.
func (p *Player) World() *world.World { return p.w }

// ApplyFrame applies f onto the world. processEvents controls
// whether f's event block is injected into the live bus or discarded —
// the Seek/Scrub Controller sets this false for every frame but the last
// during roll-forward.
func (p *Player) ApplyFrame(f snapshot.Frame, processEvents bool) error {
	if f.Kind == snapshot.FrameKeyframe {
		p.w.Clear()
	}

	idx := p.w.Index()
	tick := uint32(f.Tick)
	for _, d := range f.Destroyed {
		idx.Destroy(entityindex.Handle{Index: d.Index, Generation: d.Generation}, tick)
	}

	if processEvents {
		if err := p.injectEvents(f.Events); err != nil {
			return err
		}
	}

	headerTouched := false
	for _, cb := range f.Chunks {
		if cb.ComponentTypeID == snapshot.HeaderIndexTypeID {
			p.applyHeaderChunk(cb)
			headerTouched = true
			continue
		}
		if err := p.applyComponentChunk(cb, tick); err != nil {
			return err
		}
	}

	// Metadata repair: always on a keyframe, and on any delta whose chunk
	// block touched the header table.
	if f.Kind == snapshot.FrameKeyframe || headerTouched {
		idx.RebuildMetadata()
	}

	p.currentTick = f.Tick
	return nil
}

func (p *Player) applyHeaderChunk(cb snapshot.ChunkBlock) {
	idx := p.w.Index()
	slotsPerChunk := entityindex.SlotsPerChunk()
	base := uint32(int(cb.ChunkIndex) * slotsPerChunk)
	headers := recorder.DecodeHeaderChunk(cb.Payload)
	for i, h := range headers {
		idx.SetHeaderRaw(base+uint32(i), h)
	}
}

func (p *Player) applyComponentChunk(cb snapshot.ChunkBlock, tick uint32) error {
	id := uint8(cb.ComponentTypeID)
	typeID := registry.TypeID(id)

	if t, ok := p.w.RawByteTable(typeID); ok {
		return t.SetRawChunkBytes(int(cb.ChunkIndex), cb.Payload)
	}

	t, ok := p.w.RawRefTable(typeID)
	if !ok {
		p.log.Warn("playback: chunk references unknown component id", zap.Int32("type_id", cb.ComponentTypeID))
		return nil
	}
	pairs, err := snapshot.DecodeManagedSlots(cb.Payload)
	if err != nil {
		return fmt.Errorf("fdp/playback: decode ref chunk: %w", err)
	}
	slots := make([]reftable.DeltaSlot, len(pairs))
	for i, pair := range pairs {
		slots[i] = reftable.DeltaSlot{Slot: pair.Slot, Value: pair.Value}
	}
	if err := t.SetRawChunkSlots(int(cb.ChunkIndex), slots, tick); err != nil {
		return fmt.Errorf("fdp/playback: apply ref chunk: %w", err)
	}

	// Mask repair: every reference-typed slot restored sets or
	// clears its owning header's component-mask bit, independent of
	// whatever rebuild_metadata does for the header table itself.
	idx := p.w.Index()
	for _, pair := range pairs {
		hdr := idx.Header(pair.Slot)
		if hdr == nil {
			continue
		}
		if pair.Value != nil {
			hdr.ComponentMask = hdr.ComponentMask.Set(id)
		} else {
			hdr.ComponentMask = hdr.ComponentMask.Clear(id)
		}
	}
	return nil
}

func (p *Player) injectEvents(events []snapshot.EventTypeBlock) error {
	bus := p.w.Bus()
	for _, e := range events {
		if e.ElemSize > 0 {
			bus.EnsureNative(e.TypeID, int(e.ElemSize)).InjectIntoCurrent(e.Payload)
			continue
		}
		vs, err := snapshot.DecodeManagedValues(e.Payload)
		if err != nil {
			return fmt.Errorf("fdp/playback: decode event payload: %w", err)
		}
		bus.EnsureManaged(e.TypeID).InjectIntoCurrent(vs)
	}
	return nil
}
