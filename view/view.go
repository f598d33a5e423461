// Package view implements the Snapshot Provider: two
// interchangeable read-only replica strategies — a persistent Global
// Double Buffer and a pooled On-Demand sparse replica — behind the same
// hot interface, since both are just a *world.World kept chunk-synced
// with a live one.
package view

import (
	"sync"
	"sync/atomic"

	"github.com/fdpkernel/fdp/errs"
	"github.com/fdpkernel/fdp/event"
	"github.com/fdpkernel/fdp/mask"
	"github.com/fdpkernel/fdp/world"
)

// syncFrom walks every table shared between live and replica (both must
// come from the same registration sequence), copying any chunk whose
// source version exceeds the replica's own. m, if non-nil, restricts the
// sync to the component columns it sets — the On-Demand strategy's
// "masked sync".
func syncFrom(live, replica *world.World, m *mask.Mask) error {
	liveIdx, replicaIdx := live.Index(), replica.Index()
	headerTouched := false
	for c := 0; c < liveIdx.TotalChunks(); c++ {
		if liveIdx.ChunkVersion(c) > replicaIdx.ChunkVersion(c) {
			replicaIdx.CopyChunkFrom(liveIdx, c)
			headerTouched = true
		}
	}
	if headerTouched {
		replicaIdx.RebuildMetadata()
	}

	for _, id := range live.ByteTableIDs() {
		if m != nil && !m.Test(uint8(id)) {
			continue
		}
		srcT, ok := live.RawByteTable(id)
		if !ok {
			continue
		}
		dstT, ok := replica.RawByteTable(id)
		if !ok {
			continue
		}
		for c := 0; c < srcT.TotalChunks(); c++ {
			if !srcT.ChunkCommitted(c) || srcT.ChunkVersion(c) <= dstT.ChunkVersion(c) {
				continue
			}
			if err := dstT.SetRawChunkBytes(c, srcT.ChunkPtr(c)); err != nil {
				return err
			}
			dstT.SetChunkVersion(c, srcT.ChunkVersion(c))
		}
	}

	for _, id := range live.RefTableIDs() {
		if m != nil && !m.Test(uint8(id)) {
			continue
		}
		srcT, ok := live.RawRefTable(id)
		if !ok {
			continue
		}
		dstT, ok := replica.RawRefTable(id)
		if !ok {
			continue
		}
		for c := 0; c < srcT.TotalChunks(); c++ {
			if !srcT.ChunkTouched(c) || srcT.ChunkVersion(c) <= dstT.ChunkVersion(c) {
				continue
			}
			if err := dstT.CopyChunkFrom(srcT, c); err != nil {
				return err
			}
		}
	}
	return nil
}

// EventAccumulator captures a live bus's pending (front-buffer) records
// between syncs and flushes them into a replica's bus at sync time, so a
// sync that skips a frame doesn't silently drop events the host already
// swapped out of the live bus. It keeps only the most recently captured
// front buffer per stream rather than a running union across every
// skipped frame — accumulating a true cross-frame union would need a
// publish-time tap the event bus doesn't expose, so a caller that cares
// about events must call Capture every frame the live bus swaps.
type EventAccumulator struct {
	mu      sync.Mutex
	native  map[uint32][]byte
	managed map[uint32][]any
	sizes   map[uint32]int
}

// NewEventAccumulator returns an empty accumulator.
func NewEventAccumulator() *EventAccumulator {
	return &EventAccumulator{
		native:  make(map[uint32][]byte),
		managed: make(map[uint32][]any),
		sizes:   make(map[uint32]int),
	}
}

// Capture records every stream currently holding front-buffer data.
func (a *EventAccumulator) Capture(bus *event.Bus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ps := range bus.PendingStreams() {
		if ps.Native != nil {
			a.native[ps.StableID] = append([]byte(nil), ps.Native.Consume()...)
			a.sizes[ps.StableID] = ps.ElemSize
		} else if ps.Managed != nil {
			a.managed[ps.StableID] = append([]any(nil), ps.Managed.Consume()...)
		}
	}
}

// FlushInto injects every captured stream into dst's front buffers and
// clears the accumulator.
func (a *EventAccumulator) FlushInto(dst *event.Bus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, b := range a.native {
		dst.EnsureNative(id, a.sizes[id]).InjectIntoCurrent(b)
	}
	for id, vs := range a.managed {
		dst.EnsureManaged(id).InjectIntoCurrent(vs)
	}
	a.native = make(map[uint32][]byte)
	a.managed = make(map[uint32][]any)
	a.sizes = make(map[uint32]int)
}

// GlobalDoubleBuffer is the persistent-replica strategy: one
// standing *world.World kept chunk-synced with the live world, gated by a
// reference count so a sync never mutates state a reader is mid-read of.
type GlobalDoubleBuffer struct {
	replica  *world.World
	refCount atomic.Int64
	accum    *EventAccumulator
}

// NewGlobalDoubleBuffer constructs an empty replica and runs register
// against it so its tables mirror the live world's registration (register
// must perform the exact same RegisterByteValue/RegisterReference/...
// calls, in the same order, as the live world did).
func NewGlobalDoubleBuffer(cfg world.Config, register func(*world.World) error) (*GlobalDoubleBuffer, error) {
	r, err := world.New(cfg)
	if err != nil {
		return nil, err
	}
	if register != nil {
		if err := register(r); err != nil {
			return nil, err
		}
	}
	return &GlobalDoubleBuffer{replica: r, accum: NewEventAccumulator()}, nil
}

// CaptureEvents should be called once per live frame, before the host
// swaps the live event bus, so pending events survive until the next
// sync even if a sync is skipped this frame.
func (g *GlobalDoubleBuffer) CaptureEvents(live *world.World) {
	g.accum.Capture(live.Bus())
}

// SyncFrom copies every changed chunk (across the columns m selects, or
// every column if m is nil) from live into the replica and flushes
// accumulated events into the replica's bus. Skipped entirely if any
// reader currently holds the view.
func (g *GlobalDoubleBuffer) SyncFrom(live *world.World, m *mask.Mask) error {
	if !g.refCount.CompareAndSwap(0, 0) {
		return errs.ErrViewBusy
	}
	if err := syncFrom(live, g.replica, m); err != nil {
		return err
	}
	g.accum.FlushInto(g.replica.Bus())
	return nil
}

// AcquireView increments the reader count and returns the replica.
func (g *GlobalDoubleBuffer) AcquireView() *world.World {
	g.refCount.Add(1)
	return g.replica
}

// ReleaseView decrements the reader count.
func (g *GlobalDoubleBuffer) ReleaseView() {
	g.refCount.Add(-1)
}

// Pool is the On-Demand strategy: a pool of lightweight sparse
// replicas, synced only across the requested mask's columns on acquire
// and soft-cleared on release so committed pages stay resident for reuse.
type Pool struct {
	mu         sync.Mutex
	free       []*world.World
	newReplica func() (*world.World, error)
}

// NewPool pre-allocates size replicas, each built by newReplica (which
// must construct and register a world identically to the live one).
func NewPool(size int, newReplica func() (*world.World, error)) (*Pool, error) {
	p := &Pool{newReplica: newReplica}
	for i := 0; i < size; i++ {
		w, err := newReplica()
		if err != nil {
			return nil, err
		}
		p.free = append(p.free, w)
	}
	return p, nil
}

// AcquireView pops a replica from the pool (allocating a fresh one if the
// pool is empty) and syncs it from live across m's columns only.
func (p *Pool) AcquireView(live *world.World, m mask.Mask) (*world.World, error) {
	p.mu.Lock()
	var v *world.World
	if n := len(p.free); n > 0 {
		v = p.free[n-1]
		p.free = p.free[:n-1]
	}
	p.mu.Unlock()
	if v == nil {
		nv, err := p.newReplica()
		if err != nil {
			return nil, err
		}
		v = nv
	}
	if err := syncFrom(live, v, &m); err != nil {
		return nil, err
	}
	return v, nil
}

// ReleaseView soft-clears v (zeroing slot state while leaving committed
// pages resident) and returns it to the pool.
func (p *Pool) ReleaseView(v *world.World) {
	v.Clear()
	p.mu.Lock()
	p.free = append(p.free, v)
	p.mu.Unlock()
}
