// Package query implements the Query Engine: include/exclude mask
// matching over entity headers, with full, delta, hierarchical (DIS),
// time-sliced and parallel iteration modes.
//
// Parallel iteration is grounded on golang.org/x/sync's errgroup and
// semaphore, the same disjoint-work-partitioning primitives erigon's own
// stage-sync pipelines use to cap concurrent goroutines without a
// hand-rolled worker pool.
package query

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/fdpkernel/fdp/distype"
	"github.com/fdpkernel/fdp/entityindex"
	"github.com/fdpkernel/fdp/mask"
)

// HeaderSource is the minimal view into the Entity Index the query engine
// needs; the Entity Repository facade satisfies it directly.
type HeaderSource interface {
	MaxIssued() uint32
	Header(slot uint32) *entityindex.Header
	TotalChunks() int
	ChunkActiveCount(c int) int
	ChunkVersion(c int) uint32
}

// Query is an immutable match specification built by Builder.
type Query struct {
	Include   mask.Mask
	Exclude   mask.Mask
	HasOwned  bool
	Owned     mask.Mask
	HasDis    bool
	DisTarget distype.Word
	DisMask   distype.Word
}

// Builder assembles a Query fluently.
type Builder struct {
	q Query
}

// NewBuilder starts an empty query (matches everything).
func NewBuilder() *Builder { return &Builder{} }

// With requires component id to be present.
func (b *Builder) With(id uint8) *Builder {
	b.q.Include = b.q.Include.Set(id)
	return b
}

// Without requires component id to be absent.
func (b *Builder) Without(id uint8) *Builder {
	b.q.Exclude = b.q.Exclude.Set(id)
	return b
}

// WithOwned additionally requires authority over the given component ids.
func (b *Builder) WithOwned(ids ...uint8) *Builder {
	b.q.HasOwned = true
	for _, id := range ids {
		b.q.Owned = b.q.Owned.Set(id)
	}
	return b
}

// WithDis filters on a packed DIS type word under the given mask.
func (b *Builder) WithDis(target distype.Word, m distype.Word) *Builder {
	b.q.HasDis = true
	b.q.DisTarget = target
	b.q.DisMask = m
	return b
}

// Build finalizes the query.
func (b *Builder) Build() Query { return b.q }

// Matches evaluates the full predicate against one header.
func (q Query) Matches(h *entityindex.Header) bool {
	if !h.ComponentMask.ContainsAll(q.Include) {
		return false
	}
	if !h.ComponentMask.ContainsNone(q.Exclude) {
		return false
	}
	if q.HasOwned && !h.AuthorityMask.ContainsAll(q.Owned) {
		return false
	}
	if q.HasDis && !distype.Match(h.DisType, q.DisTarget, q.DisMask) {
		return false
	}
	return true
}

// Handler is invoked once per matching slot.
type Handler func(slot uint32, h *entityindex.Header)

// engineChunkSize is the fixed per-chunk slot span the query engine assumes
// when skipping chunks. It mirrors entityindex's own header chunking.
var engineChunkSize = entityindex.SlotsPerChunk()

// Full scans slots [0, maxIssued), skipping entire chunks with no active
// slots. The iterator captures maxIssued at call time: entities created
// during the callback are not visible to this call.
func Full(src HeaderSource, q Query, handler Handler) {
	maxIssued := src.MaxIssued()
	chunks := src.TotalChunks()
	for c := 0; c < chunks; c++ {
		if src.ChunkActiveCount(c) == 0 {
			continue
		}
		base := uint32(c * engineChunkSize)
		end := base + uint32(engineChunkSize)
		if end > maxIssued {
			end = maxIssued
		}
		for slot := base; slot < end; slot++ {
			h := src.Header(slot)
			if h == nil || h.Flags&entityindex.FlagActive == 0 {
				continue
			}
			if q.Matches(h) {
				handler(slot, h)
			}
		}
	}
}

// TableVersionSource reports a component table's version over an arbitrary
// entity-slot range, used by Delta to decide whether any table referenced
// by the query changed since baseline. A range, not a chunk index, because
// each table pages at its own elemSize-dependent granularity and so has its
// own notion of "chunk i" distinct from the header's.
type TableVersionSource interface {
	RangeVersion(base uint32, count int) uint32
}

// Delta performs the delta iteration mode: chunks whose header version (or
// any of refTables' versions over the same slot range) is no greater than
// baseline are skipped wholesale; surviving chunks are scanned per-slot for
// last_change_tick > baseline OR any referenced table's range version >
// baseline. The result is a "candidate" set; value-level diffing, if
// needed, is the caller's responsibility.
func Delta(src HeaderSource, refTables []TableVersionSource, baseline uint32, q Query, handler Handler) {
	maxIssued := src.MaxIssued()
	chunks := src.TotalChunks()
	for c := 0; c < chunks; c++ {
		if src.ChunkActiveCount(c) == 0 {
			continue
		}
		base := uint32(c * engineChunkSize)
		end := base + uint32(engineChunkSize)
		if end > maxIssued {
			end = maxIssued
		}
		span := int(end - base)

		tableChanged := src.ChunkVersion(c) > baseline
		for _, t := range refTables {
			if t.RangeVersion(base, span) > baseline {
				tableChanged = true
				break
			}
		}
		if !tableChanged {
			continue
		}
		for slot := base; slot < end; slot++ {
			h := src.Header(slot)
			if h == nil || h.Flags&entityindex.FlagActive == 0 {
				continue
			}
			if !q.Matches(h) {
				continue
			}
			changed := h.LastChangeTick > baseline
			if !changed {
				for _, t := range refTables {
					if t.RangeVersion(slot, 1) > baseline {
						changed = true
						break
					}
				}
			}
			if changed {
				handler(slot, h)
			}
		}
	}
}

// Hierarchical is Full under its own name as a distinct iteration mode: it
// applies the whole Query.Matches predicate, which already folds the DIS
// compare in alongside the include/exclude/owned masks.
func Hierarchical(src HeaderSource, q Query, handler Handler) {
	Full(src, q, handler)
}

// SliceState is the caller-owned resume token for time-sliced iteration:
// an explicit state object replacing coroutine-style iteration.
type SliceState struct {
	ChunkIdx int
	SlotIdx  uint32
	Done     bool
}

// TimeSliceMetric selects how Budget is interpreted.
type TimeSliceMetric int

const (
	// EntityCount budgets by number of matching entities visited.
	EntityCount TimeSliceMetric = iota
	// WallClockMs budgets by elapsed wall-clock milliseconds. The caller
	// supplies a Now func so the engine itself never touches real time
	// (keeping it deterministic and testable without a clock dependency).
	WallClockMs
)

// TimeSliced resumes from state and runs handler until either the slot
// space is exhausted or the budget is spent, persisting progress back into
// state for the next call.
func TimeSliced(src HeaderSource, q Query, state *SliceState, metric TimeSliceMetric, budget int64, nowMs func() int64, handler Handler) {
	maxIssued := src.MaxIssued()
	chunks := src.TotalChunks()
	start := nowMs
	var startTime int64
	if metric == WallClockMs && start != nil {
		startTime = start()
	}
	var spent int64

	for c := state.ChunkIdx; c < chunks; c++ {
		if src.ChunkActiveCount(c) == 0 {
			state.ChunkIdx = c + 1
			state.SlotIdx = 0
			continue
		}
		base := uint32(c * engineChunkSize)
		end := base + uint32(engineChunkSize)
		if end > maxIssued {
			end = maxIssued
		}
		slot := base
		if c == state.ChunkIdx && state.SlotIdx > slot {
			slot = state.SlotIdx
		}
		for ; slot < end; slot++ {
			h := src.Header(slot)
			if h == nil || h.Flags&entityindex.FlagActive == 0 {
				continue
			}
			if !q.Matches(h) {
				continue
			}
			handler(slot, h)
			spent++
			exceeded := false
			switch metric {
			case EntityCount:
				exceeded = spent >= budget
			case WallClockMs:
				if start != nil {
					exceeded = start()-startTime >= budget
				}
			}
			if exceeded {
				state.ChunkIdx = c
				state.SlotIdx = slot + 1
				return
			}
		}
		state.ChunkIdx = c + 1
		state.SlotIdx = 0
	}
	state.Done = true
}

// ParallelHint sizes the work-batch given to query_parallel.
type ParallelHint int

const (
	Light ParallelHint = iota
	Medium
	Heavy
	VeryHeavy
)

func batchSize(hint ParallelHint) int {
	switch hint {
	case Light:
		return 16
	case Medium:
		return 4
	case Heavy:
		return 1
	default: // VeryHeavy
		return 1
	}
}

// serialFallbackThreshold: below this live-entity count, Parallel runs
// serially rather than paying goroutine dispatch overhead.
const serialFallbackThreshold = 1024

// Parallel partitions the chunk list into batches sized by hint and
// maxParallelism, processing each batch on its own goroutine; entities
// below serialFallbackThreshold fall back to Full. Each handler invocation
// receives disjoint slots, so callers may write to matched components
// without synchronization.
func Parallel(ctx context.Context, src HeaderSource, q Query, hint ParallelHint, maxParallelism int, handler Handler) error {
	chunks := src.TotalChunks()
	maxIssued := src.MaxIssued()

	total := 0
	for c := 0; c < chunks; c++ {
		total += src.ChunkActiveCount(c)
	}
	if total < serialFallbackThreshold {
		Full(src, q, handler)
		return nil
	}

	if maxParallelism < 1 {
		maxParallelism = 1
	}
	bs := batchSize(hint)
	sem := semaphore.NewWeighted(int64(maxParallelism))
	g, gctx := errgroup.WithContext(ctx)

	for start := 0; start < chunks; start += bs {
		start := start
		end := start + bs
		if end > chunks {
			end = chunks
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			for c := start; c < end; c++ {
				if src.ChunkActiveCount(c) == 0 {
					continue
				}
				base := uint32(c * engineChunkSize)
				last := base + uint32(engineChunkSize)
				if last > maxIssued {
					last = maxIssued
				}
				for slot := base; slot < last; slot++ {
					h := src.Header(slot)
					if h == nil || h.Flags&entityindex.FlagActive == 0 {
						continue
					}
					if q.Matches(h) {
						handler(slot, h)
					}
				}
			}
			return nil
		})
	}
	return g.Wait()
}
