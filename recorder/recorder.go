// Package recorder implements the Flight Recorder: synchronous
// frame capture into a double scratch buffer, with background compression
// and file writing so the calling thread never blocks on I/O.
//
// Compression is delegated to github.com/klauspost/compress's zstd
// encoder, the same fast general-purpose compressor erigon itself reaches
// for to compress its own snapshot/state files.
package recorder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/fdpkernel/fdp/distype"
	"github.com/fdpkernel/fdp/entityindex"
	"github.com/fdpkernel/fdp/errs"
	"github.com/fdpkernel/fdp/registry"
	"github.com/fdpkernel/fdp/snapshot"
	"github.com/fdpkernel/fdp/world"
)

// Stats reports recorder observability counters: dropped frames, forced
// keyframes, and the last compression ratio achieved — the counters any
// production flight recorder needs to be debuggable in the field.
type Stats struct {
	DroppedFrames     uint64
	ForcedKeyframes   uint64
	LastCompressRatio float64
}

// Config tunes a Recorder.
type Config struct {
	// KeyframeInterval is the caller-controlled keyframe cadence in
	// frames; 0 disables scheduled keyframes (only backpressure forces
	// one).
	KeyframeInterval uint64
	Logger           *zap.Logger
	// Registry, if set, stamps the stream's WorldHeader with its schema
	// fingerprint so a player can detect a mismatched component registry
	// before applying any frame.
	Registry *registry.Registry
}

// Recorder owns the double scratch buffer and background compression
// pipeline for one output stream.
type Recorder struct {
	w      io.Writer
	writeMu sync.Mutex

	log *zap.Logger
	cfg Config

	front, back  bytes.Buffer
	inFlight     atomic.Bool
	forceKeyNext atomic.Bool
	framesSince  uint64

	dropped   atomic.Uint64
	forcedKF  atomic.Uint64
	lastRatio atomic.Uint64 // bits of a float64, since atomic.Value would box

	wg      sync.WaitGroup
	encoder *zstd.Encoder
	errs    []error
	errMu   sync.Mutex
}

// Open begins a new recorder writing to w, emitting the WorldHeader
// immediately.
func Open(w io.Writer, cfg Config) (*Recorder, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("fdp/recorder: init zstd encoder: %w", err)
	}
	r := &Recorder{w: w, log: cfg.Logger, cfg: cfg, encoder: enc}
	var fp uint64
	if cfg.Registry != nil {
		fp = cfg.Registry.Fingerprint()
	}
	if err := snapshot.WriteWorldHeader(w, snapshot.WorldHeader{
		FormatVersion:     snapshot.CurrentFormatVersion,
		SchemaFingerprint: fp,
	}); err != nil {
		return nil, err
	}
	return r, nil
}

// DroppedFrames returns the number of frames dropped to backpressure.
func (r *Recorder) DroppedFrames() uint64 { return r.dropped.Load() }

// Stats returns a snapshot of the recorder's observability counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		DroppedFrames:     r.dropped.Load(),
		ForcedKeyframes:   r.forcedKF.Load(),
		LastCompressRatio: fromBits(r.lastRatio.Load()),
	}
}

func toBits(f float64) uint64   { return math.Float64bits(f) }
func fromBits(b uint64) float64 { return math.Float64frombits(b) }

// CaptureFrame serializes the current world/bus delta (or keyframe) into
// the front scratch buffer, swaps it with the back buffer, and dispatches
// background compression + write. If a previous background task is still
// in flight, the frame is dropped and the next one is promoted to a
// keyframe (backpressure).
func (r *Recorder) CaptureFrame(w *world.World, prevTick uint32, forceKeyframe bool) error {
	if r.inFlight.Load() {
		r.forceKeyNext.Store(true)
		r.dropped.Add(1)
		r.log.Warn("recorder backpressure, dropping frame", zap.Uint64("dropped_total", r.dropped.Load()))
		return errs.ErrRecorderBackpressure
	}

	keyframe := forceKeyframe || r.forceKeyNext.Swap(false)
	if !keyframe && r.cfg.KeyframeInterval > 0 && r.framesSince >= r.cfg.KeyframeInterval {
		keyframe = true
	}
	if keyframe {
		r.forcedKF.Add(1)
	}

	frame, err := BuildFrame(w, prevTick, keyframe)
	if err != nil {
		return err
	}

	r.front.Reset()
	if err := snapshot.WriteFrame(&r.front, frame); err != nil {
		return err
	}

	r.front, r.back = r.back, r.front
	payload := append([]byte(nil), r.back.Bytes()...)

	r.inFlight.Store(true)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.inFlight.Store(false)
		compressed := r.encoder.EncodeAll(payload, nil)
		if len(payload) > 0 {
			r.lastRatio.Store(toBits(float64(len(compressed)) / float64(len(payload))))
		}
		r.writeMu.Lock()
		defer r.writeMu.Unlock()
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(compressed)))
		if _, err := r.w.Write(lenBuf[:]); err != nil {
			r.recordErr(err)
			return
		}
		if _, err := r.w.Write(compressed); err != nil {
			r.recordErr(err)
		}
	}()

	if keyframe {
		r.framesSince = 0
	} else {
		r.framesSince++
	}
	return nil
}

func (r *Recorder) recordErr(err error) {
	r.errMu.Lock()
	r.errs = append(r.errs, err)
	r.errMu.Unlock()
}

// FlushAndClose waits for any in-flight background task to finish,
// releases the zstd encoder, and surfaces any write errors collected along
// the way.
func (r *Recorder) FlushAndClose() error {
	r.wg.Wait()
	r.encoder.Close()
	r.errMu.Lock()
	defer r.errMu.Unlock()
	if len(r.errs) > 0 {
		return fmt.Errorf("fdp/recorder: %d write error(s), first: %w", len(r.errs), r.errs[0])
	}
	return nil
}

// BuildFrame assembles a Frame for the world's current state relative to
// prevTick, without touching the output stream — split out from
// CaptureFrame so tests and the on-demand/GDB snapshot provider can reuse
// the same serialization logic.
func BuildFrame(w *world.World, prevTick uint32, keyframe bool) (snapshot.Frame, error) {
	f := snapshot.Frame{
		Tick:      uint64(w.GlobalVersion()),
		Kind:      snapshot.FrameDelta,
		Destroyed: w.Index().DrainDestructions(),
	}
	if keyframe {
		f.Kind = snapshot.FrameKeyframe
	}

	for _, ps := range w.Bus().PendingStreams() {
		if ps.Native != nil {
			f.Events = append(f.Events, snapshot.EventTypeBlock{
				TypeID:   ps.StableID,
				ElemSize: uint32(ps.ElemSize),
				Count:    uint32(ps.Native.Count()),
				Payload:  ps.Native.Consume(),
			})
		} else if ps.Managed != nil {
			vs := ps.Managed.Consume()
			payload, err := snapshot.EncodeManagedValues(vs)
			if err != nil {
				return snapshot.Frame{}, err
			}
			f.Events = append(f.Events, snapshot.EventTypeBlock{
				TypeID:   ps.StableID,
				ElemSize: 0,
				Count:    uint32(len(vs)),
				Payload:  payload,
			})
		}
	}

	idx := w.Index()
	scratch := make([]byte, 65536)

	for _, id := range w.ByteTableIDs() {
		t, ok := w.RawByteTable(id)
		if !ok {
			continue
		}
		cap := t.ChunkCapacity()
		liveness := make([]bool, cap)
		for c := 0; c < t.TotalChunks(); c++ {
			base := uint32(c) * uint32(cap)
			if !keyframe && t.ChunkVersion(c) <= prevTick && idx.RangeVersion(base, cap) <= prevTick {
				continue
			}
			if !t.ChunkCommitted(c) {
				continue
			}
			idx.RangeLiveness(base, cap, liveness)
			if err := t.SanitizeChunkIntoBuffer(c, liveness, scratch); err != nil {
				return snapshot.Frame{}, err
			}
			cp := append([]byte(nil), scratch...)
			f.Chunks = append(f.Chunks, snapshot.ChunkBlock{
				ComponentTypeID: int32(id),
				ChunkIndex:      int32(c),
				Payload:         cp,
			})
		}
	}

	for _, id := range w.RefTableIDs() {
		t, ok := w.RawRefTable(id)
		if !ok {
			continue
		}
		for c := 0; c < t.TotalChunks(); c++ {
			if !t.ChunkTouched(c) {
				continue
			}
			if !keyframe && t.ChunkVersion(c) <= prevTick {
				continue
			}
			slots := t.SerializeDelta(c, prevTickOrZero(keyframe, prevTick), nil)
			pairs := make([]snapshot.ManagedSlot, len(slots))
			for i, s := range slots {
				pairs[i] = snapshot.ManagedSlot{Slot: s.Slot, Value: s.Value}
			}
			payload, err := snapshot.EncodeManagedSlots(pairs)
			if err != nil {
				return snapshot.Frame{}, err
			}
			f.Chunks = append(f.Chunks, snapshot.ChunkBlock{
				ComponentTypeID: int32(id),
				ChunkIndex:      int32(c),
				Payload:         payload,
			})
		}
	}

	headerChunks := idx.TotalChunks()
	for c := 0; c < headerChunks; c++ {
		if !keyframe && idx.ChunkVersion(c) <= prevTick {
			continue
		}
		payload := encodeHeaderChunk(idx, c)
		f.Chunks = append(f.Chunks, snapshot.ChunkBlock{
			ComponentTypeID: snapshot.HeaderIndexTypeID,
			ChunkIndex:      int32(c),
			Payload:         payload,
		})
	}

	return f, nil
}

func prevTickOrZero(keyframe bool, prevTick uint32) uint32 {
	if keyframe {
		return 0
	}
	return prevTick
}

// HeaderRecordSize mirrors entityindex's own 96-byte record layout.
const HeaderRecordSize = 96

func encodeHeaderChunk(idx *entityindex.Index, chunk int) []byte {
	slotsPerChunk := entityindex.SlotsPerChunk()
	out := make([]byte, slotsPerChunk*HeaderRecordSize)
	base := uint32(chunk * slotsPerChunk)
	for i := 0; i < slotsPerChunk; i++ {
		h := idx.Header(base + uint32(i))
		if h == nil {
			continue
		}
		off := i * HeaderRecordSize
		rec := out[off : off+HeaderRecordSize]
		for w := 0; w < 4; w++ {
			binary.LittleEndian.PutUint64(rec[w*8:w*8+8], h.ComponentMask[w])
		}
		for w := 0; w < 4; w++ {
			binary.LittleEndian.PutUint64(rec[32+w*8:32+w*8+8], h.AuthorityMask[w])
		}
		binary.LittleEndian.PutUint16(rec[64:66], h.Generation)
		binary.LittleEndian.PutUint16(rec[66:68], h.Flags)
		binary.LittleEndian.PutUint64(rec[68:76], uint64(h.DisType))
		binary.LittleEndian.PutUint32(rec[76:80], h.LastChangeTick)
	}
	return out
}

// DecodeHeaderChunk is the inverse of encodeHeaderChunk, used by playback.
func DecodeHeaderChunk(payload []byte) []entityindex.Header {
	slotsPerChunk := entityindex.SlotsPerChunk()
	out := make([]entityindex.Header, slotsPerChunk)
	for i := 0; i < slotsPerChunk; i++ {
		off := i * HeaderRecordSize
		if off+HeaderRecordSize > len(payload) {
			break
		}
		rec := payload[off : off+HeaderRecordSize]
		var h entityindex.Header
		for w := 0; w < 4; w++ {
			h.ComponentMask[w] = binary.LittleEndian.Uint64(rec[w*8 : w*8+8])
		}
		for w := 0; w < 4; w++ {
			h.AuthorityMask[w] = binary.LittleEndian.Uint64(rec[32+w*8 : 32+w*8+8])
		}
		h.Generation = binary.LittleEndian.Uint16(rec[64:66])
		h.Flags = binary.LittleEndian.Uint16(rec[66:68])
		h.DisType = distype.Word(binary.LittleEndian.Uint64(rec[68:76]))
		h.LastChangeTick = binary.LittleEndian.Uint32(rec[76:80])
		out[i] = h
	}
	return out
}
