// Package snapshot implements the Snapshot Codec: the binary
// `.fdp` frame format, its writer (serializing a world's dirty chunks and
// pending events) and its reader (applying a frame back onto a world).
//
// The on-disk layout (magic, little-endian fixed-width fields, explicit
// length prefixes) is grounded on the calvinalkan slotcache binary format
// in the retrieved example pack: offset constants, a length-prefixed
// record layout, and (for whole-frame integrity) a CRC32-Castagnoli
// checksum computed the same way that format checksums its header.
//
// Reference-typed payloads are encoded with encoding/gob rather than a
// hand-written per-field code generator: true build-time codegen needs a
// separate generation step no retrieved example provides a template for,
// and gob's explicit gob.Register requirement mirrors the kernel's own
// "explicit registration only" ethos closely enough to stand in for it;
// see DESIGN.md.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"
	"reflect"

	"github.com/fdpkernel/fdp/entityindex"
	"github.com/fdpkernel/fdp/errs"
	"github.com/fdpkernel/fdp/registry"
)

// Magic identifies an .fdp stream.
var Magic = [6]byte{'F', 'D', 'P', 'R', 'E', 'C'}

// CurrentFormatVersion is incremented on any wire-format change; a mismatch
// is a hard failure.
const CurrentFormatVersion uint32 = 1

// HeaderIndexTypeID is the pseudo component-type-id used for the Entity
// Index header table within chunk blocks.
const HeaderIndexTypeID int32 = -1

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// WorldHeader is the file-level header written once at the start of a
// stream.
type WorldHeader struct {
	FormatVersion uint32
	Timestamp     int64
	// SchemaFingerprint is registry.Registry.Fingerprint() of the recording
	// process's component registry; 0 means the recorder didn't set one.
	SchemaFingerprint uint64
}

// WriteWorldHeader writes the magic, format version, timestamp and schema
// fingerprint.
func WriteWorldHeader(w io.Writer, h WorldHeader) error {
	if _, err := w.Write(Magic[:]); err != nil {
		return err
	}
	var buf [20]byte
	binary.LittleEndian.PutUint32(buf[0:4], h.FormatVersion)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(h.Timestamp))
	binary.LittleEndian.PutUint64(buf[12:20], h.SchemaFingerprint)
	_, err := w.Write(buf[:])
	return err
}

// ReadWorldHeader reads and validates the file-level header.
func ReadWorldHeader(r io.Reader) (WorldHeader, error) {
	var magic [6]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return WorldHeader{}, fmt.Errorf("fdp/snapshot: read magic: %w", err)
	}
	if magic != Magic {
		return WorldHeader{}, fmt.Errorf("fdp/snapshot: bad magic %q", magic)
	}
	var buf [20]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return WorldHeader{}, fmt.Errorf("fdp/snapshot: read header body: %w", err)
	}
	h := WorldHeader{
		FormatVersion:     binary.LittleEndian.Uint32(buf[0:4]),
		Timestamp:         int64(binary.LittleEndian.Uint64(buf[4:12])),
		SchemaFingerprint: binary.LittleEndian.Uint64(buf[12:20]),
	}
	if h.FormatVersion != CurrentFormatVersion {
		return h, fmt.Errorf("%w: file=%d codec=%d", errs.ErrFormatVersionMismatch, h.FormatVersion, CurrentFormatVersion)
	}
	return h, nil
}

// FrameKind distinguishes a keyframe from a delta frame.
type FrameKind uint8

const (
	FrameDelta    FrameKind = 0
	FrameKeyframe FrameKind = 1
)

// EventTypeBlock is one event type's payload within a frame's event block.
type EventTypeBlock struct {
	TypeID   uint32
	ElemSize uint32 // 0 marks reference-typed
	Count    uint32
	Payload  []byte // native: raw records; managed: gob-encoded slice of values
}

// ChunkBlock is one table chunk's payload within a frame's chunk block.
type ChunkBlock struct {
	ComponentTypeID int32 // HeaderIndexTypeID for the Entity Index header table
	ChunkIndex      int32
	Payload         []byte
}

// Frame is one decoded frame: a destruction log, an event block, and a
// chunk block.
type Frame struct {
	Tick      uint64
	Kind      FrameKind
	Destroyed []entityindex.DestroyRecord
	Events    []EventTypeBlock
	Chunks    []ChunkBlock
}

// Codec bundles the registries needed to interpret reference-typed and
// event payloads, and lazily gob-registers every reference/event type it
// has been told about.
type Codec struct {
	reg   *registry.Registry
	evReg *registry.EventRegistry
}

// NewCodec builds a Codec and gob-registers every currently-known
// reference-typed component and managed event type. Call again (or call
// RegisterKnownTypes) after registering additional types at startup.
func NewCodec(reg *registry.Registry, evReg *registry.EventRegistry) *Codec {
	c := &Codec{reg: reg, evReg: evReg}
	c.RegisterKnownTypes()
	return c
}

// RegisterKnownTypes gob-registers every reference-typed component
// currently in the registry; safe to call repeatedly.
func (c *Codec) RegisterKnownTypes() {
	for id := registry.TypeID(0); int(id) < c.reg.Len(); id++ {
		d, err := c.reg.Descriptor(id)
		if err != nil || d.Kind != registry.KindReferenceValue {
			continue
		}
		registerGobType(d.GoType)
	}
}

func registerGobType(t reflect.Type) {
	if t == nil {
		return
	}
	defer func() { recover() }() // duplicate registration under a different concrete value is harmless to ignore
	zero := reflect.New(t).Elem().Interface()
	gob.RegisterName(t.String(), zero)
}

// writeFrameBody serializes a frame's body (everything after frame_len)
// into buf.
func writeFrameBody(buf *bytes.Buffer, f Frame) error {
	var head [13]byte
	binary.LittleEndian.PutUint64(head[0:8], f.Tick)
	head[8] = byte(f.Kind)
	binary.LittleEndian.PutUint32(head[9:13], uint32(len(f.Destroyed)))
	buf.Write(head[:])
	for _, d := range f.Destroyed {
		var rec [6]byte
		binary.LittleEndian.PutUint32(rec[0:4], d.Index)
		binary.LittleEndian.PutUint16(rec[4:6], d.Generation)
		buf.Write(rec[:])
	}

	var evBlock bytes.Buffer
	var evCountBuf [4]byte
	binary.LittleEndian.PutUint32(evCountBuf[:], uint32(len(f.Events)))
	evBlock.Write(evCountBuf[:])
	for _, e := range f.Events {
		var rec [12]byte
		binary.LittleEndian.PutUint32(rec[0:4], e.TypeID)
		binary.LittleEndian.PutUint32(rec[4:8], e.ElemSize)
		binary.LittleEndian.PutUint32(rec[8:12], e.Count)
		evBlock.Write(rec[:])
		evBlock.Write(e.Payload)
	}
	var blockSize [4]byte
	binary.LittleEndian.PutUint32(blockSize[:], uint32(evBlock.Len()))
	buf.Write(blockSize[:])
	buf.Write(evBlock.Bytes())

	var chunkCount [4]byte
	binary.LittleEndian.PutUint32(chunkCount[:], uint32(len(f.Chunks)))
	buf.Write(chunkCount[:])
	for _, c := range f.Chunks {
		var rec [12]byte
		binary.LittleEndian.PutUint32(rec[0:4], uint32(c.ComponentTypeID))
		binary.LittleEndian.PutUint32(rec[4:8], uint32(c.ChunkIndex))
		binary.LittleEndian.PutUint32(rec[8:12], uint32(len(c.Payload)))
		buf.Write(rec[:])
		buf.Write(c.Payload)
	}
	return nil
}

// WriteFrame serializes f as `[frame_len:u32][body][crc32:u32]` where
// frame_len covers body+crc32, and writes it to w.
func WriteFrame(w io.Writer, f Frame) error {
	var body bytes.Buffer
	if err := writeFrameBody(&body, f); err != nil {
		return err
	}
	crc := crc32.Checksum(body.Bytes(), crcTable)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(body.Len()+4))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return err
	}
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	_, err := w.Write(crcBuf[:])
	return err
}

// ReadFrame reads one length-prefixed frame from r, validating its CRC.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("%w: %v", errs.ErrTruncatedFrame, err)
	}
	frameLen := binary.LittleEndian.Uint32(lenBuf[:])
	if frameLen < 4 {
		return Frame{}, fmt.Errorf("%w: frame_len %d too small", errs.ErrTruncatedFrame, frameLen)
	}
	raw := make([]byte, frameLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", errs.ErrTruncatedFrame, err)
	}
	body := raw[:len(raw)-4]
	wantCRC := binary.LittleEndian.Uint32(raw[len(raw)-4:])
	if gotCRC := crc32.Checksum(body, crcTable); gotCRC != wantCRC {
		return Frame{}, fmt.Errorf("fdp/snapshot: frame crc mismatch: got %x want %x", gotCRC, wantCRC)
	}

	br := bytes.NewReader(body)
	var head [13]byte
	if _, err := io.ReadFull(br, head[:]); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", errs.ErrTruncatedFrame, err)
	}
	f := Frame{
		Tick: binary.LittleEndian.Uint64(head[0:8]),
		Kind: FrameKind(head[8]),
	}
	destroyCount := binary.LittleEndian.Uint32(head[9:13])
	for i := uint32(0); i < destroyCount; i++ {
		var rec [6]byte
		if _, err := io.ReadFull(br, rec[:]); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", errs.ErrTruncatedFrame, err)
		}
		f.Destroyed = append(f.Destroyed, entityindex.DestroyRecord{
			Index:      binary.LittleEndian.Uint32(rec[0:4]),
			Generation: binary.LittleEndian.Uint16(rec[4:6]),
		})
	}

	var blockSizeBuf [4]byte
	if _, err := io.ReadFull(br, blockSizeBuf[:]); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", errs.ErrTruncatedFrame, err)
	}
	blockSize := binary.LittleEndian.Uint32(blockSizeBuf[:])
	evBlock := make([]byte, blockSize)
	if _, err := io.ReadFull(br, evBlock); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", errs.ErrTruncatedFrame, err)
	}
	ebr := bytes.NewReader(evBlock)
	var typeCountBuf [4]byte
	if _, err := io.ReadFull(ebr, typeCountBuf[:]); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", errs.ErrTruncatedFrame, err)
	}
	typeCount := binary.LittleEndian.Uint32(typeCountBuf[:])
	for i := uint32(0); i < typeCount; i++ {
		var rec [12]byte
		if _, err := io.ReadFull(ebr, rec[:]); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", errs.ErrTruncatedFrame, err)
		}
		e := EventTypeBlock{
			TypeID:   binary.LittleEndian.Uint32(rec[0:4]),
			ElemSize: binary.LittleEndian.Uint32(rec[4:8]),
			Count:    binary.LittleEndian.Uint32(rec[8:12]),
		}
		var payloadLen uint32
		if e.ElemSize > 0 {
			payloadLen = e.ElemSize * e.Count
		} else {
			// reference-typed payload length is implicit in its gob
			// encoding; a length-prefixed sub-block keeps skip-on-unknown
			// possible without decoding.
			var l [4]byte
			if _, err := io.ReadFull(ebr, l[:]); err != nil {
				return Frame{}, fmt.Errorf("%w: %v", errs.ErrTruncatedFrame, err)
			}
			payloadLen = binary.LittleEndian.Uint32(l[:])
		}
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(ebr, payload); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", errs.ErrTruncatedFrame, err)
		}
		if e.ElemSize == 0 {
			var lenPrefix [4]byte
			binary.LittleEndian.PutUint32(lenPrefix[:], payloadLen)
			e.Payload = append(lenPrefix[:], payload...)
		} else {
			e.Payload = payload
		}
		f.Events = append(f.Events, e)
	}

	var chunkCountBuf [4]byte
	if _, err := io.ReadFull(br, chunkCountBuf[:]); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", errs.ErrTruncatedFrame, err)
	}
	chunkCount := binary.LittleEndian.Uint32(chunkCountBuf[:])
	for i := uint32(0); i < chunkCount; i++ {
		var rec [12]byte
		if _, err := io.ReadFull(br, rec[:]); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", errs.ErrTruncatedFrame, err)
		}
		c := ChunkBlock{
			ComponentTypeID: int32(binary.LittleEndian.Uint32(rec[0:4])),
			ChunkIndex:      int32(binary.LittleEndian.Uint32(rec[4:8])),
		}
		dataLen := binary.LittleEndian.Uint32(rec[8:12])
		payload := make([]byte, dataLen)
		if _, err := io.ReadFull(br, payload); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", errs.ErrTruncatedFrame, err)
		}
		c.Payload = payload
		f.Chunks = append(f.Chunks, c)
	}
	return f, nil
}

// EncodeManagedValues gob-encodes a slice of reference-typed values for a
// native event payload's managed counterpart, prefixed with its own length
// so a reader can skip it without decoding (symmetry with ReadFrame above).
func EncodeManagedValues(vs []any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(vs); err != nil {
		return nil, err
	}
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	return append(lenPrefix[:], buf.Bytes()...), nil
}

// DecodeManagedValues reverses EncodeManagedValues given a buffer laid out
// as [len:u32][gob bytes...] (as produced above, and as stored in
// EventTypeBlock.Payload / ChunkBlock.Payload for reference-typed data).
func DecodeManagedValues(b []byte) ([]any, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: managed payload too short", errs.ErrTruncatedFrame)
	}
	n := binary.LittleEndian.Uint32(b[0:4])
	body := b[4 : 4+n]
	var vs []any
	dec := gob.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&vs); err != nil {
		return nil, err
	}
	return vs, nil
}

// ManagedSlot pairs an entity slot with its reference-typed value for a
// reftable chunk's delta/keyframe payload (a plain value list alone can't
// tell a reader which slot each value restores to, since a chunk's
// touched slots are rarely contiguous from its base).
type ManagedSlot struct {
	Slot  uint32
	Value any
}

// EncodeManagedSlots gob-encodes a slice of (slot, value) pairs, length
// prefixed the same way EncodeManagedValues is.
func EncodeManagedSlots(vs []ManagedSlot) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(vs); err != nil {
		return nil, err
	}
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	return append(lenPrefix[:], buf.Bytes()...), nil
}

// DecodeManagedSlots reverses EncodeManagedSlots.
func DecodeManagedSlots(b []byte) ([]ManagedSlot, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: managed payload too short", errs.ErrTruncatedFrame)
	}
	n := binary.LittleEndian.Uint32(b[0:4])
	body := b[4 : 4+n]
	var vs []ManagedSlot
	dec := gob.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&vs); err != nil {
		return nil, err
	}
	return vs, nil
}

// EncodeManagedSingle/DecodeManagedSingle encode one reference-typed value
// (used for a single reftable slot's restore payload, keyed by slot rather
// than by event sequence).
func EncodeManagedSingle(v any) ([]byte, error) {
	return EncodeManagedValues([]any{v})
}

func DecodeManagedSingle(b []byte) (any, error) {
	vs, err := DecodeManagedValues(b)
	if err != nil {
		return nil, err
	}
	if len(vs) == 0 {
		return nil, nil
	}
	return vs[0], nil
}
