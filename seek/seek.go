// Package seek implements the Seek/Scrub Controller: a file-wide
// keyframe index built on open, jump-and-roll seeking to an arbitrary
// tick, and variable-speed fast-forward with a "turbo hop" fallback.
//
// The keyframe index is an ordered (tick, offset) structure supporting
// fast "greatest keyframe ≤ target" descent, grounded on
// github.com/tidwall/btree's generic BTreeG — the same in-memory ordered
// index erigon reaches for over plain sorted-slice binary search.
package seek

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tidwall/btree"

	"github.com/fdpkernel/fdp/errs"
	"github.com/fdpkernel/fdp/playback"
	"github.com/fdpkernel/fdp/snapshot"
)

// KeyframeEntry is one entry of the file-wide keyframe index.
type KeyframeEntry struct {
	Tick   uint64
	Offset int64 // file offset of the frame's length prefix
}

// Config tunes a Controller.
type Config struct {
	// TurboThreshold: once Speed exceeds this, FastForward jumps via
	// SeekToTick instead of applying frames one at a time.
	TurboThreshold float64
}

// Controller owns the keyframe index and drives a playback.Player across
// an .fdp stream.
type Controller struct {
	r      io.ReadSeeker
	player *playback.Player
	cfg    Config

	keyframes   *btree.BTreeG[KeyframeEntry]
	dataStart   int64
	totalFrames int

	// Speed is the caller-set playback speed multiplier consulted by
	// FastForward; 1.0 is real-time, higher values accumulate faster.
	Speed float64
}

// Open reads the WorldHeader and performs the index scan: walks
// the stream reading only {frame_len, tick, kind}, seeking past the rest
// of each frame, recording every keyframe's (tick, file_offset).
func Open(r io.ReadSeeker, player *playback.Player, cfg Config) (*Controller, error) {
	hdr, err := snapshot.ReadWorldHeader(r)
	if err != nil {
		return nil, err
	}
	if hdr.SchemaFingerprint != 0 {
		if want := player.World().Registry().Fingerprint(); want != hdr.SchemaFingerprint {
			return nil, fmt.Errorf("%w: stream schema fingerprint %x does not match player registry %x", errs.ErrRegistryConflict, hdr.SchemaFingerprint, want)
		}
	}
	dataStart, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		r:         r,
		player:    player,
		cfg:       cfg,
		dataStart: dataStart,
		keyframes: btree.NewBTreeG[KeyframeEntry](func(a, b KeyframeEntry) bool {
			return a.Tick < b.Tick
		}),
		Speed: 1.0,
	}
	if err := c.scanIndex(); err != nil {
		return nil, err
	}
	if _, err := r.Seek(dataStart, io.SeekStart); err != nil {
		return nil, err
	}
	return c, nil
}

// scanIndex walks every frame from the current position to EOF without
// decoding chunk/event payloads, recording keyframe offsets.
func (c *Controller) scanIndex() error {
	for {
		offset, err := c.r.Seek(0, io.SeekCurrent)
		if err != nil {
			return err
		}
		var lenBuf [4]byte
		if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("fdp/seek: index scan: %w", err)
		}
		frameLen := binary.LittleEndian.Uint32(lenBuf[:])
		var head [13]byte
		if _, err := io.ReadFull(c.r, head[:]); err != nil {
			return fmt.Errorf("fdp/seek: index scan: %w", err)
		}
		tick := binary.LittleEndian.Uint64(head[0:8])
		kind := snapshot.FrameKind(head[8])
		if kind == snapshot.FrameKeyframe {
			c.keyframes.Set(KeyframeEntry{Tick: tick, Offset: offset})
		}
		c.totalFrames++
		remaining := int64(frameLen) - int64(len(head))
		if remaining > 0 {
			if _, err := c.r.Seek(remaining, io.SeekCurrent); err != nil {
				return fmt.Errorf("fdp/seek: index scan: %w", err)
			}
		}
	}
}

// greatestKeyframeAtOrBefore finds the highest-tick keyframe with
// tick <= target.
func (c *Controller) greatestKeyframeAtOrBefore(target uint64) (KeyframeEntry, bool) {
	var kf KeyframeEntry
	found := false
	c.keyframes.Descend(KeyframeEntry{Tick: target}, func(item KeyframeEntry) bool {
		if item.Tick <= target {
			kf = item
			found = true
		}
		return false
	})
	return kf, found
}

// SeekToTick jumps to the greatest keyframe with tick <= target, applies
// it (injecting events only if the keyframe itself is the target), then
// rolls forward one frame at a time with events muted until reaching the
// frame whose tick equals target, at which point its events are injected
// exactly once.
func (c *Controller) SeekToTick(target uint64) error {
	kf, found := c.greatestKeyframeAtOrBefore(target)
	if !found {
		return fmt.Errorf("fdp/seek: no keyframe at or before tick %d", target)
	}
	if _, err := c.r.Seek(kf.Offset, io.SeekStart); err != nil {
		return err
	}
	frame, err := snapshot.ReadFrame(c.r)
	if err != nil {
		return err
	}
	if err := c.player.ApplyFrame(frame, frame.Tick == target); err != nil {
		return err
	}
	for c.player.CurrentTick() < target {
		frame, err := snapshot.ReadFrame(c.r)
		if err != nil {
			return fmt.Errorf("fdp/seek: roll forward to tick %d: %w", target, err)
		}
		processEvents := frame.Tick == target
		if err := c.player.ApplyFrame(frame, processEvents); err != nil {
			return err
		}
	}
	return nil
}

// FastForward advances playback by n frames. If Speed exceeds
// TurboThreshold, it computes a target tick as the current tick plus
// n*Speed and jumps via SeekToTick instead of applying frames one at a time;
// otherwise it applies up to n frames sequentially from the current
// stream position, muting events on every frame but the last.
func (c *Controller) FastForward(n int) error {
	if n <= 0 {
		return nil
	}
	if c.Speed > c.cfg.TurboThreshold {
		target := c.player.CurrentTick() + uint64(float64(n)*c.Speed)
		return c.SeekToTick(target)
	}
	for i := 0; i < n; i++ {
		frame, err := snapshot.ReadFrame(c.r)
		if err != nil {
			return err
		}
		last := i == n-1
		if err := c.player.ApplyFrame(frame, last); err != nil {
			return err
		}
	}
	return nil
}

// StepBackward is equivalent to SeekToTick(current_tick - 1).
func (c *Controller) StepBackward() error {
	cur := c.player.CurrentTick()
	if cur == 0 {
		return fmt.Errorf("fdp/seek: already at tick 0")
	}
	return c.SeekToTick(cur - 1)
}

// StepForward applies exactly one frame from the current stream position,
// processing its events.
func (c *Controller) StepForward() error {
	frame, err := snapshot.ReadFrame(c.r)
	if err != nil {
		return err
	}
	return c.player.ApplyFrame(frame, true)
}

// PlayToEnd applies every remaining frame from the current stream position
// through EOF, processing events on each.
func (c *Controller) PlayToEnd() error {
	for {
		frame, err := snapshot.ReadFrame(c.r)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := c.player.ApplyFrame(frame, true); err != nil {
			return err
		}
	}
}

// TotalFrames returns the number of frames recorded by the index scan.
func (c *Controller) TotalFrames() int { return c.totalFrames }

// KeyframeTicks returns every keyframe's tick, in ascending order.
func (c *Controller) KeyframeTicks() []uint64 {
	ticks := make([]uint64, 0, c.keyframes.Len())
	c.keyframes.Scan(func(item KeyframeEntry) bool {
		ticks = append(ticks, item.Tick)
		return true
	})
	return ticks
}
