// Package errs defines the sentinel error taxonomy shared across the kernel.
//
// Every core API returns one of these via errors.Is/errors.As wrapping rather
// than panicking on user-input errors. Hot
// path accessors still return these plainly; a release-only fast path that
// skips the checks is a host-level decision, not a core one.
package errs

import "errors"

var (
	// ErrNotRegistered is returned when a component or event type is used
	// before being registered.
	ErrNotRegistered = errors.New("fdp: type not registered")

	// ErrStaleHandle is returned when an entity handle's generation does not
	// match the slot's current generation.
	ErrStaleHandle = errors.New("fdp: stale entity handle")

	// ErrWrongPhase is returned when a mutation is attempted outside a phase
	// whose permission allows it, or against authority that does not match.
	ErrWrongPhase = errors.New("fdp: mutation not permitted in current phase")

	// ErrWrongPhaseTransition is returned by SetPhase when the target is not
	// in the current phase's allowed transition set.
	ErrWrongPhaseTransition = errors.New("fdp: phase transition not allowed")

	// ErrInvalidTransitionTarget is returned by SetPhase when the target name
	// is unknown to the active phase configuration.
	ErrInvalidTransitionTarget = errors.New("fdp: unknown phase name")

	// ErrOutOfMemory is returned when the allocator fails to back a commit.
	ErrOutOfMemory = errors.New("fdp: out of memory")

	// ErrOutOfAddressSpace is returned when a reservation cannot be made.
	ErrOutOfAddressSpace = errors.New("fdp: out of address space")

	// ErrOverrun is returned when a component type is larger than a single page.
	ErrOverrun = errors.New("fdp: component type larger than one chunk")

	// ErrFormatVersionMismatch is returned when a save file's format version
	// does not match the codec's compiled-in constant.
	ErrFormatVersionMismatch = errors.New("fdp: snapshot format version mismatch")

	// ErrTruncatedFrame is returned on EOF in the middle of a frame.
	ErrTruncatedFrame = errors.New("fdp: truncated frame")

	// ErrUnknownComponentID is returned (as a warning-class error, recoverable
	// by skipping the record) when a file references a type id absent from
	// the current registry.
	ErrUnknownComponentID = errors.New("fdp: unknown component id in snapshot")

	// ErrRegistryConflict is returned when two registrations claim the same
	// stable id for different types.
	ErrRegistryConflict = errors.New("fdp: conflicting registration for stable id")

	// ErrRecorderBackpressure is returned (informationally, via Stats) when
	// the background writer is still busy and the next frame was promoted to
	// a keyframe.
	ErrRecorderBackpressure = errors.New("fdp: recorder backpressure, forcing keyframe")

	// ErrViewBusy is returned by the Global Double Buffer's sync_from when a
	// reader currently holds the view (reference count non-zero).
	ErrViewBusy = errors.New("fdp: view held by a reader, sync skipped")
)
