// Package memvm implements the Virtual Memory Allocator: reserve a
// huge address range up front, commit pages into it lazily on demand, and
// hand out stable pointers into that range for the lifetime of the arena.
//
// Grounded on the same OS primitives erigon itself reaches for when it needs
// raw mmap control (erigon depends on edsrzf/mmap-go and golang.org/x/sys for
// its mdbx and state-file paging); here we talk to golang.org/x/sys/unix
// directly since we need independent reserve/commit/decommit/release phases
// that a higher-level mmap wrapper collapses into a single call.
package memvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/fdpkernel/fdp/errs"
)

// PageSize is the commit/decommit granularity (64 KiB) — independent of
// the OS's native page size, since the kernel always asks for whole 64 KiB
// chunks.
const PageSize = 64 * 1024

// Arena is a single reserved address range with independently committable
// 64 KiB pages. The zero value is not usable; construct with Reserve.
//
// Concurrency: the Arena takes no locks. Commits of distinct pages need no
// synchronization; concurrent commits of the same page must be serialized
// by the caller, which the chunk table does with its per-chunk lock above
// this layer. Once page i is committed, callers read/write it from any
// goroutine without further locking.
type Arena struct {
	mem       []byte // mmap'd PROT_NONE for the whole reservation
	pageState []pageState
}

type pageState struct {
	committed bool
}

// Reserve reserves bytes of address space, rounded up to a whole number of
// 64 KiB pages, without committing any physical memory.
func Reserve(bytes int) (*Arena, error) {
	if bytes <= 0 {
		bytes = PageSize
	}
	pages := (bytes + PageSize - 1) / PageSize
	size := pages * PageSize

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("%w: reserve %d bytes: %v", errs.ErrOutOfAddressSpace, size, err)
	}
	return &Arena{
		mem:       mem,
		pageState: make([]pageState, pages),
	}, nil
}

// PageCount returns the number of 64 KiB pages in the reservation.
func (a *Arena) PageCount() int { return len(a.pageState) }

// Commit backs page i with physical memory if it is not already committed.
// Re-committing an already-committed page is a no-op. The OS guarantees the
// page reads as all-zero on first commit.
func (a *Arena) Commit(page int) error {
	if page < 0 || page >= len(a.pageState) {
		return fmt.Errorf("fdp/memvm: page %d out of range [0,%d)", page, len(a.pageState))
	}
	if a.pageState[page].committed {
		return nil
	}
	off := page * PageSize
	if err := unix.Mprotect(a.mem[off:off+PageSize], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("%w: commit page %d: %v", errs.ErrOutOfMemory, page, err)
	}
	a.pageState[page].committed = true
	return nil
}

// Committed reports whether page i has been committed.
func (a *Arena) Committed(page int) bool {
	if page < 0 || page >= len(a.pageState) {
		return false
	}
	return a.pageState[page].committed
}

// Decommit returns page i's physical memory to the OS without releasing the
// address range; a subsequent read of the page (after Commit) observes
// zeros again.
func (a *Arena) Decommit(page int) error {
	if page < 0 || page >= len(a.pageState) {
		return fmt.Errorf("fdp/memvm: page %d out of range [0,%d)", page, len(a.pageState))
	}
	if !a.pageState[page].committed {
		return nil
	}
	off := page * PageSize
	region := a.mem[off : off+PageSize]
	if err := unix.Madvise(region, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("fdp/memvm: decommit page %d: %w", page, err)
	}
	if err := unix.Mprotect(region, unix.PROT_NONE); err != nil {
		return fmt.Errorf("fdp/memvm: decommit page %d: %w", page, err)
	}
	a.pageState[page].committed = false
	return nil
}

// Release releases the entire reservation. The Arena must not be used
// afterwards.
func (a *Arena) Release() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	a.pageState = nil
	return err
}

// Page returns a byte slice view over committed page i. Callers must have
// called Commit(i) first; reading an uncommitted page is undefined (it will
// fault at the OS level since the backing protection is PROT_NONE).
func (a *Arena) Page(page int) []byte {
	off := page * PageSize
	return a.mem[off : off+PageSize : off+PageSize]
}

// BaseAddr returns the stable base address of the reservation, for
// diagnostics only; the kernel never hands this out to user components.
func (a *Arena) BaseAddr() uintptr {
	if len(a.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&a.mem[0]))
}
