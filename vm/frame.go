package vm

import (
	"context"
	"fmt"
	"sync"

	"github.com/pintosgo/kernel/internal/klog"
	"github.com/pintosgo/kernel/swap"
)

var frameLog = klog.New("vm/frame")

// Frame is one resident physical page and the page entry currently
// occupying it.
type Frame struct {
	paddr int
	pe    *PageEntry
	as    *AddressSpace
}

// Bytes exposes the frame's live memory, used by tests (and by
// AddressSpace's user-access helpers) to simulate a process touching
// its mapped memory.
func (f *Frame) Bytes(pool *Pool) []byte { return pool.Bytes(f.paddr) }

// FrameTable is the single system-wide frame allocator and FIFO
// eviction queue (§4.8). frames is ordered oldest-first; GetFrame
// appends new frames at the tail and evicts from the head.
type FrameTable struct {
	mu     sync.Mutex
	pool   *Pool
	frames []*Frame
}

// NewFrameTable wraps pool with FIFO eviction bookkeeping.
func NewFrameTable(pool *Pool) *FrameTable {
	return &FrameTable{pool: pool}
}

// GetFrame obtains a physical frame for pe, evicting the oldest
// resident frame if the pool is full, then calls install with the
// frame's memory while still holding the frame-table mutex so the new
// frame cannot be selected as an eviction victim before its contents
// and bookkeeping are recorded (§4.8, §4.9).
func (ft *FrameTable) GetFrame(ctx context.Context, as *AddressSpace, pe *PageEntry, sw *swap.Area, install func(mem []byte) error) (*Frame, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	paddr, ok := ft.pool.alloc()
	if !ok {
		if len(ft.frames) == 0 {
			return nil, fmt.Errorf("vm: no frames and nothing to evict")
		}
		victim := ft.frames[0]
		ft.frames = ft.frames[1:]
		if err := ft.evictLocked(ctx, victim, sw); err != nil {
			return nil, err
		}
		paddr, ok = ft.pool.alloc()
		if !ok {
			return nil, fmt.Errorf("vm: frame allocation failed after eviction")
		}
	}

	mem := ft.pool.Bytes(paddr)
	if err := install(mem); err != nil {
		ft.pool.release(paddr)
		return nil, err
	}

	f := &Frame{paddr: paddr, pe: pe, as: as}
	pe.mu.Lock()
	pe.frame = f
	pe.Present = true
	pe.mu.Unlock()
	as.installMapping(pe.Upage, f)

	ft.frames = append(ft.frames, f)
	frameLog.Debugf("installed frame paddr=%d upage=%#x", paddr, pe.Upage)
	return f, nil
}

// evictLocked writes victim's contents to swap (unless it is an mmap
// page, which is written back to its file instead per §4.10, or a
// read-only file-backed page, which is dropped), clears the owning
// address space's hardware mapping, and returns the physical page to
// the pool. Called with ft.mu held.
func (ft *FrameTable) evictLocked(ctx context.Context, victim *Frame, sw *swap.Area) error {
	victim.pe.mu.Lock()
	fb, isFile := victim.pe.Backing.(FileBacking)
	isMmap := victim.pe.IsMmap
	victim.pe.mu.Unlock()

	mem := ft.pool.Bytes(victim.paddr)

	switch {
	case isFile && isMmap:
		if _, err := fb.File.Inode().WriteAt(ctx, mem[:fb.ReadBytes], fb.Offset); err != nil {
			return err
		}
	case isFile && !victim.pe.Writable:
		// Read-only, unmodified executable code: safe to drop without
		// writing anywhere; it reloads from the file on the next fault.
	default:
		slot, err := sw.Out(mem)
		if err != nil {
			return err
		}
		victim.pe.mu.Lock()
		victim.pe.Backing = SwapBacking{Slot: slot}
		victim.pe.mu.Unlock()
	}

	victim.as.clearMapping(victim.pe.Upage)
	victim.pe.mu.Lock()
	victim.pe.Present = false
	victim.pe.frame = nil
	victim.pe.mu.Unlock()
	ft.pool.release(victim.paddr)
	return nil
}

// bytesOf returns the live memory backing frame, for callers (mmap
// writeback) that hold a *Frame but not the pool directly.
func (ft *FrameTable) bytesOf(f *Frame) []byte {
	return ft.pool.Bytes(f.paddr)
}

// evictSpecific removes frame from the FIFO queue and releases its
// physical page without writing it anywhere, used when a process exits
// and its pages simply vanish rather than being paged out (§4.7).
func (ft *FrameTable) evictSpecific(frame *Frame) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for i, f := range ft.frames {
		if f == frame {
			ft.frames = append(ft.frames[:i], ft.frames[i+1:]...)
			break
		}
	}
	ft.pool.release(frame.paddr)
}
