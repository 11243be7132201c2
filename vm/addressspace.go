package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pintosgo/kernel/swap"
)

// ErrSegFault is returned by HandleFault when the faulting address has
// no supplemental page table entry and is not a plausible stack growth,
// i.e. the fault the syscall bridge turns into process termination
// (§4.9, §6).
var ErrSegFault = errors.New("vm: segmentation fault")

// MmapID identifies one active memory mapping within an address space,
// starting at 2 per §4.10 (fd-table-style numbering, 0 and 1 reserved).
type MmapID int

// AddressSpace is one process's virtual memory: its supplemental page
// table plus the simulated hardware mapping (upage -> resident Frame)
// that HandleFault, eviction, and Munmap all keep in sync (§4.7-§4.10).
type AddressSpace struct {
	Table *SupplementalTable

	mu        sync.Mutex
	mapped    map[uintptr]*Frame
	stackTop  uintptr
	mmapNext  MmapID
	mmaps     map[MmapID][]*PageEntry
}

// NewAddressSpace creates an empty address space whose stack may grow
// up to (and including) the page containing stackTop.
func NewAddressSpace(stackTop uintptr) *AddressSpace {
	return &AddressSpace{
		Table:    NewSupplementalTable(),
		mapped:   make(map[uintptr]*Frame),
		stackTop: stackTop,
		mmapNext: 2,
		mmaps:    make(map[MmapID][]*PageEntry),
	}
}

func pageFloor(addr uintptr) uintptr { return addr &^ uintptr(PageSize-1) }

func (as *AddressSpace) installMapping(upage uintptr, f *Frame) {
	as.mu.Lock()
	as.mapped[upage] = f
	as.mu.Unlock()
}

func (as *AddressSpace) clearMapping(upage uintptr) {
	as.mu.Lock()
	delete(as.mapped, upage)
	as.mu.Unlock()
}

// frameFor returns the frame currently mapped at upage, if resident.
func (as *AddressSpace) frameFor(upage uintptr) (*Frame, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	f, ok := as.mapped[upage]
	return f, ok
}

// maxStackPages bounds stack growth to 2048 pages (8 MiB, Pintos's
// usual stack cap) below stackTop.
const maxStackPages = 2048

// HandleFault resolves a page fault at addr, mirroring §4.9's branches:
// spurious (already present), swap-in, lazy file-load, stack growth, or
// a genuine segfault. isWrite marks whether the faulting access was a
// write, used to reject writes to read-only pages. isStackAccess must be
// supplied by the caller (the faulting instruction's stack pointer
// relationship, per page_fault_handler in the original kernel) rather
// than inferred from the address range: a fault with no supplemental
// entry only grows the stack when the caller asserts it is one.
func (as *AddressSpace) HandleFault(ctx context.Context, ft *FrameTable, sw *swap.Area, addr uintptr, isWrite, isStackAccess bool) error {
	upage := pageFloor(addr)
	pe, ok := as.Table.Lookup(upage)
	if !ok {
		if !isStackAccess || upage > as.stackTop || as.stackTop-upage > maxStackPages*PageSize {
			return ErrSegFault
		}
		return as.growStack(ctx, ft, sw, upage)
	}

	pe.mu.Lock()
	if pe.Present {
		pe.mu.Unlock()
		return nil // spurious fault: another thread already resolved it
	}
	if isWrite && !pe.Writable {
		pe.mu.Unlock()
		return ErrSegFault
	}
	backing := pe.Backing
	pe.mu.Unlock()

	switch b := backing.(type) {
	case SwapBacking:
		_, err := ft.GetFrame(ctx, as, pe, sw, func(mem []byte) error {
			return sw.In(b.Slot, mem)
		})
		return err

	case FileBacking:
		_, err := ft.GetFrame(ctx, as, pe, sw, func(mem []byte) error {
			return loadFileBacking(ctx, b, mem)
		})
		return err

	case AnonBacking:
		_, err := ft.GetFrame(ctx, as, pe, sw, zeroFill)
		return err

	default:
		return fmt.Errorf("vm: page entry at %#x has unknown backing %T", upage, backing)
	}
}

// growStack installs zero-filled anonymous pages from upage through
// every already-missing page below the current stack floor up to
// stackTop, so a single fault that skips over untouched pages (a large
// local array, for instance) still grows the whole gap (§4.9).
func (as *AddressSpace) growStack(ctx context.Context, ft *FrameTable, sw *swap.Area, upage uintptr) error {
	for p := upage; p <= as.stackTop; p += PageSize {
		if _, ok := as.Table.Lookup(p); ok {
			continue
		}
		pe := as.Table.AddAnon(p, true)
		if _, err := ft.GetFrame(ctx, as, pe, sw, zeroFill); err != nil {
			return err
		}
	}
	return nil
}

func zeroFill(mem []byte) error {
	for i := range mem {
		mem[i] = 0
	}
	return nil
}

// loadFileBacking fills mem with b.ReadBytes bytes read from the file
// at b.Offset, zero-filling the remainder (§4.3's executable-segment
// load and §4.10's mmap initial fault).
func loadFileBacking(ctx context.Context, b FileBacking, mem []byte) error {
	if b.ReadBytes > 0 {
		n, err := b.File.Inode().ReadAt(ctx, mem[:b.ReadBytes], b.Offset)
		if err != nil {
			return err
		}
		if n < b.ReadBytes {
			for i := n; i < b.ReadBytes; i++ {
				mem[i] = 0
			}
		}
	}
	for i := b.ReadBytes; i < b.ReadBytes+b.ZeroBytes; i++ {
		mem[i] = 0
	}
	return nil
}

// Access resolves addr to its resident frame, faulting it in first if
// necessary, and marks the write intent on return. It models a CPU
// memory access within a Go test harness that has no real MMU: callers
// use it (or the ReadUser/WriteUser wrappers) to simulate user code
// touching its mapped memory.
func (as *AddressSpace) Access(ctx context.Context, ft *FrameTable, sw *swap.Area, addr uintptr, isWrite, isStackAccess bool) (*Frame, int, error) {
	upage := pageFloor(addr)
	if f, ok := as.frameFor(upage); ok {
		return f, int(addr - upage), nil
	}
	if err := as.HandleFault(ctx, ft, sw, addr, isWrite, isStackAccess); err != nil {
		return nil, 0, err
	}
	f, ok := as.frameFor(upage)
	if !ok {
		return nil, 0, fmt.Errorf("vm: page at %#x not resident after fault handling", upage)
	}
	return f, int(addr - upage), nil
}

// ReadUser copies len(p) bytes starting at addr out of user memory,
// faulting pages in as needed. The read must not cross into a second
// page in this simplified model; callers split multi-page accesses.
// isStackAccess must be true when addr is derived from the process's own
// stack pointer, so a fault with no existing entry is eligible for stack
// growth instead of being treated as a wild pointer.
func (as *AddressSpace) ReadUser(ctx context.Context, ft *FrameTable, sw *swap.Area, pool *Pool, addr uintptr, p []byte, isStackAccess bool) error {
	f, off, err := as.Access(ctx, ft, sw, addr, false, isStackAccess)
	if err != nil {
		return err
	}
	if off+len(p) > PageSize {
		return fmt.Errorf("vm: read at %#x of %d bytes crosses a page boundary", addr, len(p))
	}
	copy(p, f.Bytes(pool)[off:off+len(p)])
	return nil
}

// WriteUser copies p into user memory starting at addr, faulting pages
// in as needed. See ReadUser for isStackAccess.
func (as *AddressSpace) WriteUser(ctx context.Context, ft *FrameTable, sw *swap.Area, pool *Pool, addr uintptr, p []byte, isStackAccess bool) error {
	f, off, err := as.Access(ctx, ft, sw, addr, true, isStackAccess)
	if err != nil {
		return err
	}
	if off+len(p) > PageSize {
		return fmt.Errorf("vm: write at %#x of %d bytes crosses a page boundary", addr, len(p))
	}
	copy(f.Bytes(pool)[off:off+len(p)], p)
	return nil
}

// Destroy tears down every resident and swapped-out page, per §4.7's
// process-exit path.
func (as *AddressSpace) Destroy(ft *FrameTable, sw *swap.Area) {
	as.Table.Destroy(ft, sw)
}
