package vm

import (
	"sync"

	"github.com/pintosgo/kernel/file"
	"github.com/pintosgo/kernel/swap"
)

// Backing names where a page's data currently lives when it is not
// resident, per §4.7.
type Backing interface {
	isBacking()
}

// FileBacking covers both ordinary lazy-loaded executable/data segments
// and memory-mapped file regions (PageEntry.IsMmap distinguishes the
// two for eviction's writeback decision).
type FileBacking struct {
	File      *file.Handle
	Offset    int64
	ReadBytes int
	ZeroBytes int
}

func (FileBacking) isBacking() {}

// AnonBacking is a zero-filled anonymous page: stack growth or a fresh
// heap page with no file behind it.
type AnonBacking struct{}

func (AnonBacking) isBacking() {}

// SwapBacking names the slot a page was written out to by eviction.
type SwapBacking struct {
	Slot swap.Slot
}

func (SwapBacking) isBacking() {}

// PageEntry is one supplemental page table record: everything the
// fault handler needs to reconstruct a page that the hardware mapping
// no longer (or not yet) makes resident (§4.7).
type PageEntry struct {
	mu sync.Mutex

	Upage    uintptr
	Backing  Backing
	Writable bool
	Present  bool
	IsMmap   bool

	frame *Frame
}

// SupplementalTable is one address space's page-entry index, keyed by
// user page address.
type SupplementalTable struct {
	mu    sync.Mutex
	pages map[uintptr]*PageEntry
}

// NewSupplementalTable returns an empty table.
func NewSupplementalTable() *SupplementalTable {
	return &SupplementalTable{pages: make(map[uintptr]*PageEntry)}
}

// AddFileRegion records a lazily-loaded or memory-mapped file-backed
// page, per §4.3 (executable load) and §4.10 (mmap).
func (t *SupplementalTable) AddFileRegion(h *file.Handle, offset int64, upage uintptr, readBytes, zeroBytes int, writable, isMmap bool) *PageEntry {
	pe := &PageEntry{
		Upage:    upage,
		Writable: writable,
		IsMmap:   isMmap,
		Backing: FileBacking{
			File:      h,
			Offset:    offset,
			ReadBytes: readBytes,
			ZeroBytes: zeroBytes,
		},
	}
	t.mu.Lock()
	t.pages[upage] = pe
	t.mu.Unlock()
	return pe
}

// AddAnon records a zero-filled page, used for stack growth (§4.9).
func (t *SupplementalTable) AddAnon(upage uintptr, writable bool) *PageEntry {
	pe := &PageEntry{Upage: upage, Writable: writable, Backing: AnonBacking{}}
	t.mu.Lock()
	t.pages[upage] = pe
	t.mu.Unlock()
	return pe
}

// Lookup finds the page entry for upage, if any.
func (t *SupplementalTable) Lookup(upage uintptr) (*PageEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pe, ok := t.pages[upage]
	return pe, ok
}

// Remove drops the entry for upage, used once a frame is torn down or
// an mmap region is unmapped.
func (t *SupplementalTable) Remove(upage uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pages, upage)
}

// Destroy tears down every entry in the table: present pages give their
// frame back to ft, swapped-out pages free their slot, per §4.7's
// process-exit teardown.
func (t *SupplementalTable) Destroy(ft *FrameTable, sw *swap.Area) {
	t.mu.Lock()
	entries := make([]*PageEntry, 0, len(t.pages))
	for _, pe := range t.pages {
		entries = append(entries, pe)
	}
	t.pages = make(map[uintptr]*PageEntry)
	t.mu.Unlock()

	for _, pe := range entries {
		pe.mu.Lock()
		present := pe.Present
		frame := pe.frame
		backing := pe.Backing
		pe.mu.Unlock()

		if present && frame != nil {
			ft.evictSpecific(frame)
			continue
		}
		if sb, ok := backing.(SwapBacking); ok {
			sw.Free(sb.Slot)
		}
	}
}
