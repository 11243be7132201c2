package vm

import (
	"context"
	"fmt"

	"github.com/pintosgo/kernel/file"
	"github.com/pintosgo/kernel/swap"
)

// Mmap maps h's full contents into the address space starting at addr,
// one page-sized (possibly partially zero-filled) region per file
// page, and force-loads every page immediately rather than waiting for
// a fault, matching §4.10's description of mmap as eagerly populated.
// h must already be a fresh file_reopen of the target inode — Munmap
// closes it.
func (as *AddressSpace) Mmap(ctx context.Context, ft *FrameTable, sw *swap.Area, h *file.Handle, addr uintptr) (MmapID, error) {
	if addr == 0 || addr%PageSize != 0 {
		return 0, fmt.Errorf("vm: mmap address %#x is not page-aligned or is null", addr)
	}
	length := h.Inode().Length()
	if length == 0 {
		return 0, fmt.Errorf("vm: cannot mmap a zero-length file")
	}

	pages := int((length + PageSize - 1) / PageSize)
	for i := 0; i < pages; i++ {
		upage := addr + uintptr(i*PageSize)
		if _, ok := as.Table.Lookup(upage); ok {
			return 0, fmt.Errorf("vm: mmap region at %#x overlaps an existing mapping", upage)
		}
	}

	as.mu.Lock()
	id := as.mmapNext
	as.mmapNext++
	as.mu.Unlock()

	entries := make([]*PageEntry, 0, pages)
	for i := 0; i < pages; i++ {
		upage := addr + uintptr(i*PageSize)
		offset := int64(i * PageSize)
		readBytes := PageSize
		if remaining := length - offset; remaining < int64(PageSize) {
			readBytes = int(remaining)
		}
		zeroBytes := PageSize - readBytes

		pe := as.Table.AddFileRegion(h, offset, upage, readBytes, zeroBytes, true, true)
		fb := pe.Backing.(FileBacking)
		if _, err := ft.GetFrame(ctx, as, pe, sw, func(mem []byte) error {
			return loadFileBacking(ctx, fb, mem)
		}); err != nil {
			as.unwindMmap(entries)
			return 0, err
		}
		entries = append(entries, pe)
	}

	as.mu.Lock()
	as.mmaps[id] = entries
	as.mu.Unlock()
	return id, nil
}

// unwindMmap removes partially-installed mmap pages after a failed
// Mmap call.
func (as *AddressSpace) unwindMmap(entries []*PageEntry) {
	for _, pe := range entries {
		as.Table.Remove(pe.Upage)
		as.clearMapping(pe.Upage)
	}
}

// Munmap writes every resident page in mapping id back to its file
// (§4.10) and removes the mapping, then closes the file handle Mmap
// reopened for it. Pages are not tracked as dirty, so resident pages
// that were never written are written back too.
func (as *AddressSpace) Munmap(ctx context.Context, ft *FrameTable, id MmapID) error {
	as.mu.Lock()
	entries, ok := as.mmaps[id]
	delete(as.mmaps, id)
	as.mu.Unlock()
	if !ok {
		return fmt.Errorf("vm: no such mmap id %d", id)
	}

	var h *file.Handle
	for _, pe := range entries {
		pe.mu.Lock()
		present := pe.Present
		fb := pe.Backing.(FileBacking)
		pe.mu.Unlock()
		h = fb.File

		if present {
			if f, ok := as.frameFor(pe.Upage); ok {
				mem := ft.bytesOf(f)
				if _, err := fb.File.Inode().WriteAt(ctx, mem[:fb.ReadBytes], fb.Offset); err != nil {
					return err
				}
				ft.evictSpecific(f)
			}
		}
		as.Table.Remove(pe.Upage)
		as.clearMapping(pe.Upage)
	}
	if h != nil {
		return h.Close(ctx)
	}
	return nil
}
