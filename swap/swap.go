// Package swap implements the fixed-slot paging backing store over a
// block device described in §4.6.
package swap

import (
	"fmt"
	"sync"

	"github.com/boljen/go-bitmap"

	"github.com/pintosgo/kernel/block"
)

// SectorsPerSlot is the number of filesystem sectors one page-sized
// swap slot occupies: slot ⇒ slot*8 consecutive sectors (§3).
const SectorsPerSlot = 8

// PageSize is the size in bytes of one swap slot / physical page.
const PageSize = SectorsPerSlot * block.SectorSize

// Slot addresses one page-sized region of the swap device.
type Slot int

// Area is the page-sized slot allocator over the swap device. Its
// bitmap is guarded by a dedicated mutex, independent of the block
// cache's or frame table's, per §5.
type Area struct {
	mu   sync.Mutex
	dev  *block.Device
	bm   bitmap.Bitmap
	slot int
}

// Open sizes the slot bitmap to the swap device's capacity.
func Open(dev *block.Device) (*Area, error) {
	slots := dev.Sectors() / SectorsPerSlot
	if slots == 0 {
		return nil, fmt.Errorf("swap: device has fewer than %d sectors, no slots available", SectorsPerSlot)
	}
	return &Area{dev: dev, bm: bitmap.NewSlice(slots), slot: slots}, nil
}

// Out finds the first free slot, writes page (which must be exactly
// PageSize bytes) to it, marks the slot used, and returns its index.
func (a *Area) Out(page []byte) (Slot, error) {
	if len(page) != PageSize {
		return 0, fmt.Errorf("swap: page must be %d bytes, got %d", PageSize, len(page))
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < a.slot; i++ {
		if !a.bm.Get(i) {
			if err := a.dev.WriteSectors(block.Sector(i*SectorsPerSlot), SectorsPerSlot, page); err != nil {
				return 0, err
			}
			a.bm.Set(i, true)
			return Slot(i), nil
		}
	}
	return 0, fmt.Errorf("swap: no free slots")
}

// In reads slot's page into page and frees the slot.
func (a *Area) In(slot Slot, page []byte) error {
	if len(page) != PageSize {
		return fmt.Errorf("swap: page must be %d bytes, got %d", PageSize, len(page))
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.bm.Get(int(slot)) {
		return fmt.Errorf("swap: slot %d is not occupied", slot)
	}
	if err := a.dev.ReadSectors(block.Sector(int(slot)*SectorsPerSlot), SectorsPerSlot, page); err != nil {
		return err
	}
	a.bm.Set(int(slot), false)
	return nil
}

// Free releases slot without reading it back, used when a supplemental
// page table entry referencing it is destroyed without a fault (§4.7).
func (a *Area) Free(slot Slot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bm.Set(int(slot), false)
}
