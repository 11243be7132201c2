package block

import (
	"fmt"
	"sync"

	"github.com/boljen/go-bitmap"
)

// FreeMapSector is the sector reserved for the free-sector bitmap, per
// §6's on-disk format ("Sector 0: free-map inode"). A single sector
// gives room for 512*8 = 4096 bits, i.e. a 2 MiB filesystem device —
// ample for the instructional sizes this kernel targets; bigger devices
// are a documented limitation (see DESIGN.md).
const FreeMapSector Sector = 0

// RootDirSector is the fixed sector of the root directory's on-disk
// inode record, per §6 ("Sector 1: root directory inode").
const RootDirSector Sector = 1

// FreeMap is the persistent bitmap of free sectors on a filesystem
// device (§4.2). It is flushed explicitly on filesystem shutdown; it
// does not go through the block cache, since it is read and written as
// a whole exactly twice in the common case (boot, shutdown).
type FreeMap struct {
	mu  sync.Mutex
	bm  bitmap.Bitmap
	dev *Device
}

// LoadFreeMap reads the bitmap back from FreeMapSector.
func LoadFreeMap(dev *Device) (*FreeMap, error) {
	var sec SectorBytes
	if err := dev.ReadSector(FreeMapSector, &sec); err != nil {
		return nil, err
	}
	fm := &FreeMap{bm: bitmap.NewSlice(dev.Sectors()), dev: dev}
	copy(fm.bm, sec[:])
	return fm, nil
}

// FormatFreeMap builds a fresh bitmap with FreeMapSector and
// RootDirSector pre-marked allocated, as required to bootstrap the
// filesystem at format time (§6 boot flags).
func FormatFreeMap(dev *Device) (*FreeMap, error) {
	if dev.Sectors() > SectorSize*8 {
		return nil, fmt.Errorf("block: device has %d sectors, a single-sector free map covers at most %d", dev.Sectors(), SectorSize*8)
	}
	fm := &FreeMap{bm: bitmap.NewSlice(dev.Sectors()), dev: dev}
	fm.bm.Set(int(FreeMapSector), true)
	fm.bm.Set(int(RootDirSector), true)
	return fm, nil
}

// Allocate returns n contiguous free sector numbers, or false if none
// are available. Current callers only ever request n=1, per §4.2.
func (fm *FreeMap) Allocate(n int) ([]Sector, bool) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	run := 0
	start := -1
	for i := 0; i < fm.dev.Sectors(); i++ {
		if !fm.bm.Get(i) {
			if run == 0 {
				start = i
			}
			run++
			if run == n {
				out := make([]Sector, n)
				for j := 0; j < n; j++ {
					fm.bm.Set(start+j, true)
					out[j] = Sector(start + j)
				}
				return out, true
			}
		} else {
			run = 0
		}
	}
	return nil, false
}

// Release marks n sectors starting at start free again.
func (fm *FreeMap) Release(start Sector, n int) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	for i := 0; i < n; i++ {
		fm.bm.Set(int(start)+i, false)
	}
}

// Flush writes the bitmap back to FreeMapSector.
func (fm *FreeMap) Flush() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	var sec SectorBytes
	copy(sec[:], fm.bm)
	return fm.dev.WriteSector(FreeMapSector, &sec)
}
