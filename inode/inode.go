package inode

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pintosgo/kernel/block"
)

var (
	ErrNoSpace = errors.New("inode: no free sectors available")
)

// DirectoriesSkipMutexOnGrowth records the source's behavior, inherited
// per §9: directory inodes grow without holding the per-inode mutex,
// because they are serialized by the filesystem-wide coarse mutex
// instead. Flipping this to false (locking uniformly) is an accepted
// alternative per the same note.
const DirectoriesSkipMutexOnGrowth = true

// Inode is the in-memory counterpart of one on-disk inode record (§3).
type Inode struct {
	table  *Table
	sector block.Sector

	mu             sync.Mutex
	openCount      int
	removed        bool
	denyWriteCount int
	disk           diskInode
	isDir          bool
	parent         block.Sector
}

func (n *Inode) Sector() block.Sector  { return n.sector }
func (n *Inode) IsDir() bool           { return n.isDir }
func (n *Inode) Parent() block.Sector  { return n.parent }
func (n *Inode) Length() int64         { n.mu.Lock(); defer n.mu.Unlock(); return n.disk.length }
func (n *Inode) DenyWriteCount() int   { n.mu.Lock(); defer n.mu.Unlock(); return n.denyWriteCount }
func (n *Inode) OpenCount() int        { n.mu.Lock(); defer n.mu.Unlock(); return n.openCount }

// Create writes a fresh on-disk inode at sector and allocates every
// data block it covers, zero-filled, per §4.3.
func Create(ctx context.Context, cache *block.Cache, freemap *block.FreeMap, sector block.Sector, length int64, isDir bool, parent block.Sector) error {
	if length > MaxFileSize {
		return ErrFileTooLarge
	}
	d := diskInode{
		magic:  diskInodeMagic,
		isDir:  isDir,
		parent: parent,
	}
	if err := growDisk(ctx, cache, freemap, &d, dataSectorsFor(length)); err != nil {
		// Partial allocations from a failing create are leaked in
		// this generation; see spec §4.3 failure semantics.
		return err
	}
	d.length = length
	enc := d.encode()
	return cache.Write(ctx, sector, &enc)
}

// DenyWrite / AllowWrite implement §4.5's write-denial counter.
func (n *Inode) DenyWrite() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.denyWriteCount++
}

func (n *Inode) AllowWrite() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.denyWriteCount > 0 {
		n.denyWriteCount--
	}
}

func (n *Inode) WriteDenied() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.denyWriteCount > 0
}

// MarkRemoved flags the inode for deletion once the last opener closes.
func (n *Inode) MarkRemoved() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.removed = true
}

func (n *Inode) Removed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.removed
}

// Close decrements the open count; on reaching zero it either frees
// every data block plus the inode sector (if removed), or writes the
// cached on-disk record through the cache, flushes the cache to the
// device, and drops the cache's residual entry for the record.
func (n *Inode) Close(ctx context.Context) error {
	n.mu.Lock()
	n.openCount--
	if n.openCount > 0 {
		n.mu.Unlock()
		return nil
	}
	removed := n.removed
	disk := n.disk
	sector := n.sector
	n.mu.Unlock()

	n.table.forget(n)

	if removed {
		return freeAll(ctx, n.table.cache, n.table.freemap, &disk, sector)
	}
	enc := disk.encode()
	if err := n.table.cache.Write(ctx, sector, &enc); err != nil {
		return err
	}
	if err := n.table.cache.Flush(ctx); err != nil {
		return err
	}
	n.table.cache.DropClean(sector)
	return nil
}

// byteToSector implements §4.3's block-mapping arithmetic.
func byteToSector(ctx context.Context, cache *block.Cache, d *diskInode, offset int64) (block.Sector, error) {
	s := int(offset / block.SectorSize)
	switch {
	case s < DirectPointers:
		return d.direct[s], nil
	case s < DirectPointers+PointersPerBlock:
		if d.indirect == 0 {
			return 0, fmt.Errorf("inode: indirect block not allocated for offset %d", offset)
		}
		var sec block.SectorBytes
		if err := cache.Read(ctx, d.indirect, &sec); err != nil {
			return 0, err
		}
		ib := decodeIndirectBlock(&sec)
		return ib[s-DirectPointers], nil
	default:
		if d.doublyIndirect == 0 {
			return 0, fmt.Errorf("inode: doubly-indirect block not allocated for offset %d", offset)
		}
		var sec block.SectorBytes
		if err := cache.Read(ctx, d.doublyIndirect, &sec); err != nil {
			return 0, err
		}
		outer := decodeIndirectBlock(&sec)
		idx := s - (DirectPointers + PointersPerBlock)
		outerIdx := idx / PointersPerBlock
		innerIdx := idx % PointersPerBlock
		if outer[outerIdx] == 0 {
			return 0, fmt.Errorf("inode: indirect block %d not allocated for offset %d", outerIdx, offset)
		}
		var innerSec block.SectorBytes
		if err := cache.Read(ctx, outer[outerIdx], &innerSec); err != nil {
			return 0, err
		}
		ib := decodeIndirectBlock(&innerSec)
		return ib[innerIdx], nil
	}
}

// allocateZeroSector grabs one free sector and zero-fills it.
func allocateZeroSector(ctx context.Context, cache *block.Cache, freemap *block.FreeMap) (block.Sector, error) {
	secs, ok := freemap.Allocate(1)
	if !ok {
		return 0, ErrNoSpace
	}
	var zero block.SectorBytes
	if err := cache.Write(ctx, secs[0], &zero); err != nil {
		return 0, err
	}
	return secs[0], nil
}

// growDisk extends d so it addresses at least want data sectors,
// walking direct -> indirect -> doubly-indirect exactly as §4.3
// describes, reusing allocateZeroSector via free_map_allocate (§4.2).
func growDisk(ctx context.Context, cache *block.Cache, freemap *block.FreeMap, d *diskInode, want int) error {
	if want > MaxDataSectors {
		return ErrFileTooLarge
	}
	cur := dataSectorsFor(d.length)
	for cur < want {
		switch {
		case cur < DirectPointers:
			s, err := allocateZeroSector(ctx, cache, freemap)
			if err != nil {
				return err
			}
			d.direct[cur] = s

		case cur < DirectPointers+PointersPerBlock:
			if d.indirect == 0 {
				s, err := allocateZeroSector(ctx, cache, freemap)
				if err != nil {
					return err
				}
				d.indirect = s
			}
			var sec block.SectorBytes
			if err := cache.Read(ctx, d.indirect, &sec); err != nil {
				return err
			}
			ib := decodeIndirectBlock(&sec)
			s, err := allocateZeroSector(ctx, cache, freemap)
			if err != nil {
				return err
			}
			ib[cur-DirectPointers] = s
			enc := ib.encode()
			if err := cache.Write(ctx, d.indirect, &enc); err != nil {
				return err
			}

		default:
			if d.doublyIndirect == 0 {
				s, err := allocateZeroSector(ctx, cache, freemap)
				if err != nil {
					return err
				}
				d.doublyIndirect = s
			}
			var outerSec block.SectorBytes
			if err := cache.Read(ctx, d.doublyIndirect, &outerSec); err != nil {
				return err
			}
			outer := decodeIndirectBlock(&outerSec)

			idx := cur - (DirectPointers + PointersPerBlock)
			outerIdx := idx / PointersPerBlock
			innerIdx := idx % PointersPerBlock

			if outer[outerIdx] == 0 {
				s, err := allocateZeroSector(ctx, cache, freemap)
				if err != nil {
					return err
				}
				outer[outerIdx] = s
				enc := outer.encode()
				if err := cache.Write(ctx, d.doublyIndirect, &enc); err != nil {
					return err
				}
			}

			var innerSec block.SectorBytes
			if err := cache.Read(ctx, outer[outerIdx], &innerSec); err != nil {
				return err
			}
			inner := decodeIndirectBlock(&innerSec)
			s, err := allocateZeroSector(ctx, cache, freemap)
			if err != nil {
				return err
			}
			inner[innerIdx] = s
			encInner := inner.encode()
			if err := cache.Write(ctx, outer[outerIdx], &encInner); err != nil {
				return err
			}
		}
		cur++
	}
	return nil
}

// freeAll releases every data block, every indirect/doubly-indirect
// index block, and the inode sector itself, per §4.3's close behavior
// when removed is set. This walks exactly the allocated range named by
// d.length, avoiding the off-by-one the spec warns against in §9.
func freeAll(ctx context.Context, cache *block.Cache, freemap *block.FreeMap, d *diskInode, sector block.Sector) error {
	n := dataSectorsFor(d.length)

	for i := 0; i < n && i < DirectPointers; i++ {
		freemap.Release(d.direct[i], 1)
	}

	if n > DirectPointers {
		var sec block.SectorBytes
		if err := cache.Read(ctx, d.indirect, &sec); err != nil {
			return err
		}
		ib := decodeIndirectBlock(&sec)
		count := n - DirectPointers
		if count > PointersPerBlock {
			count = PointersPerBlock
		}
		for i := 0; i < count; i++ {
			freemap.Release(ib[i], 1)
		}
		freemap.Release(d.indirect, 1)
	}

	if n > DirectPointers+PointersPerBlock {
		var outerSec block.SectorBytes
		if err := cache.Read(ctx, d.doublyIndirect, &outerSec); err != nil {
			return err
		}
		outer := decodeIndirectBlock(&outerSec)
		remaining := n - DirectPointers - PointersPerBlock
		for outerIdx := 0; remaining > 0; outerIdx++ {
			var innerSec block.SectorBytes
			if err := cache.Read(ctx, outer[outerIdx], &innerSec); err != nil {
				return err
			}
			inner := decodeIndirectBlock(&innerSec)
			count := remaining
			if count > PointersPerBlock {
				count = PointersPerBlock
			}
			for i := 0; i < count; i++ {
				freemap.Release(inner[i], 1)
			}
			freemap.Release(outer[outerIdx], 1)
			remaining -= count
		}
		freemap.Release(d.doublyIndirect, 1)
	}

	freemap.Release(sector, 1)
	return nil
}

// ReadAt reads len(p) bytes at offset off, sector at a time, returning
// a short count at EOF rather than an error.
func (n *Inode) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	n.mu.Lock()
	length := n.disk.length
	disk := n.disk
	n.mu.Unlock()

	if off >= length {
		return 0, nil
	}
	if off+int64(len(p)) > length {
		p = p[:length-off]
	}

	read := 0
	for read < len(p) {
		cur := off + int64(read)
		sectorOff := int(cur % block.SectorSize)
		chunk := block.SectorSize - sectorOff
		if chunk > len(p)-read {
			chunk = len(p) - read
		}

		sec, err := byteToSector(ctx, n.table.cache, &disk, cur)
		if err != nil {
			return read, err
		}
		var buf block.SectorBytes
		if err := n.table.cache.Read(ctx, sec, &buf); err != nil {
			return read, err
		}
		copy(p[read:read+chunk], buf[sectorOff:sectorOff+chunk])
		read += chunk
	}
	return read, nil
}

// WriteAt writes len(p) bytes at offset off, growing the file first if
// the write extends past the current length (§4.3).
func (n *Inode) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	locks := !(n.isDir && DirectoriesSkipMutexOnGrowth)
	if locks {
		n.mu.Lock()
	}

	end := off + int64(len(p))
	if end > MaxFileSize {
		if locks {
			n.mu.Unlock()
		}
		return 0, ErrFileTooLarge
	}
	if end > n.disk.length {
		if err := growDisk(ctx, n.table.cache, n.table.freemap, &n.disk, dataSectorsFor(end)); err != nil {
			if locks {
				n.mu.Unlock()
			}
			return 0, err
		}
		n.disk.length = end
		enc := n.disk.encode()
		if err := n.table.cache.Write(ctx, n.sector, &enc); err != nil {
			if locks {
				n.mu.Unlock()
			}
			return 0, err
		}
	}
	disk := n.disk
	if locks {
		n.mu.Unlock()
	}

	written := 0
	for written < len(p) {
		cur := off + int64(written)
		sectorOff := int(cur % block.SectorSize)
		chunk := block.SectorSize - sectorOff
		if chunk > len(p)-written {
			chunk = len(p) - written
		}

		sec, err := byteToSector(ctx, n.table.cache, &disk, cur)
		if err != nil {
			return written, err
		}
		var buf block.SectorBytes
		if sectorOff != 0 || chunk != block.SectorSize {
			if err := n.table.cache.Read(ctx, sec, &buf); err != nil {
				return written, err
			}
		}
		copy(buf[sectorOff:sectorOff+chunk], p[written:written+chunk])
		if err := n.table.cache.Write(ctx, sec, &buf); err != nil {
			return written, err
		}
		written += chunk
	}
	return written, nil
}
