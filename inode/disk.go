// Package inode implements the multi-level indexed allocation described
// in §4.3: on-disk inode records, the in-memory inode registry, block
// mapping through direct/indirect/doubly-indirect pointers, and growth.
package inode

import (
	"encoding/binary"
	"errors"

	"github.com/pintosgo/kernel/block"
)

const (
	// DirectPointers is the number of direct data-block pointers an
	// inode carries inline.
	DirectPointers = 12
	// PointersPerBlock is how many sector numbers fit in one
	// indirect or doubly-indirect block (128 * 4 bytes == one sector).
	PointersPerBlock = block.SectorSize / 4

	// MaxDataSectors is the largest number of data sectors one inode
	// can address: 12 direct + 128 via one indirect block + 128*128
	// via the doubly-indirect block.
	MaxDataSectors = DirectPointers + PointersPerBlock + PointersPerBlock*PointersPerBlock
	// MaxFileSize is MaxDataSectors expressed in bytes.
	MaxFileSize = int64(MaxDataSectors) * block.SectorSize

	diskInodeMagic uint32 = 0x494e4f44 // "INOD"
)

var ErrFileTooLarge = errors.New("inode: requested length exceeds the maximum file size")

// diskInode is the fixed, one-sector on-disk inode record (§3). Its
// encoded form is exactly block.SectorSize bytes; the remainder past
// the named fields is zero-padded.
type diskInode struct {
	length         int64
	magic          uint32
	direct         [DirectPointers]block.Sector
	indirect       block.Sector
	doublyIndirect block.Sector
	isDir          bool
	parent         block.Sector
}

// layout offsets within the encoded sector.
const (
	offLength         = 0
	offMagic          = offLength + 8
	offDirect         = offMagic + 4
	offIndirect       = offDirect + DirectPointers*4
	offDoublyIndirect = offIndirect + 4
	offIsDir          = offDoublyIndirect + 4
	offParent         = offIsDir + 1
	// everything from here to block.SectorSize is zero padding.
)

func (d *diskInode) encode() block.SectorBytes {
	var buf block.SectorBytes
	bo := binary.LittleEndian
	bo.PutUint64(buf[offLength:], uint64(d.length))
	bo.PutUint32(buf[offMagic:], d.magic)
	for i, s := range d.direct {
		bo.PutUint32(buf[offDirect+i*4:], uint32(s))
	}
	bo.PutUint32(buf[offIndirect:], uint32(d.indirect))
	bo.PutUint32(buf[offDoublyIndirect:], uint32(d.doublyIndirect))
	if d.isDir {
		buf[offIsDir] = 1
	}
	bo.PutUint32(buf[offParent:], uint32(d.parent))
	return buf
}

func decodeDiskInode(buf *block.SectorBytes) diskInode {
	var d diskInode
	bo := binary.LittleEndian
	d.length = int64(bo.Uint64(buf[offLength:]))
	d.magic = bo.Uint32(buf[offMagic:])
	for i := range d.direct {
		d.direct[i] = block.Sector(bo.Uint32(buf[offDirect+i*4:]))
	}
	d.indirect = block.Sector(bo.Uint32(buf[offIndirect:]))
	d.doublyIndirect = block.Sector(bo.Uint32(buf[offDoublyIndirect:]))
	d.isDir = buf[offIsDir] != 0
	d.parent = block.Sector(bo.Uint32(buf[offParent:]))
	return d
}

// indirectBlock is 128 sector numbers packed into one sector.
type indirectBlock [PointersPerBlock]block.Sector

func (b *indirectBlock) encode() block.SectorBytes {
	var buf block.SectorBytes
	for i, s := range b {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(s))
	}
	return buf
}

func decodeIndirectBlock(buf *block.SectorBytes) indirectBlock {
	var b indirectBlock
	for i := range b {
		b[i] = block.Sector(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return b
}

// dataSectorsFor returns ceil(length/512), the number of data sectors a
// file of length bytes occupies.
func dataSectorsFor(length int64) int {
	if length <= 0 {
		return 0
	}
	return int((length + block.SectorSize - 1) / block.SectorSize)
}
