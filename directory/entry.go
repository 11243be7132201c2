// Package directory implements fixed-slot directory entries, path
// resolution, and per-process CWD handles (§4.4).
package directory

import (
	"encoding/binary"

	"github.com/pintosgo/kernel/block"
)

// MaxNameLength is the longest name a directory entry can hold (§3).
const MaxNameLength = 14

// EntrySize is the fixed width of one packed directory entry: a
// 14-byte name, a 4-byte child sector, a 4-byte in-use flag, and
// padding, per §6's on-disk format.
const EntrySize = 32

const (
	offName  = 0
	offChild = offName + MaxNameLength
	offInUse = offChild + 4
)

type entry struct {
	inUse bool
	name  string
	child block.Sector
}

func (e *entry) encode() []byte {
	buf := make([]byte, EntrySize)
	copy(buf[offName:offName+MaxNameLength], e.name)
	binary.LittleEndian.PutUint32(buf[offChild:], uint32(e.child))
	if e.inUse {
		binary.LittleEndian.PutUint32(buf[offInUse:], 1)
	}
	return buf
}

func decodeEntry(buf []byte) entry {
	var e entry
	e.inUse = binary.LittleEndian.Uint32(buf[offInUse:]) != 0
	e.child = block.Sector(binary.LittleEndian.Uint32(buf[offChild:]))
	raw := buf[offName : offName+MaxNameLength]
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	e.name = string(raw[:n])
	return e
}
