package inode

import (
	"context"
	"fmt"
	"sync"

	"github.com/pintosgo/kernel/block"
)

// Table is the single in-memory-inode registry: at most one *Inode per
// sector exists across the system at any time (§3's invariant). It owns
// the cache and free map it was constructed with, rather than reaching
// for package-level globals (§9's re-architecture guidance).
type Table struct {
	mu      sync.Mutex
	cache   *block.Cache
	freemap *block.FreeMap
	open    map[block.Sector]*Inode
}

func NewTable(cache *block.Cache, freemap *block.FreeMap) *Table {
	return &Table{
		cache:   cache,
		freemap: freemap,
		open:    make(map[block.Sector]*Inode),
	}
}

// Open returns the existing in-memory inode for sector if one is
// already open (bumping its open count), or reads the on-disk record
// and installs a fresh entry.
func (t *Table) Open(ctx context.Context, sector block.Sector) (*Inode, error) {
	t.mu.Lock()
	if n, ok := t.open[sector]; ok {
		n.mu.Lock()
		n.openCount++
		n.mu.Unlock()
		t.mu.Unlock()
		return n, nil
	}
	t.mu.Unlock()

	var sec block.SectorBytes
	if err := t.cache.Read(ctx, sector, &sec); err != nil {
		return nil, fmt.Errorf("inode: open sector %d: %w", sector, err)
	}
	disk := decodeDiskInode(&sec)
	if disk.magic != diskInodeMagic {
		return nil, fmt.Errorf("inode: sector %d is not an inode record", sector)
	}

	n := &Inode{
		table:     t,
		sector:    sector,
		openCount: 1,
		disk:      disk,
		isDir:     disk.isDir,
		parent:    disk.parent,
	}

	t.mu.Lock()
	// Another goroutine may have installed this sector while we were
	// reading the disk record without holding t.mu; the lock above
	// re-checks so the "at most one entry per sector" invariant holds.
	if existing, ok := t.open[sector]; ok {
		existing.mu.Lock()
		existing.openCount++
		existing.mu.Unlock()
		t.mu.Unlock()
		return existing, nil
	}
	t.open[sector] = n
	t.mu.Unlock()
	return n, nil
}

// forget removes n from the registry once Close has taken its open
// count to zero. Resources Close then frees (if n.removed) survive any
// concurrent re-open that raced in before the zero transition, because
// that re-open would have found n still in t.open and bumped its count
// instead of racing to read a half-freed disk record.
func (t *Table) forget(n *Inode) {
	t.mu.Lock()
	delete(t.open, n.sector)
	t.mu.Unlock()
}
