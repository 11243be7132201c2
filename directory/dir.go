package directory

import (
	"context"
	"errors"

	"github.com/pintosgo/kernel/block"
	"github.com/pintosgo/kernel/inode"
)

var (
	ErrNotFound         = errors.New("directory: entry not found")
	ErrExists           = errors.New("directory: entry already exists")
	ErrNotEmpty         = errors.New("directory: directory not empty")
	ErrRemoveRoot       = errors.New("directory: cannot remove the root directory")
	ErrNotADirectory    = errors.New("directory: not a directory")
	ErrNameTooLong      = errors.New("directory: name exceeds 14 characters")
	ErrDotName          = errors.New("directory: \".\" and \"..\" name an existing directory and cannot be created or removed")
)

// Dir is a directory: a regular file (§4.4) whose in-memory inode it
// inherits. Two Dir values may wrap the same *inode.Inode, exactly as
// two directory handles may reference the same inode (§3's Reopen
// note).
type Dir struct {
	n *inode.Inode
}

// Handle is a directory handle: a Dir plus a read position used by
// enumeration (§3).
type Handle struct {
	Dir *Dir
	Pos int
}

func (d *Dir) Inode() *inode.Inode { return d.n }

// FromInode wraps an already-open directory inode as a Dir, for
// callers (the syscall bridge's readdir) that only have a generic
// *inode.Inode in hand and have already checked IsDir().
func FromInode(n *inode.Inode) *Dir { return &Dir{n: n} }

// Create initializes a fresh directory inode with room for entryCount
// entries, per §4.3's dir_create.
func Create(ctx context.Context, cache *block.Cache, freemap *block.FreeMap, sector block.Sector, entryCount int, parent block.Sector) error {
	return inode.Create(ctx, cache, freemap, sector, int64(entryCount)*EntrySize, true, parent)
}

// Open opens the directory inode at sector, reopening it through the
// shared inode table if it is already open elsewhere.
func Open(ctx context.Context, table *inode.Table, sector block.Sector) (*Dir, error) {
	n, err := table.Open(ctx, sector)
	if err != nil {
		return nil, err
	}
	if !n.IsDir() {
		n.Close(ctx)
		return nil, ErrNotADirectory
	}
	return &Dir{n: n}, nil
}

// Reopen returns a second Dir sharing the same in-memory inode,
// bumping its open count (§4.4's dir_reopen).
func Reopen(ctx context.Context, table *inode.Table, d *Dir) (*Dir, error) {
	return Open(ctx, table, d.n.Sector())
}

func (d *Dir) Close(ctx context.Context) error {
	return d.n.Close(ctx)
}

func (d *Dir) entryCount() int64 {
	return d.n.Length() / EntrySize
}

func (d *Dir) readEntry(ctx context.Context, i int64) (entry, error) {
	buf := make([]byte, EntrySize)
	if _, err := d.n.ReadAt(ctx, buf, i*EntrySize); err != nil {
		return entry{}, err
	}
	return decodeEntry(buf), nil
}

func (d *Dir) writeEntry(ctx context.Context, i int64, e entry) error {
	buf := e.encode()
	_, err := d.n.WriteAt(ctx, buf, i*EntrySize)
	return err
}

// Lookup scans linearly for name, per §4.4.
func (d *Dir) Lookup(ctx context.Context, name string) (block.Sector, bool) {
	n := d.entryCount()
	for i := int64(0); i < n; i++ {
		e, err := d.readEntry(ctx, i)
		if err != nil {
			return 0, false
		}
		if e.inUse && e.name == name {
			return e.child, true
		}
	}
	return 0, false
}

// Add scans for a free slot and writes an entry there, appending a new
// slot (growing the directory file) if none is free.
func (d *Dir) Add(ctx context.Context, name string, child block.Sector) error {
	if len(name) > MaxNameLength {
		return ErrNameTooLong
	}
	if _, ok := d.Lookup(ctx, name); ok {
		return ErrExists
	}

	n := d.entryCount()
	for i := int64(0); i < n; i++ {
		e, err := d.readEntry(ctx, i)
		if err != nil {
			return err
		}
		if !e.inUse {
			return d.writeEntry(ctx, i, entry{inUse: true, name: name, child: child})
		}
	}
	return d.writeEntry(ctx, n, entry{inUse: true, name: name, child: child})
}

// Remove marks name's slot unused and removes the child inode. Removing
// a non-empty directory, or the root, fails (§4.4).
func (d *Dir) Remove(ctx context.Context, table *inode.Table, name string) error {
	n := d.entryCount()
	for i := int64(0); i < n; i++ {
		e, err := d.readEntry(ctx, i)
		if err != nil {
			return err
		}
		if !e.inUse || e.name != name {
			continue
		}

		if e.child == block.RootDirSector {
			return ErrRemoveRoot
		}

		child, err := table.Open(ctx, e.child)
		if err != nil {
			return err
		}
		if child.IsDir() {
			childDir := &Dir{n: child}
			if childDir.entryCount() > 0 {
				if empty, err := childDir.isEmpty(ctx); err != nil {
					child.Close(ctx)
					return err
				} else if !empty {
					child.Close(ctx)
					return ErrNotEmpty
				}
			}
		}

		if err := d.writeEntry(ctx, i, entry{}); err != nil {
			child.Close(ctx)
			return err
		}
		child.MarkRemoved()
		return child.Close(ctx)
	}
	return ErrNotFound
}

func (d *Dir) isEmpty(ctx context.Context) (bool, error) {
	n := d.entryCount()
	for i := int64(0); i < n; i++ {
		e, err := d.readEntry(ctx, i)
		if err != nil {
			return false, err
		}
		if e.inUse {
			return false, nil
		}
	}
	return true, nil
}

// Readdir returns the next in-use entry name at or after the handle's
// cursor, advancing the cursor past it, or ("", false) at the end.
func (h *Handle) Readdir(ctx context.Context) (string, bool) {
	n := h.Dir.entryCount()
	for int64(h.Pos) < n {
		e, err := h.Dir.readEntry(ctx, int64(h.Pos))
		h.Pos++
		if err != nil {
			return "", false
		}
		if e.inUse {
			return e.name, true
		}
	}
	return "", false
}
