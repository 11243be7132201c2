// Package file implements the file-handle layer (§4.5): an inode
// wrapped with a byte cursor and deny-write bit.
package file

import (
	"context"

	"github.com/pintosgo/kernel/inode"
)

// Handle is a file handle. Multiple handles per inode are permitted
// (§3); each one wraps the same *inode.Inode but keeps its own cursor.
type Handle struct {
	n      *inode.Inode
	pos    int64
	denied bool
}

// Open wraps an already-open inode in a new handle, owning one reopen
// of it per §4.5 ("each handle acquired via filesys_open owns an inode
// reopen" — callers pass an inode whose open count they have already
// bumped via inode.Table.Open).
func Open(n *inode.Inode) *Handle {
	return &Handle{n: n}
}

func (h *Handle) Inode() *inode.Inode { return h.n }

// Read reads len(p) bytes starting at the cursor, advancing it by the
// number of bytes actually read.
func (h *Handle) Read(ctx context.Context, p []byte) (int, error) {
	n, err := h.n.ReadAt(ctx, p, h.pos)
	h.pos += int64(n)
	return n, err
}

// Write writes len(p) bytes starting at the cursor, advancing it and
// growing the file if needed (§4.3). While deny-write is in effect it
// writes zero bytes without error, per §4.5.
func (h *Handle) Write(ctx context.Context, p []byte) (int, error) {
	if h.denied || h.n.WriteDenied() {
		return 0, nil
	}
	n, err := h.n.WriteAt(ctx, p, h.pos)
	h.pos += int64(n)
	return n, err
}

// Seek repositions the cursor. Pintos seeks are unchecked: seeking past
// EOF is legal and simply makes the next read return 0 bytes until a
// write grows the file.
func (h *Handle) Seek(pos int64) { h.pos = pos }

func (h *Handle) Tell() int64 { return h.pos }

// DenyWrite increments the inode's deny-write counter; AllowWrite
// releases this handle's share of it. While the counter is positive,
// writes through any handle on the inode return zero bytes (§4.5, §7).
func (h *Handle) DenyWrite() {
	if h.denied {
		return
	}
	h.denied = true
	h.n.DenyWrite()
}

func (h *Handle) AllowWrite() {
	if !h.denied {
		return
	}
	h.denied = false
	h.n.AllowWrite()
}

// Close releases this handle's reopen of the inode.
func (h *Handle) Close(ctx context.Context) error {
	h.AllowWrite()
	return h.n.Close(ctx)
}

// Reopen returns a new handle over the same inode, with its own cursor
// starting at 0 and its own reopen of the inode, mirroring the file
// reopen used by mmap (§4.10) and CWD reopen at fork/exec (§4.4).
func (h *Handle) Reopen(ctx context.Context, table *inode.Table) (*Handle, error) {
	n, err := table.Open(ctx, h.n.Sector())
	if err != nil {
		return nil, err
	}
	return Open(n), nil
}
