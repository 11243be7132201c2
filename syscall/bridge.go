// Package syscall is the kernel-side half of the syscall boundary: a
// demultiplexer over already-validated Go values, with no trap-frame or
// user-pointer handling (that ABI layer is explicitly out of scope,
// §1). Each method corresponds to one Pintos syscall and delegates to
// fs, vm, and process.
package syscall

import (
	"context"
	"errors"
	"sync"

	"github.com/pintosgo/kernel/block"
	"github.com/pintosgo/kernel/directory"
	"github.com/pintosgo/kernel/file"
	"github.com/pintosgo/kernel/fs"
	"github.com/pintosgo/kernel/inode"
	"github.com/pintosgo/kernel/process"
	"github.com/pintosgo/kernel/swap"
	"github.com/pintosgo/kernel/vm"
)

// ErrNotSupported marks syscalls this kernel simulation does not
// implement because they require a scheduler or multi-process loader,
// both named out of scope in §1 (process creation/forking).
var ErrNotSupported = errors.New("syscall: not supported in this build")

// ErrBadFD is returned for an unknown or unusable file descriptor.
var ErrBadFD = errors.New("syscall: bad file descriptor")

// Bridge is the single demultiplexer shared by every process, wired
// against one assembled filesystem and one virtual-memory subsystem.
type Bridge struct {
	fsys *fs.FileSystem
	ft   *vm.FrameTable
	sw   *swap.Area

	haltOnce sync.Once
	haltCh   chan struct{}
}

// NewBridge wires a syscall demultiplexer against an already-booted
// filesystem and virtual memory subsystem.
func NewBridge(fsys *fs.FileSystem, ft *vm.FrameTable, sw *swap.Area) *Bridge {
	return &Bridge{fsys: fsys, ft: ft, sw: sw, haltCh: make(chan struct{})}
}

// Halt requests kernel shutdown; HaltCh is closed exactly once.
func (b *Bridge) Halt() {
	b.haltOnce.Do(func() { close(b.haltCh) })
}

// HaltCh is closed once Halt has been called, for cmd/pintosd's main
// loop to wait on.
func (b *Bridge) HaltCh() <-chan struct{} { return b.haltCh }

// Exit tears process p down (closing its files, CWD, and address
// space) and returns code unchanged, for the caller to report onward.
func (b *Bridge) Exit(ctx context.Context, p *process.Process, code int) int {
	p.Exit(ctx, b.ft, b.sw)
	return code
}

// Exec and Wait require spawning and scheduling a second process,
// which this kernel simulation does not implement (§1's non-goals
// exclude the scheduler); both are contract-only stubs.
func (b *Bridge) Exec(ctx context.Context, p *process.Process, cmdline string) (int, error) {
	return -1, ErrNotSupported
}

func (b *Bridge) Wait(ctx context.Context, p *process.Process, pid int) (int, error) {
	return -1, ErrNotSupported
}

// resolve walks path from p's CWD, returning the directory the final
// component lives in and that component's name.
func (b *Bridge) resolve(ctx context.Context, p *process.Process, path string) (*directory.Dir, string, error) {
	return directory.Resolve(ctx, b.fsys.Inodes, b.fsys.Root(), p.CWD().Dir, path)
}

// leafSector resolves leaf, the terminal path component Resolve always
// returns unexamined (§4.4), to the inode sector it names. "." and ".."
// never appear as stored 32-byte directory entries, so a plain
// dir.Lookup can never match them; they are special-cased here the same
// way filesys_open special-cases strcmp(name, ".") in the original
// kernel, with ".." resolved via dir's own parent pointer.
func (b *Bridge) leafSector(ctx context.Context, dir *directory.Dir, leaf string) (block.Sector, bool) {
	switch leaf {
	case ".":
		return dir.Inode().Sector(), true
	case "..":
		if dir.Inode().Sector() == b.fsys.Root().Inode().Sector() {
			return dir.Inode().Sector(), true
		}
		return dir.Inode().Parent(), true
	default:
		return dir.Lookup(ctx, leaf)
	}
}

// closeResolved releases dir if resolve opened a fresh handle for it,
// leaving the shared root/cwd handles untouched.
func (b *Bridge) closeResolved(ctx context.Context, p *process.Process, dir *directory.Dir) {
	if dir == b.fsys.Root() {
		return
	}
	if cwd := p.CWD(); cwd != nil && dir == cwd.Dir {
		return
	}
	dir.Close(ctx)
}

// Create makes a new regular file named by path, initialSize bytes
// long and zero-filled.
func (b *Bridge) Create(ctx context.Context, p *process.Process, path string, initialSize int64) (bool, error) {
	b.fsys.Lock()
	defer b.fsys.Unlock()

	dir, leaf, err := b.resolve(ctx, p, path)
	if err != nil {
		return false, err
	}
	defer b.closeResolved(ctx, p, dir)

	if leaf == "" {
		return false, directory.ErrExists
	}
	if leaf == "." || leaf == ".." {
		return false, directory.ErrDotName
	}
	secs, ok := b.fsys.FreeMap.Allocate(1)
	if !ok {
		return false, inode.ErrNoSpace
	}
	if err := inode.Create(ctx, b.fsys.Cache, b.fsys.FreeMap, secs[0], initialSize, false, dir.Inode().Sector()); err != nil {
		return false, err
	}
	if err := dir.Add(ctx, leaf, secs[0]); err != nil {
		b.fsys.FreeMap.Release(secs[0], 1)
		return false, err
	}
	return true, nil
}

// Remove deletes the file or empty directory named by path. Bare root
// removal is rejected here, before any entry lookup, mirroring the
// guard directory.Dir.Remove also carries for entries that happen to
// point at the root sector (§4.4).
func (b *Bridge) Remove(ctx context.Context, p *process.Process, path string) (bool, error) {
	if path == "/" {
		return false, directory.ErrRemoveRoot
	}

	b.fsys.Lock()
	defer b.fsys.Unlock()

	dir, leaf, err := b.resolve(ctx, p, path)
	if err != nil {
		return false, err
	}
	defer b.closeResolved(ctx, p, dir)

	if leaf == "" {
		return false, directory.ErrRemoveRoot
	}
	if leaf == "." || leaf == ".." {
		return false, directory.ErrDotName
	}
	if err := dir.Remove(ctx, b.fsys.Inodes, leaf); err != nil {
		return false, err
	}
	return true, nil
}

// Open opens the file or directory named by path and returns a fresh
// fd for it.
func (b *Bridge) Open(ctx context.Context, p *process.Process, path string) (int, error) {
	b.fsys.Lock()
	defer b.fsys.Unlock()

	dir, leaf, err := b.resolve(ctx, p, path)
	if err != nil {
		return -1, err
	}
	defer b.closeResolved(ctx, p, dir)

	sector := dir.Inode().Sector()
	if leaf != "" {
		var ok bool
		sector, ok = b.leafSector(ctx, dir, leaf)
		if !ok {
			return -1, directory.ErrNotFound
		}
	}
	n, err := b.fsys.Inodes.Open(ctx, sector)
	if err != nil {
		return -1, err
	}
	return p.AddFile(file.Open(n)), nil
}

// Filesize returns fd's inode length.
func (b *Bridge) Filesize(p *process.Process, fd int) (int64, bool) {
	h, ok := p.File(fd)
	if !ok {
		return 0, false
	}
	return h.Inode().Length(), true
}

// Read reads into buf from fd at its current cursor. Console input
// (fd 0) has no device behind it in this build and is rejected.
func (b *Bridge) Read(ctx context.Context, p *process.Process, fd int, buf []byte) (int, error) {
	if fd == 0 || fd == 1 {
		return 0, ErrBadFD
	}
	h, ok := p.File(fd)
	if !ok {
		return 0, ErrBadFD
	}
	return h.Read(ctx, buf)
}

// Write writes buf to fd at its current cursor. Console output (fd 1)
// has no device behind it in this build and is rejected.
func (b *Bridge) Write(ctx context.Context, p *process.Process, fd int, buf []byte) (int, error) {
	if fd == 0 || fd == 1 {
		return 0, ErrBadFD
	}
	h, ok := p.File(fd)
	if !ok {
		return 0, ErrBadFD
	}
	return h.Write(ctx, buf)
}

func (b *Bridge) Seek(p *process.Process, fd int, pos int64) bool {
	h, ok := p.File(fd)
	if !ok {
		return false
	}
	h.Seek(pos)
	return true
}

func (b *Bridge) Tell(p *process.Process, fd int) (int64, bool) {
	h, ok := p.File(fd)
	if !ok {
		return 0, false
	}
	return h.Tell(), true
}

func (b *Bridge) Close(ctx context.Context, p *process.Process, fd int) error {
	return p.CloseFile(ctx, fd)
}

// Mmap maps fd's full contents into p's address space at addr, via a
// dedicated file_reopen so the mapping's lifetime is independent of
// fd's (§4.10).
func (b *Bridge) Mmap(ctx context.Context, p *process.Process, fd int, addr uintptr) (vm.MmapID, error) {
	h, ok := p.File(fd)
	if !ok {
		return 0, ErrBadFD
	}
	reopened, err := h.Reopen(ctx, b.fsys.Inodes)
	if err != nil {
		return 0, err
	}
	id, err := p.AddressSpace().Mmap(ctx, b.ft, b.sw, reopened, addr)
	if err != nil {
		reopened.Close(ctx)
		return 0, err
	}
	return id, nil
}

func (b *Bridge) Munmap(ctx context.Context, p *process.Process, id vm.MmapID) error {
	return p.AddressSpace().Munmap(ctx, b.ft, id)
}

// Chdir changes p's current working directory.
func (b *Bridge) Chdir(ctx context.Context, p *process.Process, path string) (bool, error) {
	b.fsys.Lock()
	defer b.fsys.Unlock()

	dir, leaf, err := b.resolve(ctx, p, path)
	if err != nil {
		return false, err
	}

	target := dir
	if leaf != "" {
		sector, ok := b.leafSector(ctx, dir, leaf)
		if !ok {
			b.closeResolved(ctx, p, dir)
			return false, directory.ErrNotFound
		}
		child, err := directory.Open(ctx, b.fsys.Inodes, sector)
		if err != nil {
			b.closeResolved(ctx, p, dir)
			return false, err
		}
		if !child.Inode().IsDir() {
			child.Close(ctx)
			b.closeResolved(ctx, p, dir)
			return false, directory.ErrNotADirectory
		}
		target = child
	}

	newCWD, err := directory.Reopen(ctx, b.fsys.Inodes, target)
	if target != dir {
		target.Close(ctx)
	}
	b.closeResolved(ctx, p, dir)
	if err != nil {
		return false, err
	}

	old := p.CWD()
	p.SetCWD(&directory.Handle{Dir: newCWD})
	if old != nil {
		old.Dir.Close(ctx)
	}
	return true, nil
}

// Mkdir creates an empty directory named by path, with room for
// mkdirEntries entries before it must grow.
const mkdirEntries = 4

func (b *Bridge) Mkdir(ctx context.Context, p *process.Process, path string) (bool, error) {
	b.fsys.Lock()
	defer b.fsys.Unlock()

	dir, leaf, err := b.resolve(ctx, p, path)
	if err != nil {
		return false, err
	}
	defer b.closeResolved(ctx, p, dir)

	if leaf == "" {
		return false, directory.ErrExists
	}
	if leaf == "." || leaf == ".." {
		return false, directory.ErrDotName
	}
	secs, ok := b.fsys.FreeMap.Allocate(1)
	if !ok {
		return false, inode.ErrNoSpace
	}
	if err := directory.Create(ctx, b.fsys.Cache, b.fsys.FreeMap, secs[0], mkdirEntries, dir.Inode().Sector()); err != nil {
		return false, err
	}
	if err := dir.Add(ctx, leaf, secs[0]); err != nil {
		b.fsys.FreeMap.Release(secs[0], 1)
		return false, err
	}
	return true, nil
}

// Readdir returns the next entry name in the directory open at fd,
// advancing its cursor, treated as an entry index for directory fds
// (§4.5's polymorphic handle note).
func (b *Bridge) Readdir(ctx context.Context, p *process.Process, fd int) (string, bool) {
	h, ok := p.File(fd)
	if !ok || !h.Inode().IsDir() {
		return "", false
	}
	dh := directory.Handle{Dir: directory.FromInode(h.Inode()), Pos: int(h.Tell())}
	name, found := dh.Readdir(ctx)
	h.Seek(int64(dh.Pos))
	return name, found
}

func (b *Bridge) Isdir(p *process.Process, fd int) (bool, bool) {
	h, ok := p.File(fd)
	if !ok {
		return false, false
	}
	return h.Inode().IsDir(), true
}

// Inumber returns the sector backing fd, Pintos's stand-in for an
// inode number.
func (b *Bridge) Inumber(p *process.Process, fd int) (int, bool) {
	h, ok := p.File(fd)
	if !ok {
		return 0, false
	}
	return int(h.Inode().Sector()), true
}
