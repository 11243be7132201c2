// Package process holds the state a running user program owns across
// syscalls: its file descriptor table, its mmap-id table, its current
// working directory, and its address space (§6's "process-visible
// state").
package process

import (
	"context"
	"fmt"
	"sync"

	"github.com/pintosgo/kernel/directory"
	"github.com/pintosgo/kernel/file"
	"github.com/pintosgo/kernel/swap"
	"github.com/pintosgo/kernel/vm"
)

// firstUserFD mirrors the teacher's fd-table convention: 0 and 1 are
// reserved (stdin/stdout in the original; unused placeholders here),
// user file descriptors begin at 2.
const firstUserFD = 2

// Process is one running program's kernel-visible state.
type Process struct {
	mu  sync.Mutex
	fds map[int]*file.Handle
	nextFD int

	cwd *directory.Handle
	as  *vm.AddressSpace
}

// New creates a process rooted at cwd with a fresh address space whose
// stack occupies [0, stackTop].
func New(cwd *directory.Handle, stackTop uintptr) *Process {
	return &Process{
		fds:    make(map[int]*file.Handle),
		nextFD: firstUserFD,
		cwd:    cwd,
		as:     vm.NewAddressSpace(stackTop),
	}
}

func (p *Process) AddressSpace() *vm.AddressSpace { return p.as }

func (p *Process) CWD() *directory.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cwd
}

func (p *Process) SetCWD(h *directory.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cwd = h
}

// AddFile installs an open file handle and returns the fd it was
// assigned, dense-allocated starting at firstUserFD by reusing the
// lowest closed slot first (§6).
func (p *Process) AddFile(h *file.Handle) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for fd := firstUserFD; fd < p.nextFD; fd++ {
		if _, used := p.fds[fd]; !used {
			p.fds[fd] = h
			return fd
		}
	}
	fd := p.nextFD
	p.nextFD++
	p.fds[fd] = h
	return fd
}

// File returns the handle for fd, or false if fd is not open.
func (p *Process) File(fd int) (*file.Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.fds[fd]
	return h, ok
}

// CloseFile removes fd from the table and closes its handle.
func (p *Process) CloseFile(ctx context.Context, fd int) error {
	p.mu.Lock()
	h, ok := p.fds[fd]
	delete(p.fds, fd)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("process: fd %d is not open", fd)
	}
	return h.Close(ctx)
}

// Exit tears down every open file handle, the CWD handle, and finally
// the address space (which needs the system-wide frame table and swap
// area to release its resident and swapped-out pages), mirroring the
// teacher's connector shutdown ordering: user-visible resources first,
// then the shared subsystems they reference (§9).
func (p *Process) Exit(ctx context.Context, ft *vm.FrameTable, sw *swap.Area) {
	p.mu.Lock()
	fds := p.fds
	p.fds = make(map[int]*file.Handle)
	cwd := p.cwd
	p.cwd = nil
	p.mu.Unlock()

	for _, h := range fds {
		h.Close(ctx)
	}
	if cwd != nil {
		cwd.Dir.Close(ctx)
	}
	p.as.Destroy(ft, sw)
}
