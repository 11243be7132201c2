package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pintosgo/kernel/block"
	"github.com/pintosgo/kernel/directory"
	kernelfs "github.com/pintosgo/kernel/fs"
	"github.com/pintosgo/kernel/process"
	"github.com/pintosgo/kernel/swap"
	pintossyscall "github.com/pintosgo/kernel/syscall"
	"github.com/pintosgo/kernel/vm"
)

// stack mirrors what run() assembles in main.go, exposed directly so
// the scenario tests can drive the bridge without a subprocess.
type stack struct {
	ctx    context.Context
	fsDev  *block.Device
	fsys   *kernelfs.FileSystem
	ft     *vm.FrameTable
	sw     *swap.Area
	pool   *vm.Pool
	bridge *pintossyscall.Bridge
	proc   *process.Process
}

func newStack(t *testing.T, cacheSize, frames, swapSlots int) *stack {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	fsDev, err := block.Open(block.RoleFilesystem, filepath.Join(dir, "fs.img"), 2048)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { fsDev.Close() })
	cache := block.NewCache(fsDev, block.WithTick(5*time.Millisecond), block.WithCapacity(cacheSize))
	fsys, err := kernelfs.Format(ctx, fsDev, cache)
	if err != nil {
		t.Fatal(err)
	}

	swapDev, err := block.Open(block.RoleSwap, filepath.Join(dir, "swap.img"), swapSlots*swap.SectorsPerSlot)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { swapDev.Close() })
	area, err := swap.Open(swapDev)
	if err != nil {
		t.Fatal(err)
	}

	pool, err := vm.NewPool(frames)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })
	ft := vm.NewFrameTable(pool)

	bridge := pintossyscall.NewBridge(fsys, ft, area)

	rootHandle, err := directory.Reopen(ctx, fsys.Inodes, fsys.Root())
	if err != nil {
		t.Fatal(err)
	}
	proc := process.New(&directory.Handle{Dir: rootHandle}, 64*vm.PageSize)

	return &stack{ctx: ctx, fsDev: fsDev, fsys: fsys, ft: ft, sw: area, pool: pool, bridge: bridge, proc: proc}
}

func TestScenarioWriteThenFlush(t *testing.T) {
	s := newStack(t, block.DefaultCapacity, 8, 4)

	if ok, err := s.bridge.Create(s.ctx, s.proc, "greeting", 0); err != nil || !ok {
		t.Fatalf("create: ok=%v err=%v", ok, err)
	}
	fd, err := s.bridge.Open(s.ctx, s.proc, "greeting")
	if err != nil {
		t.Fatal(err)
	}
	want := []byte("hello, pintos")
	if n, err := s.bridge.Write(s.ctx, s.proc, fd, want); err != nil || n != len(want) {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	if err := s.bridge.Close(s.ctx, s.proc, fd); err != nil {
		t.Fatal(err)
	}

	if err := s.fsys.Cache.Flush(s.ctx); err != nil {
		t.Fatal(err)
	}

	fd2, err := s.bridge.Open(s.ctx, s.proc, "greeting")
	if err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(want))
	if _, err := s.bridge.Read(s.ctx, s.proc, fd2, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
	s.bridge.Close(s.ctx, s.proc, fd2)
}

func TestScenarioLargeFileGrowth(t *testing.T) {
	s := newStack(t, block.DefaultCapacity, 8, 4)

	if ok, err := s.bridge.Create(s.ctx, s.proc, "big", 0); err != nil || !ok {
		t.Fatalf("create: ok=%v err=%v", ok, err)
	}
	fd, err := s.bridge.Open(s.ctx, s.proc, "big")
	if err != nil {
		t.Fatal(err)
	}

	chunk := bytes.Repeat([]byte{0x5A}, 512)
	total := 0
	for i := 0; i < 40; i++ { // crosses the 12-direct-block boundary
		n, err := s.bridge.Write(s.ctx, s.proc, fd, chunk)
		if err != nil {
			t.Fatal(err)
		}
		total += n
	}

	size, ok := s.bridge.Filesize(s.proc, fd)
	if !ok || size != int64(total) {
		t.Fatalf("expected filesize %d, got %d ok=%v", total, size, ok)
	}
	s.bridge.Seek(s.proc, fd, 0)

	got := make([]byte, len(chunk))
	if _, err := s.bridge.Read(s.ctx, s.proc, fd, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, chunk) {
		t.Fatal("expected first chunk to round-trip after growth")
	}
	s.bridge.Close(s.ctx, s.proc, fd)
}

func TestScenarioDirectoryTree(t *testing.T) {
	s := newStack(t, block.DefaultCapacity, 8, 4)

	if ok, err := s.bridge.Mkdir(s.ctx, s.proc, "a"); err != nil || !ok {
		t.Fatalf("mkdir a: ok=%v err=%v", ok, err)
	}
	if ok, err := s.bridge.Chdir(s.ctx, s.proc, "a"); err != nil || !ok {
		t.Fatalf("chdir a: ok=%v err=%v", ok, err)
	}
	if ok, err := s.bridge.Mkdir(s.ctx, s.proc, "b"); err != nil || !ok {
		t.Fatalf("mkdir b: ok=%v err=%v", ok, err)
	}
	if ok, err := s.bridge.Create(s.ctx, s.proc, "b/leaf", 0); err != nil || !ok {
		t.Fatalf("create b/leaf: ok=%v err=%v", ok, err)
	}

	fd, err := s.bridge.Open(s.ctx, s.proc, "/a")
	if err != nil {
		t.Fatal(err)
	}
	isDir, ok := s.bridge.Isdir(s.proc, fd)
	if !ok || !isDir {
		t.Fatalf("expected /a to be a directory, isDir=%v ok=%v", isDir, ok)
	}

	names := map[string]bool{}
	for {
		name, more := s.bridge.Readdir(s.ctx, s.proc, fd)
		if !more {
			break
		}
		names[name] = true
	}
	if !names["b"] {
		t.Fatalf("expected readdir of /a to include b, got %v", names)
	}
	s.bridge.Close(s.ctx, s.proc, fd)

	if ok, err := s.bridge.Remove(s.ctx, s.proc, "b/leaf"); err != nil || !ok {
		t.Fatalf("remove b/leaf: ok=%v err=%v", ok, err)
	}
	if ok, err := s.bridge.Remove(s.ctx, s.proc, "b"); err != nil || !ok {
		t.Fatalf("remove empty b: ok=%v err=%v", ok, err)
	}
}

func TestScenarioMmapRoundTrip(t *testing.T) {
	s := newStack(t, block.DefaultCapacity, 8, 4)

	content := bytes.Repeat([]byte{0x11}, 200)
	if ok, err := s.bridge.Create(s.ctx, s.proc, "mapped", 0); err != nil || !ok {
		t.Fatalf("create: ok=%v err=%v", ok, err)
	}
	fd, err := s.bridge.Open(s.ctx, s.proc, "mapped")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.bridge.Write(s.ctx, s.proc, fd, content); err != nil {
		t.Fatal(err)
	}

	id, err := s.bridge.Mmap(s.ctx, s.proc, fd, vm.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	as := s.proc.AddressSpace()
	overwrite := bytes.Repeat([]byte{0x22}, 200)
	if err := as.WriteUser(s.ctx, s.ft, s.sw, s.pool, vm.PageSize, overwrite, false); err != nil {
		t.Fatal(err)
	}

	if err := s.bridge.Munmap(s.ctx, s.proc, id); err != nil {
		t.Fatal(err)
	}

	s.bridge.Seek(s.proc, fd, 0)
	got := make([]byte, 200)
	if _, err := s.bridge.Read(s.ctx, s.proc, fd, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, overwrite) {
		t.Fatalf("expected mmap writeback to persist, got first byte %x", got[0])
	}
	s.bridge.Close(s.ctx, s.proc, fd)
}

func TestScenarioSwapUnderPressure(t *testing.T) {
	s := newStack(t, block.DefaultCapacity, 1, 4)
	as := s.proc.AddressSpace()

	// Both pages are pre-registered (not reached via stack-growth
	// fault-in), so only the second GetFrame call evicts the first.
	pe1 := as.Table.AddAnon(vm.PageSize, true)
	as.Table.AddAnon(2*vm.PageSize, true)

	if _, err := s.ft.GetFrame(s.ctx, as, pe1, s.sw, func(mem []byte) error {
		for i := range mem {
			mem[i] = 0x77
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 1)
	if err := as.ReadUser(s.ctx, s.ft, s.sw, s.pool, 2*vm.PageSize, buf, false); err != nil {
		t.Fatal(err)
	}

	pe, ok := as.Table.Lookup(vm.PageSize)
	if !ok || pe.Present {
		t.Fatal("expected the first page to have been evicted under frame pressure")
	}
	if _, isSwap := pe.Backing.(vm.SwapBacking); !isSwap {
		t.Fatalf("expected evicted page to carry swap backing, got %T", pe.Backing)
	}
}

func TestScenarioCacheFlushOnClose(t *testing.T) {
	s := newStack(t, block.DefaultCapacity, 8, 4)

	if ok, err := s.bridge.Create(s.ctx, s.proc, "f", 0); err != nil || !ok {
		t.Fatalf("create: ok=%v err=%v", ok, err)
	}
	fd, err := s.bridge.Open(s.ctx, s.proc, "f")
	if err != nil {
		t.Fatal(err)
	}
	want := []byte("persisted on close")
	if _, err := s.bridge.Write(s.ctx, s.proc, fd, want); err != nil {
		t.Fatal(err)
	}
	if err := s.bridge.Close(s.ctx, s.proc, fd); err != nil {
		t.Fatal(err)
	}

	// A second filesystem booted on the same device, behind its own
	// empty cache, sees only what the close wrote to the device.
	freshCache := block.NewCache(s.fsDev, block.WithTick(time.Hour))
	defer freshCache.Close(s.ctx)
	fresh, err := kernelfs.Boot(s.ctx, s.fsDev, freshCache)
	if err != nil {
		t.Fatal(err)
	}
	sector, ok := fresh.Root().Lookup(s.ctx, "f")
	if !ok {
		t.Fatal("expected f in the on-device root directory after close")
	}
	n, err := fresh.Inodes.Open(s.ctx, sector)
	if err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(want))
	if _, err := n.ReadAt(s.ctx, got, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("device holds %q after close, want %q", got, want)
	}

	if err := s.fsys.Shutdown(s.ctx); err != nil {
		t.Fatal(err)
	}
}
