package directory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pintosgo/kernel/block"
	"github.com/pintosgo/kernel/inode"
)

type fixture struct {
	cache *block.Cache
	fm    *block.FreeMap
	table *inode.Table
	root  *Dir
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dev.img")
	dev, err := block.Open(block.RoleFilesystem, path, 4096)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dev.Close() })

	fm, err := block.FormatFreeMap(dev)
	if err != nil {
		t.Fatal(err)
	}
	cache := block.NewCache(dev, block.WithTick(time.Hour))
	t.Cleanup(func() { cache.Close(ctx) })

	if err := Create(ctx, cache, fm, block.RootDirSector, 16, block.RootDirSector); err != nil {
		t.Fatal(err)
	}
	table := inode.NewTable(cache, fm)
	root, err := Open(ctx, table, block.RootDirSector)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{cache: cache, fm: fm, table: table, root: root}
}

func (f *fixture) mkdir(t *testing.T, parent *Dir, name string) (*Dir, block.Sector) {
	t.Helper()
	ctx := context.Background()
	secs, ok := f.fm.Allocate(1)
	if !ok {
		t.Fatal("allocate")
	}
	if err := Create(ctx, f.cache, f.fm, secs[0], 8, parent.Inode().Sector()); err != nil {
		t.Fatal(err)
	}
	if err := parent.Add(ctx, name, secs[0]); err != nil {
		t.Fatal(err)
	}
	d, err := Open(ctx, f.table, secs[0])
	if err != nil {
		t.Fatal(err)
	}
	return d, secs[0]
}

func TestMkdirTreeAndReaddir(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, _ := f.mkdir(t, f.root, "a")
	b, _ := f.mkdir(t, a, "b")
	_ = b

	found := false
	h := &Handle{Dir: f.root}
	for {
		name, ok := h.Readdir(ctx)
		if !ok {
			break
		}
		if name == "a" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected to find \"a\" in root")
	}

	dir, leaf, err := Resolve(ctx, f.table, f.root, f.root, "/a/b")
	if err != nil {
		t.Fatal(err)
	}
	if dir.Inode().Sector() != a.Inode().Sector() {
		t.Fatalf("expected resolve to stop at a's directory")
	}
	if leaf != "b" {
		t.Fatalf("expected leaf \"b\", got %q", leaf)
	}
}

func TestRemoveEmptyDirectorySucceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, _ := f.mkdir(t, f.root, "a")
	defer a.Close(ctx)

	if err := f.root.Remove(ctx, f.table, "a"); err != nil {
		t.Fatalf("expected removing empty dir a to succeed, got %v", err)
	}
}

func TestRemoveRootSectorGuard(t *testing.T) {
	// Defense in depth: Dir.Remove refuses to remove a child entry
	// naming the root sector, even though ordinary trees never create
	// such an entry (the root has no parent-side name). The syscall
	// bridge's Remove rejects path "/" one layer up, before any entry
	// lookup, since "/" resolves to a directory with no leaf name.
	ctx := context.Background()
	f := newFixture(t)
	if err := f.root.Add(ctx, "loop", block.RootDirSector); err != nil {
		t.Fatal(err)
	}
	if err := f.root.Remove(ctx, f.table, "loop"); err != ErrRemoveRoot {
		t.Fatalf("expected ErrRemoveRoot, got %v", err)
	}
}

func TestRemoveNonEmptyDirectoryFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, _ := f.mkdir(t, f.root, "a")
	b, _ := f.mkdir(t, a, "b")
	defer b.Close(ctx)
	defer a.Close(ctx)

	if err := f.root.Remove(ctx, f.table, "a"); err != ErrNotEmpty {
		t.Fatalf("expected ErrNotEmpty, got %v", err)
	}

	if err := a.Remove(ctx, f.table, "b"); err != nil {
		t.Fatalf("removing b should succeed: %v", err)
	}
	if err := f.root.Remove(ctx, f.table, "a"); err != nil {
		t.Fatalf("removing now-empty a should succeed: %v", err)
	}
}
