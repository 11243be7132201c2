package inode

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pintosgo/kernel/block"
)

func newFixture(t *testing.T, sectors int) (*block.Cache, *block.FreeMap) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dev.img")
	dev, err := block.Open(block.RoleFilesystem, path, sectors)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dev.Close() })

	fm, err := block.FormatFreeMap(dev)
	if err != nil {
		t.Fatal(err)
	}
	cache := block.NewCache(dev, block.WithTick(time.Hour))
	t.Cleanup(func() { cache.Close(context.Background()) })
	return cache, fm
}

func TestCreateOpenReadWriteRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache, fm := newFixture(t, 64)
	table := NewTable(cache, fm)

	secs, ok := fm.Allocate(1)
	if !ok {
		t.Fatal("allocate")
	}
	if err := Create(ctx, cache, fm, secs[0], 0, false, block.RootDirSector); err != nil {
		t.Fatal(err)
	}

	n, err := table.Open(ctx, secs[0])
	if err != nil {
		t.Fatal(err)
	}

	want := bytes.Repeat([]byte("A"), 1024)
	if _, err := n.WriteAt(ctx, want, 0); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 1024)
	if _, err := n.ReadAt(ctx, got, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch")
	}

	if err := n.Close(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestOneInMemoryInodePerSector(t *testing.T) {
	ctx := context.Background()
	cache, fm := newFixture(t, 64)
	table := NewTable(cache, fm)

	secs, _ := fm.Allocate(1)
	if err := Create(ctx, cache, fm, secs[0], 0, false, block.RootDirSector); err != nil {
		t.Fatal(err)
	}

	a, err := table.Open(ctx, secs[0])
	if err != nil {
		t.Fatal(err)
	}
	b, err := table.Open(ctx, secs[0])
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("expected the same in-memory inode for the same sector")
	}
	if a.OpenCount() != 2 {
		t.Fatalf("expected open count 2, got %d", a.OpenCount())
	}

	a.Close(ctx)
	if a.OpenCount() != 1 {
		t.Fatalf("expected open count 1 after one close, got %d", a.OpenCount())
	}
	b.Close(ctx)
}

func TestDenyWriteLEOpenCount(t *testing.T) {
	ctx := context.Background()
	cache, fm := newFixture(t, 64)
	table := NewTable(cache, fm)
	secs, _ := fm.Allocate(1)
	Create(ctx, cache, fm, secs[0], 0, false, block.RootDirSector)

	n, _ := table.Open(ctx, secs[0])
	n.DenyWrite()
	if n.DenyWriteCount() > n.OpenCount() {
		t.Fatalf("deny-write count %d exceeds open count %d", n.DenyWriteCount(), n.OpenCount())
	}
	n.Close(ctx)
}

func TestGrowthCrossesDirectBoundary(t *testing.T) {
	ctx := context.Background()
	cache, fm := newFixture(t, 4096)
	table := NewTable(cache, fm)
	secs, _ := fm.Allocate(1)
	Create(ctx, cache, fm, secs[0], 0, false, block.RootDirSector)
	n, _ := table.Open(ctx, secs[0])
	defer n.Close(ctx)

	off := int64(DirectPointers * block.SectorSize)
	if _, err := n.WriteAt(ctx, []byte("x"), off); err != nil {
		t.Fatalf("write crossing direct boundary failed: %v", err)
	}
	if n.Length() != off+1 {
		t.Fatalf("unexpected length %d", n.Length())
	}
}

func TestGrowthCrossesIndirectBoundary(t *testing.T) {
	ctx := context.Background()
	cache, fm := newFixture(t, 4096)
	table := NewTable(cache, fm)
	secs, _ := fm.Allocate(1)
	Create(ctx, cache, fm, secs[0], 0, false, block.RootDirSector)
	n, _ := table.Open(ctx, secs[0])
	defer n.Close(ctx)

	off := int64((DirectPointers + PointersPerBlock) * block.SectorSize)
	if _, err := n.WriteAt(ctx, []byte("x"), off); err != nil {
		t.Fatalf("write crossing indirect boundary failed: %v", err)
	}
}

func TestGrowthFailsCleanlyAtMaxFileSize(t *testing.T) {
	ctx := context.Background()
	cache, fm := newFixture(t, 4096)
	table := NewTable(cache, fm)
	secs, _ := fm.Allocate(1)
	Create(ctx, cache, fm, secs[0], 0, false, block.RootDirSector)
	n, _ := table.Open(ctx, secs[0])
	defer n.Close(ctx)

	_, err := n.WriteAt(ctx, []byte("x"), MaxFileSize)
	if err != ErrFileTooLarge {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}
}

func TestReadAtEOFAndOneByteBeforeEOF(t *testing.T) {
	ctx := context.Background()
	cache, fm := newFixture(t, 64)
	table := NewTable(cache, fm)
	secs, _ := fm.Allocate(1)
	Create(ctx, cache, fm, secs[0], 0, false, block.RootDirSector)
	n, _ := table.Open(ctx, secs[0])
	defer n.Close(ctx)

	n.WriteAt(ctx, []byte("hello"), 0)

	buf := make([]byte, 10)
	got, err := n.ReadAt(ctx, buf, 5)
	if err != nil || got != 0 {
		t.Fatalf("read at length should return 0 bytes, got %d err %v", got, err)
	}

	buf2 := make([]byte, 10)
	got2, err := n.ReadAt(ctx, buf2, 4)
	if err != nil || got2 != 1 {
		t.Fatalf("read at length-1 should return 1 byte, got %d err %v", got2, err)
	}
}

func TestRemovedInodeFreesBlocksOnClose(t *testing.T) {
	ctx := context.Background()
	cache, fm := newFixture(t, 64)
	table := NewTable(cache, fm)
	secs, _ := fm.Allocate(1)
	Create(ctx, cache, fm, secs[0], 0, false, block.RootDirSector)
	n, _ := table.Open(ctx, secs[0])
	n.WriteAt(ctx, []byte("data"), 0)
	n.MarkRemoved()

	before, _ := fm.Allocate(1)
	fm.Release(before[0], 1)

	if err := n.Close(ctx); err != nil {
		t.Fatal(err)
	}

	// The inode's own sector and its one data sector should now be free;
	// first-fit allocation hands the inode's sector out again first.
	if got, ok := fm.Allocate(1); !ok || got[0] != secs[0] {
		t.Fatalf("expected freed inode sector %d to be available, got %v ok=%v", secs[0], got, ok)
	}
}
