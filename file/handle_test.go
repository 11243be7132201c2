package file

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pintosgo/kernel/block"
	"github.com/pintosgo/kernel/inode"
)

func newFixture(t *testing.T) (*inode.Table, *inode.Inode) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dev.img")
	dev, err := block.Open(block.RoleFilesystem, path, 256)
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

	secs, _ := fm.Allocate(1)
	if err := inode.Create(ctx, cache, fm, secs[0], 0, false, block.RootDirSector); err != nil {
		t.Fatal(err)
	}
	table := inode.NewTable(cache, fm)
	n, err := table.Open(ctx, secs[0])
	if err != nil {
		t.Fatal(err)
	}
	return table, n
}

func TestWriteSeekReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, n := newFixture(t)
	h := Open(n)
	defer h.Close(ctx)

	want := []byte("round trip payload")
	if _, err := h.Write(ctx, want); err != nil {
		t.Fatal(err)
	}
	h.Seek(0)
	got := make([]byte, len(want))
	if _, err := h.Read(ctx, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch: got %q want %q", got, want)
	}
}

func TestDenyWriteBlocksWrites(t *testing.T) {
	ctx := context.Background()
	_, n := newFixture(t)
	h := Open(n)
	defer h.Close(ctx)

	h.DenyWrite()
	written, err := h.Write(ctx, []byte("nope"))
	if err != nil || written != 0 {
		t.Fatalf("expected 0 bytes written while denied, got %d err %v", written, err)
	}
	h.AllowWrite()
	written, err = h.Write(ctx, []byte("now ok"))
	if err != nil || written != len("now ok") {
		t.Fatalf("expected write to succeed after AllowWrite, got %d err %v", written, err)
	}
}

func TestReopenSharesInodeOwnCursor(t *testing.T) {
	ctx := context.Background()
	table, n := newFixture(t)
	h1 := Open(n)
	defer h1.Close(ctx)

	h1.Write(ctx, []byte("abcdef"))
	h1.Seek(3)

	h2, err := h1.Reopen(ctx, table)
	if err != nil {
		t.Fatal(err)
	}
	defer h2.Close(ctx)

	if h2.Tell() != 0 {
		t.Fatalf("expected reopened handle to start at cursor 0, got %d", h2.Tell())
	}
	if h2.Inode() != h1.Inode() {
		t.Fatalf("expected reopened handle to share the same inode")
	}
}
