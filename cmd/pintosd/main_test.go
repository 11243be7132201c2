package main

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/pintosgo/kernel/block"
)

// TestRunWithCLIDefaults boots with exactly the flag defaults declared in
// main() (cachesize, frames) against devices sized to defaultFSSectors /
// defaultSwapSectors, the one production code path none of the package
// tests otherwise exercise. It would have caught defaultFSSectors
// exceeding the single-sector free map's 4096-sector reach.
func TestRunWithCLIDefaults(t *testing.T) {
	dir := t.TempDir()
	fsPath := filepath.Join(dir, "fs.img")
	swapPath := filepath.Join(dir, "swap.img")

	done := make(chan error, 1)
	go func() {
		done <- run(true, fsPath, swapPath, block.DefaultCapacity, 256)
	}()

	// Give run() time to reach its signal.Notify registration before
	// delivering SIGTERM, then ask it to halt exactly as an operator
	// would with ctrl-C.
	time.Sleep(50 * time.Millisecond)
	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run with CLI defaults: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not shut down after SIGTERM")
	}
}
