// Command pintosd boots the kernel's filesystem and virtual memory
// subsystems against two block devices and waits for halt (§6).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pintosgo/kernel/block"
	kernelfs "github.com/pintosgo/kernel/fs"
	pintossyscall "github.com/pintosgo/kernel/syscall"
	"github.com/pintosgo/kernel/swap"
	"github.com/pintosgo/kernel/vm"
)

const (
	// defaultFSSectors must stay within the single-sector free map's
	// reach (block.SectorSize*8 == 4096 sectors, a 2 MiB device); see
	// block.FormatFreeMap.
	defaultFSSectors   = 4096
	defaultSwapSectors = 2048
)

func main() {
	format := flag.Bool("format", false, "create a fresh free map and root directory before mounting")
	fsDevice := flag.String("fsdevice", "fs.img", "path to the filesystem block device")
	swapDevice := flag.String("swapdevice", "swap.img", "path to the swap block device")
	cacheSize := flag.Int("cachesize", block.DefaultCapacity, "block cache capacity in sectors")
	frames := flag.Int("frames", 256, "number of physical frames in the simulated page pool")
	flag.Parse()

	if err := run(*format, *fsDevice, *swapDevice, *cacheSize, *frames); err != nil {
		log.Fatal(err)
	}
}

func run(format bool, fsDevicePath, swapDevicePath string, cacheSize, frames int) error {
	ctx := context.Background()

	fsDev, err := block.Open(block.RoleFilesystem, fsDevicePath, defaultFSSectors)
	if err != nil {
		return fmt.Errorf("pintosd: open filesystem device: %w", err)
	}
	cache := block.NewCache(fsDev, block.WithTick(block.DefaultTick), block.WithCapacity(cacheSize))

	var fsys *kernelfs.FileSystem
	if format {
		fsys, err = kernelfs.Format(ctx, fsDev, cache)
	} else {
		fsys, err = kernelfs.Boot(ctx, fsDev, cache)
	}
	if err != nil {
		return fmt.Errorf("pintosd: mount filesystem: %w", err)
	}

	swapDev, err := block.Open(block.RoleSwap, swapDevicePath, defaultSwapSectors)
	if err != nil {
		return fmt.Errorf("pintosd: open swap device: %w", err)
	}
	swapArea, err := swap.Open(swapDev)
	if err != nil {
		return fmt.Errorf("pintosd: open swap area: %w", err)
	}

	pool, err := vm.NewPool(frames)
	if err != nil {
		return fmt.Errorf("pintosd: reserve frame pool: %w", err)
	}
	frameTable := vm.NewFrameTable(pool)

	bridge := pintossyscall.NewBridge(fsys, frameTable, swapArea)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-bridge.HaltCh():
	case <-sig:
	}

	if err := fsys.Shutdown(ctx); err != nil {
		return fmt.Errorf("pintosd: shutdown filesystem: %w", err)
	}
	if err := pool.Close(); err != nil {
		return fmt.Errorf("pintosd: release frame pool: %w", err)
	}
	return swapDev.Close()
}
