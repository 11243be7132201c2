// Package block provides the fixed-size sector abstraction every other
// kernel subsystem is built on: a block device contract (§6) and the
// write-back cache that sits in front of it (§4.1).
package block

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SectorSize is the fixed size of one device block.
const SectorSize = 512

// Sector addresses one 512-byte block on a device.
type Sector uint32

// SectorBytes is the payload of one sector.
type SectorBytes [SectorSize]byte

// Role names what a device is used for. Both roles are located by the
// boot flags in cmd/pintosd and never change over the life of the
// process.
type Role int

const (
	RoleFilesystem Role = iota
	RoleSwap
)

func (r Role) String() string {
	switch r {
	case RoleFilesystem:
		return "filesystem"
	case RoleSwap:
		return "swap"
	default:
		return "unknown"
	}
}

// Device is a fixed-size sector store backed by a real file. Reads and
// writes are synchronous, blocking, and atomic at sector granularity, as
// required by §6 — callers never see a torn sector.
type Device struct {
	role    Role
	path    string
	fd      int
	sectors int
}

// Open opens (creating if necessary) the backing file for path and
// truncates/extends it to hold exactly sectors sectors.
func Open(role Role, path string, sectors int) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o600)
	if err != nil {
		return nil, fmt.Errorf("block: open %s device %q: %w", role, path, err)
	}
	size := int64(sectors) * SectorSize
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("block: truncate %s device %q to %d bytes: %w", role, path, size, err)
	}
	return &Device{role: role, path: path, fd: fd, sectors: sectors}, nil
}

// Sectors reports the fixed capacity of the device.
func (d *Device) Sectors() int { return d.sectors }

// Role reports what the device is used for.
func (d *Device) Role() Role { return d.role }

func (d *Device) checkBounds(s Sector) error {
	if int(s) >= d.sectors {
		return fmt.Errorf("block: sector %d out of range (device has %d)", s, d.sectors)
	}
	return nil
}

// ReadSector reads one sector directly from the device, bypassing any
// cache. Only the block cache and the swap area call this directly.
func (d *Device) ReadSector(s Sector, out *SectorBytes) error {
	if err := d.checkBounds(s); err != nil {
		return err
	}
	n, err := unix.Pread(d.fd, out[:], int64(s)*SectorSize)
	if err != nil {
		return fmt.Errorf("block: read sector %d: %w", s, err)
	}
	if n != SectorSize {
		return fmt.Errorf("block: short read of sector %d: got %d bytes", s, n)
	}
	return nil
}

// WriteSector writes one sector directly to the device.
func (d *Device) WriteSector(s Sector, in *SectorBytes) error {
	if err := d.checkBounds(s); err != nil {
		return err
	}
	n, err := unix.Pwrite(d.fd, in[:], int64(s)*SectorSize)
	if err != nil {
		return fmt.Errorf("block: write sector %d: %w", s, err)
	}
	if n != SectorSize {
		return fmt.Errorf("block: short write of sector %d: wrote %d bytes", s, n)
	}
	return nil
}

// ReadSectors reads n consecutive sectors starting at start into out,
// which must be len(out) == n*SectorSize. Used by the swap area, which
// moves whole pages at a time rather than one sector at a time.
func (d *Device) ReadSectors(start Sector, n int, out []byte) error {
	if len(out) != n*SectorSize {
		return fmt.Errorf("block: buffer size %d does not match %d sectors", len(out), n)
	}
	if err := d.checkBounds(Sector(int(start) + n - 1)); err != nil {
		return err
	}
	read, err := unix.Pread(d.fd, out, int64(start)*SectorSize)
	if err != nil {
		return fmt.Errorf("block: read %d sectors at %d: %w", n, start, err)
	}
	if read != len(out) {
		return fmt.Errorf("block: short read at sector %d: got %d bytes", start, read)
	}
	return nil
}

// WriteSectors writes n consecutive sectors starting at start from in.
func (d *Device) WriteSectors(start Sector, n int, in []byte) error {
	if len(in) != n*SectorSize {
		return fmt.Errorf("block: buffer size %d does not match %d sectors", len(in), n)
	}
	if err := d.checkBounds(Sector(int(start) + n - 1)); err != nil {
		return err
	}
	written, err := unix.Pwrite(d.fd, in, int64(start)*SectorSize)
	if err != nil {
		return fmt.Errorf("block: write %d sectors at %d: %w", n, start, err)
	}
	if written != len(in) {
		return fmt.Errorf("block: short write at sector %d: wrote %d bytes", start, written)
	}
	return nil
}

// Sync forces the backing file's contents to stable storage.
func (d *Device) Sync() error {
	return unix.Fsync(d.fd)
}

// Close releases the underlying file descriptor. Callers must have
// already flushed any cache sitting in front of this device.
func (d *Device) Close() error {
	return unix.Close(d.fd)
}
