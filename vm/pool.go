// Package vm implements the demand-paged virtual memory layer: the
// supplemental page table (§4.7), the frame table and eviction (§4.8),
// the page-fault handler (§4.9), and memory-mapped files (§4.10).
package vm

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// PageSize is the size of one physical page / swap slot (§3).
const PageSize = 8 * 512 // swap.SectorsPerSlot * block.SectorSize, restated to avoid an import cycle

// Pool is the simulated physical-memory slab every Frame is carved
// from: a single real anonymous mmap, so eviction and install move
// actual bytes between two real memory regions instead of pretending.
type Pool struct {
	mu       sync.Mutex
	mem      []byte
	capacity int
	free     []int
}

// NewPool reserves capacity physical pages.
func NewPool(capacity int) (*Pool, error) {
	mem, err := unix.Mmap(-1, 0, capacity*PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("vm: reserve %d-page pool: %w", capacity, err)
	}
	free := make([]int, capacity)
	for i := range free {
		free[i] = i
	}
	return &Pool{mem: mem, capacity: capacity, free: free}, nil
}

// Capacity reports the total number of frames the pool can hand out.
func (p *Pool) Capacity() int { return p.capacity }

// alloc hands out one free physical page, identified by its byte
// offset into the slab.
func (p *Pool) alloc() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, false
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return idx * PageSize, true
}

// release returns a physical page to the pool.
func (p *Pool) release(paddr int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, paddr/PageSize)
}

// Bytes returns the live memory backing the page at paddr.
func (p *Pool) Bytes(paddr int) []byte {
	return p.mem[paddr : paddr+PageSize]
}

// Close unmaps the slab.
func (p *Pool) Close() error {
	return unix.Munmap(p.mem)
}
