// Package pool implements the Aligned Segment Pool: a fixed-count allocator
// of page-aligned buffers sized to the cluster segment size.
//
// The free-list design is grounded on buildbarn/bb-storage's
// partitioningBlockAllocator (pkg/blobstore/local/partitioning_block_allocator.go):
// a slice of free offsets/buffers guarded by a single mutex, handed out and
// returned LIFO for cache warmth, with no zeroing on release.
package pool

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/dreamsxin/backupd/internal/types"
)

// Buffer is one pool-owned, page-aligned backing store for a segment. It is
// referenced by exactly one Segment at a time (spec §3 invariant 5).
type Buffer struct {
	// Bytes is the aligned backing slice, exactly segmentSize long.
	Bytes []byte

	pool     *Pool
	idx      int
	released bool
}

// Pool is a fixed-capacity allocator of aligned buffers. Safe for concurrent
// Acquire/Release.
type Pool struct {
	segmentSize int
	alignment   int

	mu        sync.Mutex
	buffers   []*Buffer // all buffers owned by this pool, indexed by idx
	freeStack []int     // indexes of free buffers, LIFO
}

// New allocates capacity buffers of segmentSize bytes, aligned to alignment
// bytes (the block device's direct-I/O alignment; pass 0 to default to the
// OS page size).
func New(capacity, segmentSize, alignment int) (*Pool, error) {
	if capacity <= 0 {
		return nil, types.ErrPoolExhausted
	}
	if alignment <= 0 {
		alignment = unix.Getpagesize()
	}

	p := &Pool{
		segmentSize: segmentSize,
		alignment:   alignment,
		buffers:     make([]*Buffer, capacity),
		freeStack:   make([]int, 0, capacity),
	}
	for i := 0; i < capacity; i++ {
		b := &Buffer{
			Bytes: alignedAlloc(segmentSize, alignment),
			pool:  p,
			idx:   i,
		}
		p.buffers[i] = b
		p.freeStack = append(p.freeStack, i)
	}
	return p, nil
}

// alignedAlloc returns a slice of size bytes whose address is a multiple of
// alignment, by over-allocating and slicing to the first aligned offset.
// Direct I/O requires this; ordinary make([]byte, n) gives no such guarantee.
func alignedAlloc(size, alignment int) []byte {
	buf := make([]byte, size+alignment)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	offset := (alignment - int(addr%uintptr(alignment))) % alignment
	return buf[offset : offset+size : offset+size]
}

// Capacity returns the pool's fixed buffer count.
func (p *Pool) Capacity() int {
	return len(p.buffers)
}

// InUse returns the number of buffers currently checked out.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers) - len(p.freeStack)
}

// Acquire checks out a buffer, or returns ErrPoolExhausted if none is free.
// Buffer contents are not zeroed across acquisitions; callers must not rely
// on prior contents.
func (p *Pool) Acquire() (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.freeStack)
	if n == 0 {
		return nil, types.ErrPoolExhausted
	}
	idx := p.freeStack[n-1]
	p.freeStack = p.freeStack[:n-1]
	b := p.buffers[idx]
	b.released = false
	return b, nil
}

// Release returns a buffer to the free list. Releasing a buffer not owned by
// this pool, or double-releasing, panics: both are programmer errors in the
// Segment state machine, not operational failures.
func (p *Pool) Release(b *Buffer) {
	if b == nil {
		return
	}
	if b.pool != p {
		panic("pool: release of buffer from a different pool")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if b.released {
		panic("pool: double release of buffer")
	}
	b.released = true
	p.freeStack = append(p.freeStack, b.idx)
}
