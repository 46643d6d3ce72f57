package storage

import (
	"sync"

	"github.com/dreamsxin/backupd/internal/types"
)

type memHandle struct{ hid uint64 }

func (h memHandle) id() uint64 { return h.hid }

// MemoryAdapter is an in-memory Adapter backend, used by tests and by the
// in-memory recovery-path exercises in spec §8. It has no capacity limit
// beyond process memory.
type MemoryAdapter struct {
	segmentSize int

	mu      sync.Mutex
	nextID  uint64
	extents map[uint64][]byte
}

// NewMemoryAdapter constructs a MemoryAdapter for extents of segmentSize
// bytes.
func NewMemoryAdapter(segmentSize int) *MemoryAdapter {
	return &MemoryAdapter{
		segmentSize: segmentSize,
		extents:     make(map[uint64][]byte),
	}
}

func (a *MemoryAdapter) SegmentSize() int { return a.segmentSize }

func (a *MemoryAdapter) Allocate() (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := a.nextID
	a.extents[id] = make([]byte, a.segmentSize)
	return memHandle{hid: id}, nil
}

func (a *MemoryAdapter) Write(h Handle, buf []byte) (Completion, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ext, ok := a.extents[h.id()]
	if !ok {
		return nil, types.ErrStorageIO
	}
	n := copy(ext, buf)
	if n < len(buf) {
		return nil, types.ErrStorageIO
	}
	return Done(nil), nil
}

func (a *MemoryAdapter) Read(h Handle, buf []byte) (Completion, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ext, ok := a.extents[h.id()]
	if !ok {
		return nil, types.ErrStorageIO
	}
	copy(buf, ext)
	return Done(nil), nil
}

func (a *MemoryAdapter) Free(h Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.extents[h.id()]; !ok {
		return types.ErrStorageIO
	}
	delete(a.extents, h.id())
	return nil
}
