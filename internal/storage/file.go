package storage

import (
	"fmt"
	"os"
	"sync"

	"github.com/dreamsxin/backupd/internal/types"
)

// FileAdapter persists extents consecutively inside a single backing file,
// the same layout buildbarn/bb-storage's partitioningBlockAllocator uses for
// its local blobstore: storage is partitioned into equally sized blocks.
// Every block starts on a LIFO free list (seeded with all offsets in
// ascending order, or with the offsets recovered from MetaStore), so
// Allocate hands out the highest free offset first and the most recently
// freed block is the next one reused. Writes and reads are
// dispatched on a background goroutine so callers can overlap I/O across
// segments per spec §4.4 ("the adapter ... may batch ... but completion
// semantics must be per-request").
type FileAdapter struct {
	f           *os.File
	segmentSize int
	capacity    int

	mu          sync.Mutex
	freeOffsets []int64 // LIFO free list of byte offsets into f
	nextOffset  int64   // next never-yet-used offset
}

// OpenFileAdapter opens (creating if necessary) a backing file at path sized
// to hold capacity extents of segmentSize bytes each. free, if non-nil, is
// the set of extent offsets recovered from MetaStore that are not currently
// in use by any live segment and should seed the free list instead of
// virgin space; this is how a restarted backup avoids leaking extents whose
// owning segment was freed while the backup was down.
func OpenFileAdapter(path string, segmentSize, capacity int, free []int64) (*FileAdapter, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrStorageIO, err)
	}
	total := int64(segmentSize) * int64(capacity)
	if err := f.Truncate(total); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s", types.ErrStorageIO, err)
	}

	a := &FileAdapter{
		f:           f,
		segmentSize: segmentSize,
		capacity:    capacity,
	}
	if free != nil {
		a.freeOffsets = append(a.freeOffsets, free...)
	} else {
		for i := 0; i < capacity; i++ {
			a.freeOffsets = append(a.freeOffsets, int64(i)*int64(segmentSize))
		}
	}
	a.nextOffset = total
	return a, nil
}

func (a *FileAdapter) SegmentSize() int { return a.segmentSize }

type fileHandle struct{ offset int64 }

func (h fileHandle) id() uint64 { return uint64(h.offset) }

// Offset exposes the extent's byte offset so MetaStore can persist it.
func (h fileHandle) Offset() int64 { return h.offset }

func (a *FileAdapter) Allocate() (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.freeOffsets)
	if n == 0 {
		return nil, types.ErrStorageOutOfSpace
	}
	off := a.freeOffsets[n-1]
	a.freeOffsets = a.freeOffsets[:n-1]
	return fileHandle{offset: off}, nil
}

func (a *FileAdapter) Write(h Handle, buf []byte) (Completion, error) {
	fh, ok := h.(fileHandle)
	if !ok {
		return nil, types.ErrBadRequest
	}
	if len(buf) != a.segmentSize {
		return nil, fmt.Errorf("%w: write buffer is %d bytes, want %d", types.ErrBadRequest, len(buf), a.segmentSize)
	}
	c := newChanCompletion()
	go func() {
		_, err := a.f.WriteAt(buf, fh.offset)
		if err != nil {
			c.finish(fmt.Errorf("%w: %s", types.ErrStorageIO, err))
			return
		}
		c.finish(a.f.Sync())
	}()
	return c, nil
}

func (a *FileAdapter) Read(h Handle, buf []byte) (Completion, error) {
	fh, ok := h.(fileHandle)
	if !ok {
		return nil, types.ErrBadRequest
	}
	c := newChanCompletion()
	go func() {
		_, err := a.f.ReadAt(buf, fh.offset)
		if err != nil {
			c.finish(fmt.Errorf("%w: %s", types.ErrStorageIO, err))
			return
		}
		c.finish(nil)
	}()
	return c, nil
}

func (a *FileAdapter) Free(h Handle) error {
	fh, ok := h.(fileHandle)
	if !ok {
		return types.ErrBadRequest
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeOffsets = append(a.freeOffsets, fh.offset)
	return nil
}

// FreeOffsets returns a snapshot of the currently free extent offsets, for
// MetaStore to persist.
func (a *FileAdapter) FreeOffsets() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int64, len(a.freeOffsets))
	copy(out, a.freeOffsets)
	return out
}

// Close closes the backing file.
func (a *FileAdapter) Close() error {
	return a.f.Close()
}
