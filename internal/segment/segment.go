// Package segment implements the per-replica state machine (spec §4.2) and
// the Segment Registry (spec §4.3). Each Segment serializes its own
// transitions behind a private mutex so unrelated segments never block each
// other, the same division of labor the teacher's WAL draws between the
// single writeMu (serializing mutation of shared state) and the lock-free
// snapshot reads of that state.
package segment

import (
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dreamsxin/backupd/internal/metrics"
	"github.com/dreamsxin/backupd/internal/pool"
	"github.com/dreamsxin/backupd/internal/storage"
	"github.com/dreamsxin/backupd/internal/types"
)

// State is one point in the UNINIT -> OPEN -> CLOSED -> FREED lifecycle
// (spec §3).
type State int

const (
	StateUninit State = iota
	StateOpen
	StateClosed
	StateFreed
)

func (s State) String() string {
	switch s {
	case StateUninit:
		return "uninit"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFreed:
		return "freed"
	default:
		return "unknown"
	}
}

// Segment is one master's replicated log segment, exclusively owned by the
// Registry entry that holds it (spec §9 design note: ownership replaces raw
// pointers).
type Segment struct {
	Master      types.MasterID
	Seg         types.SegmentID
	segmentSize int

	pool    *pool.Pool
	adapter storage.Adapter
	logger  log.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	state State

	buf    *pool.Buffer
	handle storage.Handle

	writeCompletion storage.Completion
	loadCompletion  storage.Completion
}

// New constructs a Segment in state UNINIT. Registry.InsertIfAbsent calls it
// and inserts the result before Open is ever called.
func New(master types.MasterID, seg types.SegmentID, segmentSize int, p *pool.Pool, adapter storage.Adapter, logger log.Logger, m *metrics.Metrics) *Segment {
	return &Segment{
		Master:      master,
		Seg:         seg,
		segmentSize: segmentSize,
		pool:        p,
		adapter:     adapter,
		logger:      logger,
		metrics:     m,
		state:       StateUninit,
	}
}

// State returns the current lifecycle state.
func (s *Segment) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open reserves a storage extent and an aligned buffer, transitioning
// UNINIT -> OPEN. It is idempotent when already OPEN (spec §9 open
// question, resolved idempotent).
func (s *Segment) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateOpen:
		return nil
	case StateClosed:
		return types.ErrSegmentClosed
	case StateFreed:
		return types.ErrSegmentFreed
	}

	h, err := s.adapter.Allocate()
	if err != nil {
		return fmt.Errorf("%w: %s", types.ErrStorageOutOfSpace, err)
	}
	buf, err := s.pool.Acquire()
	if err != nil {
		if ferr := s.adapter.Free(h); ferr != nil {
			level.Error(s.logger).Log("msg", "free extent after pool exhaustion", "err", ferr)
		}
		if s.metrics != nil {
			s.metrics.Pool.Exhausted.Inc()
		}
		return err
	}

	s.handle = h
	s.buf = buf
	s.state = StateOpen
	if s.metrics != nil {
		s.metrics.Pool.Acquires.Inc()
		s.metrics.Pool.InUse.Set(float64(s.pool.InUse()))
		s.metrics.Registry.OpenTotal.Inc()
	}
	return nil
}

// Write copies data into the buffer at offset. Per spec §9's resolution of
// the reordering open question, any write received while the segment is not
// OPEN fails with ErrSegmentNotOpen, regardless of which later state it is
// in.
func (s *Segment) Write(offset uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen {
		return types.ErrSegmentNotOpen
	}
	end := uint64(offset) + uint64(len(data))
	if end > uint64(s.segmentSize) {
		return fmt.Errorf("%w: offset %d + length %d exceeds segment size %d", types.ErrBadRequest, offset, len(data), s.segmentSize)
	}
	copy(s.buf.Bytes[offset:], data)
	return nil
}

// Close blocks until the write-through durability barrier returns, then
// drops the in-memory buffer (spec §4.2). Already-CLOSED is a no-op
// returning success without reissuing the write (S6).
func (s *Segment) Close() error {
	s.mu.Lock()
	switch s.state {
	case StateUninit:
		s.mu.Unlock()
		return types.ErrSegmentNotOpen
	case StateClosed:
		s.mu.Unlock()
		return nil
	case StateFreed:
		s.mu.Unlock()
		return types.ErrSegmentFreed
	}

	buf := s.buf
	handle := s.handle
	c, err := s.adapter.Write(handle, buf.Bytes)
	if err != nil {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.Storage.WriteErrors.Inc()
		}
		return fmt.Errorf("%w: %s", types.ErrStorageIO, err)
	}
	s.writeCompletion = c
	s.mu.Unlock()

	werr := c.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFreed {
		// free() ran concurrently and has already taken ownership of
		// releasing buf/handle once this same completion finishes.
		return nil
	}
	s.writeCompletion = nil
	if werr != nil {
		if s.metrics != nil {
			s.metrics.Storage.WriteErrors.Inc()
		}
		level.Error(s.logger).Log("msg", "segment write-through failed", "master", s.Master, "segment", s.Seg, "err", werr)
		// Segment remains OPEN so the master may retry (spec §7).
		return fmt.Errorf("%w: %s", types.ErrStorageIO, werr)
	}

	s.pool.Release(s.buf)
	s.buf = nil
	s.state = StateClosed
	if s.metrics != nil {
		s.metrics.Pool.InUse.Set(float64(s.pool.InUse()))
		s.metrics.Storage.BytesWritten.Add(float64(len(buf.Bytes)))
		s.metrics.Registry.CloseTotal.Inc()
	}
	return nil
}

// StartLoading is a hint that storage reads should be dispatched for this
// segment; GetBuffer is the actual synchronization point (spec §4.2, §4.5).
func (s *Segment) StartLoading() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateUninit:
		return types.ErrNotPersisted
	case StateOpen:
		return types.ErrStillOpen
	case StateFreed:
		return types.ErrSegmentFreed
	}
	return s.startLoadingLocked()
}

// startLoadingLocked requires s.mu held and s.state == StateClosed.
func (s *Segment) startLoadingLocked() error {
	if s.buf != nil {
		// Buffer already staged (never evicted, or a prior load completed).
		return nil
	}
	if s.loadCompletion != nil {
		// A load is already in flight.
		return nil
	}

	buf, err := s.pool.Acquire()
	if err != nil {
		if s.metrics != nil {
			s.metrics.Pool.Exhausted.Inc()
		}
		return err
	}
	c, err := s.adapter.Read(s.handle, buf.Bytes)
	if err != nil {
		s.pool.Release(buf)
		if s.metrics != nil {
			s.metrics.Storage.ReadErrors.Inc()
		}
		return fmt.Errorf("%w: %s", types.ErrStorageIO, err)
	}
	s.buf = buf
	s.loadCompletion = c
	if s.metrics != nil {
		s.metrics.Pool.InUse.Set(float64(s.pool.InUse()))
	}
	return nil
}

// GetBuffer blocks until the segment's buffer is available: immediately if
// OPEN, or after any in-flight load completes if CLOSED. If no load is in
// flight and the buffer has been evicted, it starts one itself (StartLoading
// is only ever a hint).
func (s *Segment) GetBuffer() (*pool.Buffer, error) {
	s.mu.Lock()
	switch s.state {
	case StateUninit:
		s.mu.Unlock()
		return nil, types.ErrSegmentNotOpen
	case StateFreed:
		s.mu.Unlock()
		return nil, types.ErrSegmentFreed
	case StateOpen:
		buf := s.buf
		s.mu.Unlock()
		return buf, nil
	}

	// StateClosed.
	if s.buf == nil && s.loadCompletion == nil {
		if err := s.startLoadingLocked(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	completion := s.loadCompletion
	s.mu.Unlock()

	if completion != nil {
		if err := completion.Wait(); err != nil {
			if s.metrics != nil {
				s.metrics.Storage.ReadErrors.Inc()
			}
			return nil, fmt.Errorf("%w: %s", types.ErrStorageIO, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFreed {
		return nil, types.ErrSegmentFreed
	}
	s.loadCompletion = nil
	return s.buf, nil
}

// Free transitions the segment to FREED from any prior state, draining any
// in-flight write-through before releasing its buffer and storage extent,
// the same wait-then-release ordering the teacher's WAL.Close() uses on its
// writeMu. By the time Free returns, the buffer is back in the pool and the
// extent is back in the storage adapter's free list: pool.inUse() and
// registry.count() observe the released state immediately, not eventually
// (spec §4.1 invariant 2).
func (s *Segment) Free() error {
	s.mu.Lock()
	if s.state == StateFreed {
		s.mu.Unlock()
		return nil
	}

	buf := s.buf
	handle := s.handle
	pendingWrite := s.writeCompletion

	s.state = StateFreed
	s.buf = nil
	s.handle = nil
	s.writeCompletion = nil
	s.loadCompletion = nil
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.Registry.FreeTotal.Inc()
	}

	if pendingWrite != nil {
		if err := pendingWrite.Wait(); err != nil {
			level.Error(s.logger).Log("msg", "write-through failed for segment freed mid-close", "master", s.Master, "segment", s.Seg, "err", err)
		}
	}
	if buf != nil {
		s.pool.Release(buf)
		if s.metrics != nil {
			s.metrics.Pool.InUse.Set(float64(s.pool.InUse()))
		}
	}
	if handle != nil {
		if err := s.adapter.Free(handle); err != nil {
			level.Error(s.logger).Log("msg", "free storage extent", "master", s.Master, "segment", s.Seg, "err", err)
		}
	}
	return nil
}
