package segment

import (
	"sync"

	"github.com/go-kit/log"

	"github.com/dreamsxin/backupd/internal/metrics"
	"github.com/dreamsxin/backupd/internal/pool"
	"github.com/dreamsxin/backupd/internal/storage"
	"github.com/dreamsxin/backupd/internal/types"
)

// Registry is the thread-safe map (masterId, segmentId) -> *Segment (spec
// §4.3). Structural changes (insert/remove) are serialized by a single
// mutex; per-Segment state transitions are serialized independently by each
// Segment's own mutex, so concurrent ops on distinct keys never block each
// other beyond this map's own critical section.
type Registry struct {
	mu       sync.RWMutex
	segments map[types.Key]*Segment

	pool    *pool.Pool
	adapter storage.Adapter
	logger  log.Logger
	metrics *metrics.Metrics
}

// NewRegistry constructs an empty Registry. pool and adapter are shared by
// every Segment it creates.
func NewRegistry(p *pool.Pool, adapter storage.Adapter, logger log.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		segments: make(map[types.Key]*Segment),
		pool:     p,
		adapter:  adapter,
		logger:   logger,
		metrics:  m,
	}
}

// Find returns the Segment for key, or (nil, false) if absent.
func (r *Registry) Find(key types.Key) (*Segment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.segments[key]
	return s, ok
}

// InsertIfAbsent returns the existing Segment for key if present, or
// constructs one via New(master, seg, segmentSize) and inserts it.
// segmentSize is the configured cluster segment size (spec §6: "segment
// size" is a fixed, cluster-wide environment setting).
func (r *Registry) InsertIfAbsent(key types.Key, segmentSize int) *Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.segments[key]; ok {
		return s
	}
	s := New(key.Master, key.Seg, segmentSize, r.pool, r.adapter, r.logger, r.metrics)
	r.segments[key] = s
	return s
}

// Remove deletes key's entry. Called once a Segment has reached FREED (spec
// §3: "Terminal state FREED is followed by removal").
func (r *Registry) Remove(key types.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.segments, key)
}

// IterateByMaster returns a stable snapshot of every Segment belonging to
// master, copied out under the read lock so callers never observe a
// concurrent insert or delete mid-iteration (spec §4.3).
func (r *Registry) IterateByMaster(master types.MasterID) []*Segment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Segment, 0)
	for k, s := range r.segments {
		if k.Master == master {
			out = append(out, s)
		}
	}
	return out
}

// Keys returns a snapshot of every key currently in the registry, used by
// shutdown to free every live segment.
func (r *Registry) Keys() []types.Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Key, 0, len(r.segments))
	for k := range r.segments {
		out = append(out, k)
	}
	return out
}

// Len returns the total number of registry entries, for tests and metrics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.segments)
}

// CountByState returns the number of registry entries currently in each
// lifecycle state, used to publish backup_registry_segments (SPEC_FULL.md
// supplemented feature: periodic pool/registry gauges).
func (r *Registry) CountByState() map[State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[State]int, 4)
	for _, s := range r.segments {
		counts[s.State()]++
	}
	return counts
}
