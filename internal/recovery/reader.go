package recovery

import (
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dreamsxin/backupd/internal/metrics"
	"github.com/dreamsxin/backupd/internal/segment"
	"github.com/dreamsxin/backupd/internal/types"
)

// TabletPredicate decides whether an entry falls inside a given tablet set,
// the other external collaborator named in spec §1. DefaultPredicate
// implements the rule from spec §4.5: metadata entries are always kept;
// others are kept iff (tableId, keyHash) falls in the partition.
type TabletPredicate interface {
	Keep(e types.Entry, partition types.Partition) bool
}

// DefaultPredicate is this repository's concrete TabletPredicate.
type DefaultPredicate struct{}

func (DefaultPredicate) Keep(e types.Entry, partition types.Partition) bool {
	if e.Type.IsMetadata() {
		return true
	}
	return partition.Contains(e.TableID, e.KeyHash)
}

// masterReadState remembers the partitioning and candidate segment set
// handed out by the most recent startReadingData call for one master, so
// getRecoveryData can enforce spec §5's ordering rule: "A getRecoveryData
// request that arrives before startReadingData for the same master fails
// with BadRequest."
type masterReadState struct {
	partitioning types.Partitioning
	segmentIDs   *immutable.SortedMap[uint64, struct{}]
}

// Reader implements the Recovery Reader component (spec §4.5).
type Reader struct {
	registry    *segment.Registry
	segmentSize int
	decoder     Decoder
	predicate   TabletPredicate
	logger      log.Logger
	metrics     *metrics.Metrics

	mu    sync.Mutex
	reads map[types.MasterID]*masterReadState
}

// New constructs a Reader over registry. decoder/predicate may be nil to use
// the bundled DefaultDecoder/DefaultPredicate.
func New(registry *segment.Registry, segmentSize int, decoder Decoder, predicate TabletPredicate, logger log.Logger, m *metrics.Metrics) *Reader {
	if decoder == nil {
		decoder = DefaultDecoder{}
	}
	if predicate == nil {
		predicate = DefaultPredicate{}
	}
	return &Reader{
		registry:    registry,
		segmentSize: segmentSize,
		decoder:     decoder,
		predicate:   predicate,
		logger:      logger,
		metrics:     m,
		reads:       make(map[types.MasterID]*masterReadState),
	}
}

// StartReadingData snapshots master's live segments, dispatches loads for
// each in parallel, and returns their ids without waiting for any load to
// complete (spec §4.5 steps 1-3).
func (r *Reader) StartReadingData(master types.MasterID, partitioning types.Partitioning) ([]types.SegmentID, error) {
	segs := r.registry.IterateByMaster(master)

	idx := &immutable.SortedMap[uint64, struct{}]{}
	ids := make([]types.SegmentID, 0, len(segs))
	for _, s := range segs {
		st := s.State()
		if st != segment.StateOpen && st != segment.StateClosed {
			continue
		}
		if err := s.StartLoading(); err != nil {
			// A load failing to start (pool exhaustion, storage error) is not
			// fatal to the overall recovery: getRecoveryData will surface
			// SegmentUnavailable for this one segment (spec §7).
			level.Error(r.logger).Log("msg", "failed to start segment load for recovery", "master", master, "segment", s.Seg, "err", err)
		}
		idx = idx.Set(uint64(s.Seg), struct{}{})
		ids = append(ids, s.Seg)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	r.mu.Lock()
	r.reads[master] = &masterReadState{partitioning: partitioning, segmentIDs: idx}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.Recovery.StartReads.Inc()
		r.metrics.Recovery.SegmentsReturned.Add(float64(len(ids)))
	}
	return ids, nil
}

// GetRecoveryData loads segment seg belonging to master, filters its entries
// by partitioning[partitionIndex], and returns the wire-framed kept entries
// (spec §4.5 follow-up). The bool return is the "more entries follow" flag
// from spec §6; this implementation always returns an entire segment's
// partition result in one response (segments are bounded by segmentSize),
// so it is always false.
func (r *Reader) GetRecoveryData(master types.MasterID, seg types.SegmentID, partitionIndex int) ([]byte, bool, error) {
	r.mu.Lock()
	st, ok := r.reads[master]
	r.mu.Unlock()
	if !ok {
		return nil, false, fmt.Errorf("%w: getRecoveryData before startReadingData for master %d", types.ErrBadRequest, master)
	}
	if _, ok := st.segmentIDs.Get(uint64(seg)); !ok {
		return nil, false, fmt.Errorf("%w: segment %d was not offered by startReadingData for master %d", types.ErrBadRequest, seg, master)
	}
	if partitionIndex < 0 || partitionIndex >= len(st.partitioning) {
		return nil, false, fmt.Errorf("%w: partition index %d out of range", types.ErrBadRequest, partitionIndex)
	}

	key := types.Key{Master: master, Seg: seg}
	sg, ok := r.registry.Find(key)
	if !ok {
		return nil, false, types.ErrSegmentUnavailable
	}
	if sg.State() == segment.StateFreed {
		return nil, false, types.ErrSegmentUnavailable
	}

	buf, err := sg.GetBuffer()
	if err != nil {
		// Any storage failure on a recovery read degrades to
		// SegmentUnavailable for this one segment; recovery proceeds with
		// the rest (spec §7).
		if r.metrics != nil {
			r.metrics.Storage.ReadErrors.Inc()
		}
		return nil, false, fmt.Errorf("%w: %s", types.ErrSegmentUnavailable, err)
	}

	entries, err := r.decoder.Decode(buf.Bytes)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s", types.ErrSegmentUnavailable, err)
	}

	partition := st.partitioning[partitionIndex]
	kept := make([]types.Entry, 0, len(entries))
	var dropped int
	for _, e := range entries {
		if r.predicate.Keep(e, partition) {
			kept = append(kept, e)
		} else {
			dropped++
		}
	}
	if r.metrics != nil {
		r.metrics.Recovery.EntriesKept.Add(float64(len(kept)))
		r.metrics.Recovery.EntriesDropped.Add(float64(dropped))
	}

	return EncodeFilteredEntries(kept), false, nil
}

// Forget drops a master's recorded read state so the reads map does not keep
// an entry for every master ever recovered (not part of spec's required
// surface). No handler in the dispatch surface calls it.
func (r *Reader) Forget(master types.MasterID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reads, master)
}
