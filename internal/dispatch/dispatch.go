// Package dispatch is the Dispatch Surface (spec §4, §6): typed request
// handlers for OpenSegment, WriteSegment, CloseSegment, FreeSegment,
// StartReadingData and GetRecoveryData, routing to the Segment Registry and
// Recovery Reader. RPC transport framing itself is out of scope (spec §1);
// Dispatcher only needs a decoded request struct and returns a response
// struct plus a Status.
package dispatch

import (
	"errors"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dreamsxin/backupd/internal/metrics"
	"github.com/dreamsxin/backupd/internal/recovery"
	"github.com/dreamsxin/backupd/internal/segment"
	"github.com/dreamsxin/backupd/internal/types"
)

// Status is the RPC status code from spec §6: 0 = OK, non-zero taxonomy
// from spec §7.
type Status int

const (
	StatusOK Status = iota
	StatusBadRequest
	StatusSegmentAlreadyOpen
	StatusSegmentNotOpen
	StatusSegmentAlreadyClosed
	StatusSegmentFreed
	StatusSegmentUnavailable
	StatusPoolExhausted
	StatusStorageOutOfSpace
	StatusStorageIOError
	StatusTransient
	StatusInternal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBadRequest:
		return "bad_request"
	case StatusSegmentAlreadyOpen:
		return "segment_already_open"
	case StatusSegmentNotOpen:
		return "segment_not_open"
	case StatusSegmentAlreadyClosed:
		return "segment_already_closed"
	case StatusSegmentFreed:
		return "segment_freed"
	case StatusSegmentUnavailable:
		return "segment_unavailable"
	case StatusPoolExhausted:
		return "pool_exhausted"
	case StatusStorageOutOfSpace:
		return "storage_out_of_space"
	case StatusStorageIOError:
		return "storage_io_error"
	case StatusTransient:
		return "transient"
	default:
		return "internal"
	}
}

// StatusFromError maps an error from the segment/recovery packages onto the
// RPC status taxonomy (spec §7).
func StatusFromError(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, types.ErrBadRequest):
		return StatusBadRequest
	case errors.Is(err, types.ErrSegmentAlreadyOpen):
		return StatusSegmentAlreadyOpen
	case errors.Is(err, types.ErrSegmentNotOpen), errors.Is(err, types.ErrStillOpen), errors.Is(err, types.ErrNotPersisted):
		return StatusSegmentNotOpen
	case errors.Is(err, types.ErrSegmentClosed):
		return StatusSegmentAlreadyClosed
	case errors.Is(err, types.ErrSegmentFreed):
		return StatusSegmentFreed
	case errors.Is(err, types.ErrSegmentUnavailable):
		return StatusSegmentUnavailable
	case errors.Is(err, types.ErrPoolExhausted):
		return StatusPoolExhausted
	case errors.Is(err, types.ErrStorageOutOfSpace):
		return StatusStorageOutOfSpace
	case errors.Is(err, types.ErrStorageIO):
		return StatusStorageIOError
	case errors.Is(err, types.ErrTransient):
		return StatusTransient
	default:
		return StatusInternal
	}
}

// Write flags, combinable per spec §6.
const (
	WriteFlagOpen  uint32 = 1 << 0
	WriteFlagClose uint32 = 1 << 1
)

type OpenSegmentRequest struct {
	Master types.MasterID
	Seg    types.SegmentID
}
type OpenSegmentResponse struct{ Status Status }

type WriteSegmentRequest struct {
	Master types.MasterID
	Seg    types.SegmentID
	Offset uint32
	Flags  uint32
	Data   []byte
}
type WriteSegmentResponse struct{ Status Status }

type CloseSegmentRequest struct {
	Master types.MasterID
	Seg    types.SegmentID
}
type CloseSegmentResponse struct{ Status Status }

type FreeSegmentRequest struct {
	Master types.MasterID
	Seg    types.SegmentID
}
type FreeSegmentResponse struct{ Status Status }

type StartReadingDataRequest struct {
	Master       types.MasterID
	Partitioning types.Partitioning
}
type StartReadingDataResponse struct {
	Status     Status
	SegmentIDs []types.SegmentID
}

type GetRecoveryDataRequest struct {
	Master         types.MasterID
	Seg            types.SegmentID
	PartitionIndex int
}
type GetRecoveryDataResponse struct {
	Status            Status
	ByteCount         int
	MoreEntriesFollow bool
	Payload           []byte
}

// Dispatcher routes decoded RPC requests to the Segment Registry and
// Recovery Reader.
type Dispatcher struct {
	registry    *segment.Registry
	reader      *recovery.Reader
	segmentSize int
	logger      log.Logger
	metrics     *metrics.Metrics
}

// New constructs a Dispatcher.
func New(registry *segment.Registry, reader *recovery.Reader, segmentSize int, logger log.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{registry: registry, reader: reader, segmentSize: segmentSize, logger: logger, metrics: m}
}

func (d *Dispatcher) count(rpc string, status Status) {
	if d.metrics == nil {
		return
	}
	d.metrics.Dispatch.Requests.WithLabelValues(rpc).Inc()
	if status != StatusOK {
		d.metrics.Dispatch.Errors.WithLabelValues(rpc, status.String()).Inc()
	}
}

// OpenSegment handles spec §6's OpenSegment RPC.
func (d *Dispatcher) OpenSegment(req OpenSegmentRequest) OpenSegmentResponse {
	key := types.Key{Master: req.Master, Seg: req.Seg}
	sg := d.registry.InsertIfAbsent(key, d.segmentSize)
	err := sg.Open()
	if err != nil && errors.Is(err, types.ErrSegmentFreed) {
		// The prior entry at this key was freed but not yet removed; start
		// fresh. The registry guarantees FREED entries are removed promptly
		// (spec §3), so this is a narrow race window, not steady state.
		d.registry.Remove(key)
		sg = d.registry.InsertIfAbsent(key, d.segmentSize)
		err = sg.Open()
	}
	status := StatusFromError(err)
	d.count("OpenSegment", status)
	return OpenSegmentResponse{Status: status}
}

// WriteSegment handles spec §6's WriteSegment RPC, including the OPEN/CLOSE
// convenience flags.
func (d *Dispatcher) WriteSegment(req WriteSegmentRequest) WriteSegmentResponse {
	key := types.Key{Master: req.Master, Seg: req.Seg}

	var sg *segment.Segment
	if req.Flags&WriteFlagOpen != 0 {
		sg = d.registry.InsertIfAbsent(key, d.segmentSize)
		// Open is idempotent when already OPEN, so a non-nil error here
		// means a real failure (closed, freed, or out of pool/storage).
		if err := sg.Open(); err != nil {
			status := StatusFromError(err)
			d.count("WriteSegment", status)
			return WriteSegmentResponse{Status: status}
		}
	} else {
		var ok bool
		sg, ok = d.registry.Find(key)
		if !ok {
			d.count("WriteSegment", StatusSegmentNotOpen)
			return WriteSegmentResponse{Status: StatusSegmentNotOpen}
		}
	}

	if err := sg.Write(req.Offset, req.Data); err != nil {
		status := StatusFromError(err)
		d.count("WriteSegment", status)
		return WriteSegmentResponse{Status: status}
	}

	if req.Flags&WriteFlagClose != 0 {
		if err := sg.Close(); err != nil {
			status := StatusFromError(err)
			d.count("WriteSegment", status)
			return WriteSegmentResponse{Status: status}
		}
	}

	d.count("WriteSegment", StatusOK)
	return WriteSegmentResponse{Status: StatusOK}
}

// CloseSegment handles spec §6's CloseSegment RPC.
func (d *Dispatcher) CloseSegment(req CloseSegmentRequest) CloseSegmentResponse {
	key := types.Key{Master: req.Master, Seg: req.Seg}
	sg, ok := d.registry.Find(key)
	if !ok {
		d.count("CloseSegment", StatusSegmentUnavailable)
		return CloseSegmentResponse{Status: StatusSegmentUnavailable}
	}
	err := sg.Close()
	status := StatusFromError(err)
	if err != nil && status == StatusStorageIOError {
		level.Error(d.logger).Log("msg", "close write-through failed, segment remains open for retry", "master", req.Master, "segment", req.Seg, "err", err)
	}
	d.count("CloseSegment", status)
	return CloseSegmentResponse{Status: status}
}

// FreeSegment handles spec §6's FreeSegment RPC.
func (d *Dispatcher) FreeSegment(req FreeSegmentRequest) FreeSegmentResponse {
	key := types.Key{Master: req.Master, Seg: req.Seg}
	sg, ok := d.registry.Find(key)
	if !ok {
		// Freeing an unknown segment is not an error: it may have already
		// been freed and removed by a previous, retried FreeSegment call.
		d.count("FreeSegment", StatusOK)
		return FreeSegmentResponse{Status: StatusOK}
	}
	_ = sg.Free()
	d.registry.Remove(key)
	d.count("FreeSegment", StatusOK)
	return FreeSegmentResponse{Status: StatusOK}
}

// StartReadingData handles spec §6's StartReadingData RPC.
func (d *Dispatcher) StartReadingData(req StartReadingDataRequest) StartReadingDataResponse {
	ids, err := d.reader.StartReadingData(req.Master, req.Partitioning)
	status := StatusFromError(err)
	d.count("StartReadingData", status)
	return StartReadingDataResponse{Status: status, SegmentIDs: ids}
}

// GetRecoveryData handles spec §6's GetRecoveryData RPC.
func (d *Dispatcher) GetRecoveryData(req GetRecoveryDataRequest) GetRecoveryDataResponse {
	payload, more, err := d.reader.GetRecoveryData(req.Master, req.Seg, req.PartitionIndex)
	status := StatusFromError(err)
	d.count("GetRecoveryData", status)
	if err != nil {
		return GetRecoveryDataResponse{Status: status}
	}
	return GetRecoveryDataResponse{
		Status:            StatusOK,
		ByteCount:         len(payload),
		MoreEntriesFollow: more,
		Payload:           payload,
	}
}
