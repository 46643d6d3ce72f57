// Package recovery implements the Recovery Reader (spec §4.5): loading
// persisted segments, decoding their log entries, filtering by tablet
// ownership, and assembling recovery-master response payloads.
//
// The log-entry format and tablet-ownership predicate are, per spec §1,
// external collaborators specified only as interfaces. This file supplies
// the concrete codec this repository tests against, framed the same way the
// teacher's segment.Reader frames WAL records (a fixed-size binary header
// read with encoding/binary, followed by the entry payload).
package recovery

import (
	"encoding/binary"
	"fmt"

	"github.com/dreamsxin/backupd/internal/types"
)

// frameHeaderLen is the fixed header an in-memory segment buffer's entries
// are each preceded by: type(1) + tableID(8) + keyHash(8) + length(4).
const frameHeaderLen = 1 + 8 + 8 + 4

// MaxEntrySize bounds a single entry's payload to catch a corrupt length
// field before it drives a huge allocation, mirroring segment.Reader's
// MaxEntrySize check in the teacher.
const MaxEntrySize = 16 * 1024 * 1024

// Decoder iterates typed entries over a segment's in-memory buffer. It is
// the abstracted log-entry decoder from spec §1.
type Decoder interface {
	Decode(buf []byte) ([]types.Entry, error)
}

// DefaultDecoder is this repository's concrete Decoder, used by tests and by
// the bundled in-memory/file storage backends.
type DefaultDecoder struct{}

// Decode reads entries until it hits the EntryEnd sentinel or runs out of
// header room, matching EncodeSegment's framing below.
func (DefaultDecoder) Decode(buf []byte) ([]types.Entry, error) {
	var entries []types.Entry
	off := 0
	for off+frameHeaderLen <= len(buf) {
		typ := types.EntryType(buf[off])
		if typ == types.EntryEnd {
			break
		}
		tableID := binary.LittleEndian.Uint64(buf[off+1 : off+9])
		keyHash := binary.LittleEndian.Uint64(buf[off+9 : off+17])
		length := binary.LittleEndian.Uint32(buf[off+17 : off+21])
		off += frameHeaderLen

		if length > MaxEntrySize {
			return nil, fmt.Errorf("%w: entry length %d exceeds MaxEntrySize", types.ErrCorrupt, length)
		}
		if off+int(length) > len(buf) {
			return nil, fmt.Errorf("%w: entry length %d overruns segment buffer", types.ErrCorrupt, length)
		}
		data := make([]byte, length)
		copy(data, buf[off:off+int(length)])
		off += int(length)

		entries = append(entries, types.Entry{
			Type:    typ,
			TableID: tableID,
			KeyHash: keyHash,
			Data:    data,
		})
	}
	return entries, nil
}

// EncodeSegment writes entries into a segmentSize buffer using
// DefaultDecoder's framing, followed by an EntryEnd sentinel and zero
// padding. It is the write-side counterpart used by tests and by masters in
// this repository's own test doubles; a real cluster's masters would encode
// their own log format and this repository's Decoder only needs to
// understand it.
func EncodeSegment(entries []types.Entry, segmentSize int) ([]byte, error) {
	buf := make([]byte, segmentSize)
	off := 0
	for _, e := range entries {
		if off+frameHeaderLen+len(e.Data) > segmentSize {
			return nil, fmt.Errorf("%w: entries do not fit in segment of size %d", types.ErrBadRequest, segmentSize)
		}
		buf[off] = byte(e.Type)
		binary.LittleEndian.PutUint64(buf[off+1:off+9], e.TableID)
		binary.LittleEndian.PutUint64(buf[off+9:off+17], e.KeyHash)
		binary.LittleEndian.PutUint32(buf[off+17:off+21], uint32(len(e.Data)))
		off += frameHeaderLen
		copy(buf[off:], e.Data)
		off += len(e.Data)
	}
	if off < segmentSize {
		buf[off] = byte(types.EntryEnd)
	}
	return buf, nil
}

// EncodeFilteredEntries renders kept entries in the wire format from spec
// §6: a concatenation of (entryType: u8, entryLength: u32, entryBytes)
// triples with no padding between entries.
func EncodeFilteredEntries(entries []types.Entry) []byte {
	size := 0
	for _, e := range entries {
		size += 1 + 4 + len(e.Data)
	}
	out := make([]byte, size)
	off := 0
	for _, e := range entries {
		out[off] = byte(e.Type)
		binary.LittleEndian.PutUint32(out[off+1:off+5], uint32(len(e.Data)))
		off += 5
		copy(out[off:], e.Data)
		off += len(e.Data)
	}
	return out
}
