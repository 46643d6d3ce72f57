package recovery

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/backupd/internal/pool"
	"github.com/dreamsxin/backupd/internal/segment"
	"github.com/dreamsxin/backupd/internal/storage"
	"github.com/dreamsxin/backupd/internal/types"
)

const testSegmentSize = 256

func newTestReader(t *testing.T) (*Reader, *segment.Registry) {
	t.Helper()
	p, err := pool.New(8, testSegmentSize, 0)
	require.NoError(t, err)
	adapter := storage.NewMemoryAdapter(testSegmentSize)
	reg := segment.NewRegistry(p, adapter, log.NewNopLogger(), nil)
	r := New(reg, testSegmentSize, nil, nil, log.NewNopLogger(), nil)
	return r, reg
}

func writeClosedSegment(t *testing.T, reg *segment.Registry, key types.Key, entries []types.Entry) {
	t.Helper()
	writeClosedSegmentSized(t, reg, key, entries, testSegmentSize)
}

// writeClosedSegmentSized is writeClosedSegment parameterized by segment
// size, for tests (e.g. the fuzz-seeded property tests) whose entries don't
// fit in the package's default testSegmentSize.
func writeClosedSegmentSized(t *testing.T, reg *segment.Registry, key types.Key, entries []types.Entry, segmentSize int) {
	t.Helper()
	sg := reg.InsertIfAbsent(key, segmentSize)
	require.NoError(t, sg.Open())
	buf, err := EncodeSegment(entries, segmentSize)
	require.NoError(t, err)
	require.NoError(t, sg.Write(0, buf))
	require.NoError(t, sg.Close())
}

func TestGetRecoveryDataBeforeStartReadingDataFails(t *testing.T) {
	r, _ := newTestReader(t)
	_, _, err := r.GetRecoveryData(types.MasterID(1), types.SegmentID(1), 0)
	require.ErrorIs(t, err, types.ErrBadRequest)
}

func TestStartReadingDataThenGetRecoveryDataFiltersByPartition(t *testing.T) {
	r, reg := newTestReader(t)
	master := types.MasterID(1)
	key := types.Key{Master: master, Seg: 1}

	entries := []types.Entry{
		{Type: types.EntryObject, TableID: 10, KeyHash: 5, Data: []byte("keep")},
		{Type: types.EntryObject, TableID: 10, KeyHash: 500, Data: []byte("drop")},
		{Type: types.EntrySegmentFooter, TableID: 0, KeyHash: 0, Data: []byte("meta")},
	}
	writeClosedSegment(t, reg, key, entries)

	partitioning := types.Partitioning{
		{{TableID: 10, FirstKeyHash: 0, LastKeyHash: 100}},
	}
	ids, err := r.StartReadingData(master, partitioning)
	require.NoError(t, err)
	require.Equal(t, []types.SegmentID{1}, ids)

	payload, more, err := r.GetRecoveryData(master, types.SegmentID(1), 0)
	require.NoError(t, err)
	require.False(t, more)

	require.Contains(t, string(payload), "keep")
	require.NotContains(t, string(payload), "drop")
	require.Contains(t, string(payload), "meta")
}

func TestGetRecoveryDataUnknownSegmentFails(t *testing.T) {
	r, _ := newTestReader(t)
	master := types.MasterID(1)
	_, err := r.StartReadingData(master, types.Partitioning{{}})
	require.NoError(t, err)

	_, _, err = r.GetRecoveryData(master, types.SegmentID(99), 0)
	require.ErrorIs(t, err, types.ErrBadRequest)
}

func TestGetRecoveryDataPartitionIndexOutOfRangeFails(t *testing.T) {
	r, reg := newTestReader(t)
	master := types.MasterID(1)
	key := types.Key{Master: master, Seg: 1}
	writeClosedSegment(t, reg, key, []types.Entry{{Type: types.EntrySegmentHeader}})

	_, err := r.StartReadingData(master, types.Partitioning{{}})
	require.NoError(t, err)

	_, _, err = r.GetRecoveryData(master, types.SegmentID(1), 5)
	require.ErrorIs(t, err, types.ErrBadRequest)
}

func TestStartReadingDataSkipsUninitSegments(t *testing.T) {
	r, reg := newTestReader(t)
	master := types.MasterID(2)
	// Insert but never Open: stays UNINIT.
	reg.InsertIfAbsent(types.Key{Master: master, Seg: 1}, testSegmentSize)

	ids, err := r.StartReadingData(master, types.Partitioning{{}})
	require.NoError(t, err)
	require.Empty(t, ids)
}
