package segment

import (
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/backupd/internal/pool"
	"github.com/dreamsxin/backupd/internal/storage"
	"github.com/dreamsxin/backupd/internal/types"
)

const testSegmentSize = 64

func newTestSegment(t *testing.T) (*Segment, *pool.Pool, storage.Adapter) {
	t.Helper()
	p, err := pool.New(2, testSegmentSize, 0)
	require.NoError(t, err)
	adapter := storage.NewMemoryAdapter(testSegmentSize)
	sg := New(types.MasterID(1), types.SegmentID(1), testSegmentSize, p, adapter, log.NewNopLogger(), nil)
	return sg, p, adapter
}

func TestSegmentOpenWriteClose(t *testing.T) {
	sg, p, _ := newTestSegment(t)
	require.Equal(t, StateUninit, sg.State())

	require.NoError(t, sg.Open())
	require.Equal(t, StateOpen, sg.State())
	require.Equal(t, 1, p.InUse())

	require.NoError(t, sg.Write(0, []byte("hello")))
	require.NoError(t, sg.Close())
	require.Equal(t, StateClosed, sg.State())
	require.Equal(t, 0, p.InUse(), "buffer released back to pool on close")
}

func TestSegmentOpenIsIdempotent(t *testing.T) {
	sg, _, _ := newTestSegment(t)
	require.NoError(t, sg.Open())
	require.NoError(t, sg.Open())
	require.Equal(t, StateOpen, sg.State())
}

func TestSegmentOpenAfterCloseFails(t *testing.T) {
	sg, _, _ := newTestSegment(t)
	require.NoError(t, sg.Open())
	require.NoError(t, sg.Close())

	err := sg.Open()
	require.ErrorIs(t, err, types.ErrSegmentClosed)
}

func TestSegmentWriteWhileNotOpenFails(t *testing.T) {
	sg, _, _ := newTestSegment(t)
	err := sg.Write(0, []byte("x"))
	require.ErrorIs(t, err, types.ErrSegmentNotOpen)

	require.NoError(t, sg.Open())
	require.NoError(t, sg.Close())
	err = sg.Write(0, []byte("x"))
	require.ErrorIs(t, err, types.ErrSegmentNotOpen)
}

func TestSegmentWriteOutOfBoundsFails(t *testing.T) {
	sg, _, _ := newTestSegment(t)
	require.NoError(t, sg.Open())

	err := sg.Write(uint32(testSegmentSize-2), make([]byte, 4))
	require.ErrorIs(t, err, types.ErrBadRequest)
}

func TestSegmentCloseIsIdempotent(t *testing.T) {
	sg, _, _ := newTestSegment(t)
	require.NoError(t, sg.Open())
	require.NoError(t, sg.Close())
	require.NoError(t, sg.Close())
}

func TestSegmentCloseWithoutOpenFails(t *testing.T) {
	sg, _, _ := newTestSegment(t)
	err := sg.Close()
	require.ErrorIs(t, err, types.ErrSegmentNotOpen)
}

func TestSegmentGetBufferAfterCloseReloads(t *testing.T) {
	sg, _, _ := newTestSegment(t)
	require.NoError(t, sg.Open())
	require.NoError(t, sg.Write(0, []byte("payload")))
	require.NoError(t, sg.Close())

	buf, err := sg.GetBuffer()
	require.NoError(t, err)
	require.Equal(t, byte('p'), buf.Bytes[0])
}

func TestSegmentFreeFromOpenReleasesResourcesEventually(t *testing.T) {
	sg, p, _ := newTestSegment(t)
	require.NoError(t, sg.Open())
	require.Equal(t, 1, p.InUse())

	require.NoError(t, sg.Free())
	require.Equal(t, StateFreed, sg.State())

	require.Eventually(t, func() bool {
		return p.InUse() == 0
	}, time.Second, 10*time.Millisecond, "pool buffer not released after free")
}

func TestSegmentFreeIsIdempotent(t *testing.T) {
	sg, _, _ := newTestSegment(t)
	require.NoError(t, sg.Open())
	require.NoError(t, sg.Free())
	require.NoError(t, sg.Free())
}

func TestSegmentOperationsAfterFreeFail(t *testing.T) {
	sg, _, _ := newTestSegment(t)
	require.NoError(t, sg.Open())
	require.NoError(t, sg.Free())

	require.ErrorIs(t, sg.Open(), types.ErrSegmentFreed)
	require.ErrorIs(t, sg.Write(0, []byte("x")), types.ErrSegmentNotOpen)
	_, err := sg.GetBuffer()
	require.ErrorIs(t, err, types.ErrSegmentFreed)
}
