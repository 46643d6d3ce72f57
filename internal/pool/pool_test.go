package pool

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/backupd/internal/types"
)

func TestNewAllocatesAlignedBuffers(t *testing.T) {
	p, err := New(4, 4096, 512)
	require.NoError(t, err)
	require.Equal(t, 4, p.Capacity())
	require.Equal(t, 0, p.InUse())

	for i := 0; i < 4; i++ {
		b, err := p.Acquire()
		require.NoError(t, err)
		require.Len(t, b.Bytes, 4096)
		addr := uintptr(unsafe.Pointer(&b.Bytes[0]))
		require.Zero(t, addr%512, "buffer not aligned to 512 bytes")
	}
	require.Equal(t, 4, p.InUse())
}

func TestAcquireExhausted(t *testing.T) {
	p, err := New(1, 1024, 0)
	require.NoError(t, err)

	b, err := p.Acquire()
	require.NoError(t, err)
	require.NotNil(t, b)

	_, err = p.Acquire()
	require.ErrorIs(t, err, types.ErrPoolExhausted)
}

func TestReleaseLIFO(t *testing.T) {
	p, err := New(2, 1024, 0)
	require.NoError(t, err)

	b1, err := p.Acquire()
	require.NoError(t, err)
	b2, err := p.Acquire()
	require.NoError(t, err)

	p.Release(b2)
	p.Release(b1)

	got1, err := p.Acquire()
	require.NoError(t, err)
	require.Same(t, b1, got1)

	got2, err := p.Acquire()
	require.NoError(t, err)
	require.Same(t, b2, got2)
}

func TestReleaseWrongPoolPanics(t *testing.T) {
	p1, err := New(1, 1024, 0)
	require.NoError(t, err)
	p2, err := New(1, 1024, 0)
	require.NoError(t, err)

	b, err := p1.Acquire()
	require.NoError(t, err)

	require.Panics(t, func() { p2.Release(b) })
}

func TestDoubleReleasePanics(t *testing.T) {
	p, err := New(1, 1024, 0)
	require.NoError(t, err)

	b, err := p.Acquire()
	require.NoError(t, err)
	p.Release(b)

	require.Panics(t, func() { p.Release(b) })
}

func TestNewRejectsNonPositiveCapacity(t *testing.T) {
	_, err := New(0, 1024, 0)
	require.ErrorIs(t, err, types.ErrPoolExhausted)
}
