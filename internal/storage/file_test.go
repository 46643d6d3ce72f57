package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileAdapterWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.data")
	a, err := OpenFileAdapter(path, 64, 4, nil)
	require.NoError(t, err)
	defer a.Close()

	h, err := a.Allocate()
	require.NoError(t, err)

	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i)
	}
	comp, err := a.Write(h, data)
	require.NoError(t, err)
	require.NoError(t, comp.Wait())

	out := make([]byte, 64)
	comp, err = a.Read(h, out)
	require.NoError(t, err)
	require.NoError(t, comp.Wait())
	require.Equal(t, data, out)
}

func TestFileAdapterAllocateExhaustion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.data")
	a, err := OpenFileAdapter(path, 16, 2, nil)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Allocate()
	require.NoError(t, err)
	_, err = a.Allocate()
	require.NoError(t, err)

	_, err = a.Allocate()
	require.Error(t, err)
}

func TestFileAdapterFreeReusesOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.data")
	a, err := OpenFileAdapter(path, 16, 1, nil)
	require.NoError(t, err)
	defer a.Close()

	h1, err := a.Allocate()
	require.NoError(t, err)
	require.NoError(t, a.Free(h1))

	h2, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, h1.id(), h2.id())
}

func TestFileAdapterSeedsFreeListFromMeta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.data")
	free := []int64{32, 0}
	a, err := OpenFileAdapter(path, 16, 4, free)
	require.NoError(t, err)
	defer a.Close()

	require.ElementsMatch(t, free, a.FreeOffsets())
}

func TestFileAdapterWriteWrongSizeFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.data")
	a, err := OpenFileAdapter(path, 16, 1, nil)
	require.NoError(t, err)
	defer a.Close()

	h, err := a.Allocate()
	require.NoError(t, err)

	_, err = a.Write(h, make([]byte, 8))
	require.Error(t, err)
}
