package recovery

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/backupd/internal/types"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	entries := []types.Entry{
		{Type: types.EntryObject, TableID: 1, KeyHash: 10, Data: []byte("alpha")},
		{Type: types.EntryTombstone, TableID: 1, KeyHash: 20, Data: []byte("beta")},
		{Type: types.EntrySegmentFooter, TableID: 0, KeyHash: 0, Data: nil},
	}

	buf, err := EncodeSegment(entries, 256)
	require.NoError(t, err)

	decoded, err := DefaultDecoder{}.Decode(buf)
	require.NoError(t, err)
	require.Len(t, decoded, len(entries))
	for i, e := range entries {
		require.Equal(t, e.Type, decoded[i].Type)
		require.Equal(t, e.TableID, decoded[i].TableID)
		require.Equal(t, e.KeyHash, decoded[i].KeyHash)
		require.Equal(t, e.Data, decoded[i].Data)
	}
}

func TestDecodeStopsAtEntryEndSentinel(t *testing.T) {
	entries := []types.Entry{{Type: types.EntryObject, Data: []byte("x")}}
	buf, err := EncodeSegment(entries, 4096)
	require.NoError(t, err)

	decoded, err := DefaultDecoder{}.Decode(buf)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
}

func TestEncodeSegmentRejectsOverflow(t *testing.T) {
	entries := []types.Entry{{Type: types.EntryObject, Data: make([]byte, 100)}}
	_, err := EncodeSegment(entries, 32)
	require.ErrorIs(t, err, types.ErrBadRequest)
}

func TestDecodeRejectsCorruptLength(t *testing.T) {
	buf := make([]byte, 64)
	buf[0] = byte(types.EntryObject)
	// length field (bytes 17:21) set absurdly large.
	buf[17], buf[18], buf[19], buf[20] = 0xFF, 0xFF, 0xFF, 0x7F

	_, err := DefaultDecoder{}.Decode(buf)
	require.ErrorIs(t, err, types.ErrCorrupt)
}

func TestEncodeFilteredEntriesWireFormat(t *testing.T) {
	entries := []types.Entry{
		{Type: types.EntryObject, Data: []byte("ab")},
		{Type: types.EntryTombstone, Data: []byte("c")},
	}
	out := EncodeFilteredEntries(entries)

	require.Equal(t, byte(types.EntryObject), out[0])
	require.Equal(t, uint32(2), leUint32(out[1:5]))
	require.Equal(t, []byte("ab"), out[5:7])

	require.Equal(t, byte(types.EntryTombstone), out[7])
	require.Equal(t, uint32(1), leUint32(out[8:12]))
	require.Equal(t, []byte("c"), out[12:13])
	require.Len(t, out, 13)
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
