package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEntryTypeIsMetadata(t *testing.T) {
	cases := []struct {
		t    EntryType
		want bool
	}{
		{EntryObject, false},
		{EntryTombstone, false},
		{EntrySegmentHeader, true},
		{EntrySegmentFooter, true},
		{EntryLogDigest, true},
		{EntryEnd, false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, c.t.IsMetadata(), "type %d", c.t)
	}
}

func TestTabletContains(t *testing.T) {
	tab := Tablet{TableID: 5, FirstKeyHash: 100, LastKeyHash: 200}

	require.True(t, tab.Contains(5, 100))
	require.True(t, tab.Contains(5, 200))
	require.True(t, tab.Contains(5, 150))
	require.False(t, tab.Contains(5, 99))
	require.False(t, tab.Contains(5, 201))
	require.False(t, tab.Contains(6, 150))
}

func TestPartitionContainsAnyTablet(t *testing.T) {
	p := Partition{
		{TableID: 1, FirstKeyHash: 0, LastKeyHash: 10},
		{TableID: 2, FirstKeyHash: 20, LastKeyHash: 30},
	}
	require.True(t, p.Contains(1, 5))
	require.True(t, p.Contains(2, 25))
	require.False(t, p.Contains(1, 25))
	require.False(t, p.Contains(3, 5))
}

func TestKeyEquality(t *testing.T) {
	k1 := Key{Master: 1, Seg: 2}
	k2 := Key{Master: 1, Seg: 2}
	k3 := Key{Master: 1, Seg: 3}
	require.Equal(t, k1, k2)
	require.NotEqual(t, k1, k3)
}
