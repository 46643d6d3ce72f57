package coordinator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// EtcdClient's Register/ResolveServers/Subscribe all require a live etcd
// cluster and are exercised by integration tests outside this module; here
// we cover the pure key-encoding logic both sides share.

func TestParseLeaseKeyRoundTripsServerID(t *testing.T) {
	id, err := parseLeaseKey(serversPrefix + "42")
	require.NoError(t, err)
	require.Equal(t, uint64(42), id)
}

func TestParseLeaseKeyRejectsForeignKeys(t *testing.T) {
	_, err := parseLeaseKey("/other/prefix/42")
	require.Error(t, err)
}

func TestParseLeaseKeyRejectsNonNumericSuffix(t *testing.T) {
	_, err := parseLeaseKey(serversPrefix + "not-a-number")
	require.Error(t, err)
}

var _ Client = (*EtcdClient)(nil)
