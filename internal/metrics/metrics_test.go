package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersEverySubsystem(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Pool.Acquires.Inc()
	m.Registry.Segments.WithLabelValues("open").Set(1)
	m.Storage.BytesWritten.Add(10)
	m.Recovery.StartReads.Inc()
	m.Dispatch.Requests.WithLabelValues("OpenSegment").Inc()
	m.Failure.HeadRollovers.Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestNewBuildsDistinctSetsForSeparateRegistries(t *testing.T) {
	m1 := New(prometheus.NewRegistry())
	m2 := New(prometheus.NewRegistry())
	require.NotSame(t, m1, m2)
}
