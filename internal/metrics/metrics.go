// Package metrics declares the backup server's Prometheus metric sets,
// following the one-constructor-per-subsystem pattern in the teacher's
// metrics.go (newWALMetrics(reg prometheus.Registerer) *walMetrics).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates every subsystem's metric set so BackupServer can
// construct them all from a single Registerer.
type Metrics struct {
	Pool      *PoolMetrics
	Registry  *RegistryMetrics
	Storage   *StorageMetrics
	Recovery  *RecoveryMetrics
	Dispatch  *DispatchMetrics
	Failure   *FailureMetrics
}

// New builds every metric set and registers it with reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Pool:     newPoolMetrics(reg),
		Registry: newRegistryMetrics(reg),
		Storage:  newStorageMetrics(reg),
		Recovery: newRecoveryMetrics(reg),
		Dispatch: newDispatchMetrics(reg),
		Failure:  newFailureMetrics(reg),
	}
}

type PoolMetrics struct {
	Acquires  prometheus.Counter
	Exhausted prometheus.Counter
	InUse     prometheus.Gauge
}

func newPoolMetrics(reg prometheus.Registerer) *PoolMetrics {
	return &PoolMetrics{
		Acquires: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "backup_pool_acquires_total",
			Help: "backup_pool_acquires_total counts successful aligned buffer acquisitions.",
		}),
		Exhausted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "backup_pool_exhausted_total",
			Help: "backup_pool_exhausted_total counts acquisitions that failed because the pool was exhausted.",
		}),
		InUse: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "backup_pool_in_use",
			Help: "backup_pool_in_use is the current number of checked-out aligned buffers.",
		}),
	}
}

type RegistryMetrics struct {
	Segments   *prometheus.GaugeVec
	OpenTotal  prometheus.Counter
	FreeTotal  prometheus.Counter
	CloseTotal prometheus.Counter
}

func newRegistryMetrics(reg prometheus.Registerer) *RegistryMetrics {
	return &RegistryMetrics{
		Segments: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "backup_registry_segments",
			Help: "backup_registry_segments is the number of segments in the registry by state.",
		}, []string{"state"}),
		OpenTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "backup_segments_opened_total",
			Help: "backup_segments_opened_total counts OpenSegment calls that created a new entry.",
		}),
		FreeTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "backup_segments_freed_total",
			Help: "backup_segments_freed_total counts FreeSegment calls.",
		}),
		CloseTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "backup_segments_closed_total",
			Help: "backup_segments_closed_total counts CloseSegment calls that performed a write-through.",
		}),
	}
}

type StorageMetrics struct {
	BytesWritten prometheus.Counter
	BytesRead    prometheus.Counter
	WriteErrors  prometheus.Counter
	ReadErrors   prometheus.Counter
}

func newStorageMetrics(reg prometheus.Registerer) *StorageMetrics {
	return &StorageMetrics{
		BytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "backup_storage_bytes_written_total",
			Help: "backup_storage_bytes_written_total counts bytes written through to storage extents.",
		}),
		BytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "backup_storage_bytes_read_total",
			Help: "backup_storage_bytes_read_total counts bytes read back from storage extents.",
		}),
		WriteErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "backup_storage_write_errors_total",
			Help: "backup_storage_write_errors_total counts write-through completions that failed.",
		}),
		ReadErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "backup_storage_read_errors_total",
			Help: "backup_storage_read_errors_total counts load completions that failed.",
		}),
	}
}

type RecoveryMetrics struct {
	StartReads       prometheus.Counter
	SegmentsReturned prometheus.Counter
	EntriesKept      prometheus.Counter
	EntriesDropped   prometheus.Counter
}

func newRecoveryMetrics(reg prometheus.Registerer) *RecoveryMetrics {
	return &RecoveryMetrics{
		StartReads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "backup_recovery_start_reads_total",
			Help: "backup_recovery_start_reads_total counts startReadingData calls.",
		}),
		SegmentsReturned: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "backup_recovery_segments_returned_total",
			Help: "backup_recovery_segments_returned_total counts segment ids handed back across all startReadingData calls.",
		}),
		EntriesKept: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "backup_recovery_entries_kept_total",
			Help: "backup_recovery_entries_kept_total counts log entries kept by the tablet filter.",
		}),
		EntriesDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "backup_recovery_entries_dropped_total",
			Help: "backup_recovery_entries_dropped_total counts log entries dropped by the tablet filter.",
		}),
	}
}

type DispatchMetrics struct {
	Requests *prometheus.CounterVec
	Errors   *prometheus.CounterVec
}

func newDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	return &DispatchMetrics{
		Requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "backup_rpc_requests_total",
			Help: "backup_rpc_requests_total counts dispatched RPCs by type.",
		}, []string{"rpc"}),
		Errors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "backup_rpc_errors_total",
			Help: "backup_rpc_errors_total counts RPCs that returned a non-OK status, by type and status.",
		}, []string{"rpc", "status"}),
	}
}

type FailureMetrics struct {
	ChangesHandled  *prometheus.CounterVec
	HeadRollovers   prometheus.Counter
}

func newFailureMetrics(reg prometheus.Registerer) *FailureMetrics {
	return &FailureMetrics{
		ChangesHandled: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "backup_failure_monitor_changes_total",
			Help: "backup_failure_monitor_changes_total counts membership changes processed, by kind.",
		}, []string{"kind"}),
		HeadRollovers: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "backup_failure_monitor_head_rollovers_total",
			Help: "backup_failure_monitor_head_rollovers_total counts log-head rollovers triggered after a crash.",
		}),
	}
}
