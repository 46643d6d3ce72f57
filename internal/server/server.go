// Package server assembles the backup server's components into a single
// BackupServer with the lifecycle spec §5 describes: construct, run()
// (register with coordinator, obtain serverId, enter dispatch loop),
// shutdown (halt monitor, drain in-flight writes, free all segments, release
// storage handles).
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamsxin/backupd/internal/coordinator"
	"github.com/dreamsxin/backupd/internal/dispatch"
	"github.com/dreamsxin/backupd/internal/failure"
	"github.com/dreamsxin/backupd/internal/metrics"
	"github.com/dreamsxin/backupd/internal/pool"
	"github.com/dreamsxin/backupd/internal/recovery"
	"github.com/dreamsxin/backupd/internal/segment"
	"github.com/dreamsxin/backupd/internal/storage"
)

// Config is the environment/configuration surface from spec §6.
type Config struct {
	CoordinatorLocator string
	BindLocator        string
	SegmentSize        int
	PoolCapacity       int
	StorageBackend     string // "memory" or "file"
	StoragePath        string
	MetaPath           string
	// GaugeInterval controls how often pool/registry gauges are published
	// (spec SPEC_FULL.md supplemented feature: periodic gauges).
	GaugeInterval time.Duration
}

// BackupServer is the top-level assembly of every component in this
// repository. There is no implicit global state beyond one instance per
// process (spec §5).
type BackupServer struct {
	cfg Config

	logger  log.Logger
	metrics *metrics.Metrics

	pool     *pool.Pool
	adapter  storage.Adapter
	metaFile *storage.MetaStore
	registry *segment.Registry
	reader   *recovery.Reader
	dispatch *dispatch.Dispatcher

	coordClient coordinator.Client
	monitor     *failure.Monitor

	serverID uint64

	stopGauges chan struct{}
}

// New constructs a BackupServer from cfg. It does not yet register with the
// coordinator or start the dispatch loop; call Run for that. coordClient,
// replicaManager and log are the out-of-scope external collaborators from
// spec §1; replicaManager/logHead may be nil in tests that don't exercise
// the Failure Monitor.
func New(cfg Config, logger log.Logger, reg prometheus.Registerer, coordClient coordinator.Client, replicaManager failure.ReplicaManager, logHead failure.Log) (*BackupServer, error) {
	if cfg.SegmentSize <= 0 {
		return nil, fmt.Errorf("segment size must be positive")
	}
	if cfg.PoolCapacity <= 0 {
		return nil, fmt.Errorf("pool capacity must be positive")
	}

	m := metrics.New(reg)

	p, err := pool.New(cfg.PoolCapacity, cfg.SegmentSize, 0)
	if err != nil {
		return nil, fmt.Errorf("construct aligned segment pool: %w", err)
	}

	var adapter storage.Adapter
	var metaStore *storage.MetaStore
	switch cfg.StorageBackend {
	case "", "memory":
		adapter = storage.NewMemoryAdapter(cfg.SegmentSize)
	case "file":
		if cfg.MetaPath != "" {
			metaStore, err = storage.OpenMetaStore(cfg.MetaPath)
			if err != nil {
				return nil, fmt.Errorf("open storage metadata store: %w", err)
			}
		}
		var free []int64
		if metaStore != nil {
			free, err = metaStore.LoadFreeOffsets()
			if err != nil {
				return nil, fmt.Errorf("load storage free list: %w", err)
			}
		}
		fa, err := storage.OpenFileAdapter(cfg.StoragePath, cfg.SegmentSize, cfg.PoolCapacity, free)
		if err != nil {
			return nil, fmt.Errorf("open file storage adapter: %w", err)
		}
		adapter = fa
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}

	registry := segment.NewRegistry(p, adapter, logger, m)
	reader := recovery.New(registry, cfg.SegmentSize, nil, nil, logger, m)
	d := dispatch.New(registry, reader, cfg.SegmentSize, logger, m)

	var monitor *failure.Monitor
	if replicaManager != nil && logHead != nil {
		var tracker failure.Tracker
		if t, ok := coordClient.(failure.Tracker); ok {
			tracker = t
		}
		monitor = failure.New(tracker, replicaManager, logHead, logger, m)
	}

	return &BackupServer{
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		pool:        p,
		adapter:     adapter,
		metaFile:    metaStore,
		registry:    registry,
		reader:      reader,
		dispatch:    d,
		coordClient: coordClient,
		monitor:     monitor,
		stopGauges:  make(chan struct{}),
	}, nil
}

// Dispatcher exposes the Dispatch Surface for an RPC transport to route
// decoded requests to (transport framing itself is out of scope, spec §1).
func (b *BackupServer) Dispatcher() *dispatch.Dispatcher { return b.dispatch }

// Run registers with the coordinator, starts the Failure Monitor and the
// periodic gauge publisher, and blocks until ctx is done.
func (b *BackupServer) Run(ctx context.Context) error {
	if b.coordClient != nil {
		id, err := b.coordClient.Register(ctx, b.cfg.BindLocator)
		if err != nil {
			return fmt.Errorf("register with coordinator: %w", err)
		}
		b.serverID = id
		level.Info(b.logger).Log("msg", "registered with coordinator", "server_id", id, "locator", b.cfg.BindLocator)
	}

	if b.monitor != nil {
		go func() {
			if err := b.monitor.Run(); err != nil {
				level.Error(b.logger).Log("msg", "failure monitor exited", "err", err)
			}
		}()
	}

	go b.publishGauges()

	<-ctx.Done()
	return nil
}

func (b *BackupServer) publishGauges() {
	interval := b.cfg.GaugeInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			b.metrics.Pool.InUse.Set(float64(b.pool.InUse()))
			for state, count := range b.registry.CountByState() {
				b.metrics.Registry.Segments.WithLabelValues(state.String()).Set(float64(count))
			}
		case <-b.stopGauges:
			return
		}
	}
}

// Shutdown halts the Failure Monitor, frees every registry segment (which
// drains in-flight writes per Segment.Free's contract), and releases storage
// handles.
func (b *BackupServer) Shutdown(ctx context.Context) error {
	close(b.stopGauges)

	if b.monitor != nil {
		b.monitor.Shutdown()
	}

	for _, key := range b.registry.Keys() {
		if sg, ok := b.registry.Find(key); ok {
			_ = sg.Free()
			b.registry.Remove(key)
		}
	}

	if fa, ok := b.adapter.(*storage.FileAdapter); ok {
		if b.metaFile != nil {
			if err := b.metaFile.CommitFreeOffsets(fa.FreeOffsets()); err != nil {
				level.Error(b.logger).Log("msg", "commit storage free list on shutdown", "err", err)
			}
			if err := b.metaFile.Close(); err != nil {
				level.Error(b.logger).Log("msg", "close storage metadata store", "err", err)
			}
		}
		if err := fa.Close(); err != nil {
			level.Error(b.logger).Log("msg", "close storage file", "err", err)
		}
	}

	if b.coordClient != nil {
		if err := b.coordClient.Close(); err != nil {
			level.Error(b.logger).Log("msg", "close coordinator client", "err", err)
		}
	}
	return nil
}
