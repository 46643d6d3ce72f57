package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dreamsxin/backupd/internal/coordinator"
	"github.com/dreamsxin/backupd/internal/server"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the backup server",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	v, err := loadConfig()
	if err != nil {
		return err
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	gaugeInterval, err := time.ParseDuration(v.GetString("gauge_interval"))
	if err != nil {
		gaugeInterval = 5 * time.Second
	}

	cfg := server.Config{
		CoordinatorLocator: v.GetString("coordinator_locator"),
		BindLocator:        v.GetString("bind_locator"),
		SegmentSize:        v.GetInt("segment_size"),
		PoolCapacity:       v.GetInt("pool_capacity"),
		StorageBackend:     v.GetString("storage_backend"),
		StoragePath:        v.GetString("storage_path"),
		MetaPath:           v.GetString("meta_path"),
		GaugeInterval:      gaugeInterval,
	}

	reg := prometheus.NewRegistry()

	var coordClient coordinator.Client
	if cfg.CoordinatorLocator != "" {
		endpoints := strings.Split(cfg.CoordinatorLocator, ",")
		etcdClient, err := coordinator.NewEtcdClient(endpoints)
		if err != nil {
			level.Error(logger).Log("msg", "failed to dial coordinator, continuing standalone", "err", err)
		} else {
			coordClient = etcdClient
		}
	}

	// The master-side replica manager and log head are out-of-process
	// collaborators reached over RPC in a full deployment (spec §1); this
	// binary runs the backup server's own lifecycle only, so the Failure
	// Monitor stays disabled (nil replicaManager/log) until that RPC client
	// exists.
	srv, err := server.New(cfg, logger, reg, coordClient, nil, nil)
	if err != nil {
		return err
	}

	metricsAddr := v.GetString("metrics_addr")
	metricsSrv := &http.Server{
		Addr:    metricsAddr,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	go func() {
		level.Info(logger).Log("msg", "serving metrics", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			level.Error(logger).Log("msg", "metrics server exited", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		level.Info(logger).Log("msg", "shutdown signal received")
		cancel()
	}()

	go func() {
		if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			level.Debug(logger).Log("msg", "sd_notify unavailable", "err", err)
		}
	}()

	runErr := srv.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		level.Error(logger).Log("msg", "shutdown error", "err", err)
	}
	_ = metricsSrv.Close()

	return runErr
}
