// Command compote-daemon runs the backup daemon's core: the Remote File
// State Cache and its action worker, backed by local batch storage and an
// S3-compatible remote.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/fruitsalade/compote/internal/cacheaction"
	"github.com/fruitsalade/compote/internal/config"
	"github.com/fruitsalade/compote/internal/localstore"
	"github.com/fruitsalade/compote/internal/logging"
	"github.com/fruitsalade/compote/internal/metrics"
	"github.com/fruitsalade/compote/internal/remotestore"
	"github.com/fruitsalade/compote/internal/remotestore/s3"
	"github.com/fruitsalade/compote/internal/rfsc"
	"github.com/fruitsalade/compote/internal/timer"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "status" {
		if err := runStatus(); err != nil {
			fmt.Fprintln(os.Stderr, "status:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "compote-daemon:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, sync, err := logging.Build(logging.Config{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		DebugPath: cfg.DebugLogPath,
	})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	remote, err := s3.New(ctx, s3.Config{
		Endpoint:  cfg.S3Endpoint,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Region:    cfg.S3Region,
		UseSSL:    cfg.S3UseSSL,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect remote store: %w", err)
	}

	local := localstore.New(batchDir(cfg))
	actionLog := cacheaction.New(cfg.ActionQueueDir())
	stagingDir := cfg.StateDir + string(os.PathSeparator) + "staging"
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	cache := rfsc.New(rfsc.Config{
		BatchUploadConsolidationDelay: cfg.BatchUploadDelay,
		StagingDir:                    stagingDir,
	}, local, actionLog, remote, timer.New(), logger)

	if err := cache.LoadCache(); err != nil {
		return fmt.Errorf("load cache: %w", err)
	}
	logger.Info("cache loaded",
		zap.Int("current_batch", cache.CurrentBatchNumber()),
		zap.Int("live_paths", len(cache.EnumeratePaths())))

	if err := cache.Start(); err != nil {
		return fmt.Errorf("start cache: %w", err)
	}

	stopMetrics := startMetricsServer(cfg.MetricsAddr, logger)
	defer stopMetrics(ctx)

	logger.Info("compote-daemon running", zap.String("metrics_addr", cfg.MetricsAddr))

	waitForShutdownSignal()
	logger.Info("shutdown signal received, stopping")

	cache.Stop()
	cache.WaitWhileBusy()
	cache.DrainActionQueue(30 * time.Second)

	logger.Info("compote-daemon stopped",
		zap.Int("remaining_action_queue_depth", cache.ActionQueueDepth()))
	return nil
}

// runStatus is a read-only inspection of the on-disk state: it loads the
// cache the way the daemon would at startup, without launching the
// action worker, and prints a summary.
func runStatus() error {
	stateDir := flag.String("state-dir", os.Getenv("COMPOTE_STATE_DIR"), "state directory")
	flag.CommandLine.Parse(os.Args[2:])

	if *stateDir == "" {
		return fmt.Errorf("state directory not set (use -state-dir or COMPOTE_STATE_DIR)")
	}

	summary, err := statusSummary(*stateDir)
	if err != nil {
		return err
	}
	fmt.Print(summary)
	return nil
}

// statusSummary loads the cache read-only from stateDir, the way
// runStatus does, and renders the inspection summary. It never requires
// a live remote store: the RFSC is constructed over
// remotestore.Unavailable{} since a status inspection never starts the
// action worker and so never calls the remote.
func statusSummary(stateDir string) (string, error) {
	local := localstore.New(stateDir + string(os.PathSeparator) + "batches")
	actionLog := cacheaction.New(stateDir + string(os.PathSeparator) + "ActionQueue")

	cache := rfsc.New(rfsc.Config{BatchUploadConsolidationDelay: time.Hour},
		local, actionLog, remotestore.Unavailable{}, timer.New(), zap.NewNop())
	if err := cache.LoadCache(); err != nil {
		return "", fmt.Errorf("load cache: %w", err)
	}

	keys, err := cacheaction.SortedKeys(actionLog)
	if err != nil {
		return "", fmt.Errorf("enumerate pending actions: %w", err)
	}

	var totalBytes int64
	for _, path := range cache.EnumeratePaths() {
		if state, ok := cache.GetFileState(path); ok && state.Size > 0 {
			totalBytes += state.Size
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "current batch:       %d\n", cache.CurrentBatchNumber())
	fmt.Fprintf(&b, "live paths:           %d\n", len(cache.EnumeratePaths()))
	fmt.Fprintf(&b, "tracked bytes:        %s\n", humanize.Bytes(uint64(totalBytes)))
	fmt.Fprintf(&b, "pending actions:      %d\n", len(keys))
	return b.String(), nil
}

func batchDir(cfg *config.Config) string {
	return cfg.StateDir + string(os.PathSeparator) + "batches"
}

func startMetricsServer(addr string, logger *zap.Logger) func(context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	return srv.Shutdown
}

func waitForShutdownSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
}
