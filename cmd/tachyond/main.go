// Command tachyond is the download orchestrator daemon: it owns the
// Journal, starts the Orchestrator's admission loop and the REST control
// plane, and shuts down cleanly on SIGINT/SIGTERM. There is no GUI here;
// the process is the product.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"tachyon-orchestrator/internal/analytics"
	"tachyon-orchestrator/internal/api"
	"tachyon-orchestrator/internal/config"
	"tachyon-orchestrator/internal/engine"
	"tachyon-orchestrator/internal/events"
	"tachyon-orchestrator/internal/filesystem"
	"tachyon-orchestrator/internal/journal"
	"tachyon-orchestrator/internal/lane"
	"tachyon-orchestrator/internal/logger"
	"tachyon-orchestrator/internal/network"
	"tachyon-orchestrator/internal/orchestrator"
	"tachyon-orchestrator/internal/partfile"
	"tachyon-orchestrator/internal/security"
)

func main() {
	dataDir := flag.String("data-dir", defaultDataDir(), "directory for the journal, analytics db, and logs")
	flag.Parse()

	if err := run(*dataDir); err != nil {
		fmt.Fprintln(os.Stderr, "tachyond:", err)
		os.Exit(1)
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".tachyon")
	}
	return ".tachyon"
}

func run(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	bus := events.NewBus()
	log, err := logger.New(os.Stdout, filepath.Join(dataDir, "logs"), events.LogSink{Bus: bus})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	tunables := config.LoadTunables()

	j, err := journal.Open(filepath.Join(dataDir, "journal"), journal.Options{MaxFailures: tunables.MaxFailures})
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()

	cfg := config.NewManager(j.DB())

	store, err := analytics.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open analytics store: %w", err)
	}
	defer store.Close()
	go trackCompletions(bus.Subscribe(), store, log)

	scanner := security.NewScanner(log)
	bandwidth := network.NewBandwidthManager()
	if limit := cfg.GetBandwidthLimitBytes(); limit > 0 {
		bandwidth.SetLimit(limit)
	}

	congestion := network.NewCongestionController(2, 16)
	go seedConcurrencyFromSpeedTest(congestion, store, log, bus)

	eng := engine.New(engine.Deps{
		Transport:  engine.NewHTTPTransport(cfg.GetUserAgent()),
		Journal:    j,
		PartFile:   partfile.New(),
		Congestion: congestion,
		Bandwidth:  bandwidth,
		Organizer:  filesystem.NewSmartOrganizer(),
		Scanner:    scanner,
		Sink:       bus,
		Logger:     log,
		Tunables:   tunables,
	})

	sched := lane.New(lane.DefaultConfig(tunables.PoolSize))
	orch := orchestrator.New(orchestrator.Deps{
		Journal:   j,
		Scheduler: sched,
		Engine:    eng,
		Bus:       bus,
		Tunables:  tunables,
		Logger:    log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	audit := security.NewAuditLogger(log, filepath.Join(dataDir, "logs"))
	server := api.NewControlServer(orch, cfg, audit, log)
	server.Start(cfg.GetControlAPIPort())

	log.Info("tachyond started", "data_dir", dataDir, "pool_size", tunables.PoolSize)
	<-ctx.Done()
	log.Info("shutting down")
	orch.Shutdown()
	return nil
}

// seedConcurrencyFromSpeedTest runs a one-off speed test at startup and
// uses the measured download throughput to prime the congestion
// controller's slow-start concurrency, instead of every new host starting
// at minWorkers regardless of how fast the link actually is. One worker
// per ~20Mbps is a rough AIMD-friendly starting point; RecordOutcome takes
// over from there as real chunks complete.
func seedConcurrencyFromSpeedTest(cc *network.CongestionController, store *analytics.Store, log *slog.Logger, bus *events.Bus) {
	result, err := network.RunSpeedTestWithSink(bus)
	if err != nil {
		log.Warn("startup speed test failed, using default concurrency", "error", err)
		return
	}
	workers := int(result.DownloadSpeed / 20)
	cc.SeedDefaultConcurrency(workers)
	store.UpdateDownloadSpeed(int64(result.DownloadSpeed * 1000 * 1000 / 8))
	if err := store.RecordSpeedTest(analytics.SpeedTestHistory{
		DownloadMbps: result.DownloadSpeed,
		UploadMbps:   result.UploadSpeed,
		PingMs:       result.Ping,
		ServerName:   result.ServerName,
		ISP:          result.ISP,
	}); err != nil {
		log.Warn("failed to persist speed test result", "error", err)
	}
	log.Info("startup speed test complete", "download_mbps", result.DownloadSpeed, "seeded_workers", workers)
}

// trackCompletions feeds the orchestrator's own event stream into the
// analytics store, keeping the engine itself ignorant of rollups.
func trackCompletions(sub <-chan events.Event, store *analytics.Store, log *slog.Logger) {
	for ev := range sub {
		if ev.Kind != events.KindCompleted || ev.Completed == nil {
			continue
		}
		if err := store.TrackDownloadBytes(ev.Completed.Size); err != nil {
			log.Warn("analytics track bytes failed", "error", err)
		}
		if err := store.TrackFileCompleted(); err != nil {
			log.Warn("analytics track file failed", "error", err)
		}
	}
}
