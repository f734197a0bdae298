package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/azikatti/Berlin-dooh-device/internal/config"
	"github.com/azikatti/Berlin-dooh-device/internal/fetch"
	"github.com/azikatti/Berlin-dooh-device/internal/lock"
	"github.com/azikatti/Berlin-dooh-device/internal/notify"
	"github.com/azikatti/Berlin-dooh-device/internal/player"
	"github.com/azikatti/Berlin-dooh-device/internal/retry"
	"github.com/azikatti/Berlin-dooh-device/internal/state"
	"github.com/azikatti/Berlin-dooh-device/internal/swap"
	syncer "github.com/azikatti/Berlin-dooh-device/internal/sync"
	"github.com/azikatti/Berlin-dooh-device/internal/update"
	"github.com/azikatti/Berlin-dooh-device/pkg/logger"
)

// Version is compared against the repository's VERSION file by the
// check-update command.
const Version = "2.0.0"

const usage = "usage: dooh-device [sync|daemon|play|check-update]"

func main() {
	configPath := os.Getenv("DOOH_CONFIG")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	if err := logger.Setup(cfg.System.LogLevel, cfg.System.LogFile, cfg.System.LogFormat); err != nil {
		fmt.Fprintln(os.Stderr, "logger error:", err)
		os.Exit(1)
	}

	cmd := "sync"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "sync":
		os.Exit(runSyncOnce(ctx, cfg))
	case "daemon":
		runDaemon(ctx, cfg)
	case "play":
		if err := player.Run(ctx, cfg.VLC.Binary, cfg.Sync.MediaDir); err != nil {
			slog.Error("playback failed", "err", err)
			os.Exit(1)
		}
	case "check-update":
		os.Exit(runCheckUpdate(ctx, cfg))
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}

// buildEngine wires every pipeline component from the one Config value.
func buildEngine(cfg *config.Config) (*syncer.Engine, *state.Store, error) {
	store, err := state.Open(cfg.System.DBPath)
	if err != nil {
		return nil, nil, err
	}

	policy := retry.Policy{
		MaxAttempts: cfg.Sync.MaxAttempts,
		Delay:       cfg.Sync.BackoffBaseDuration,
	}

	engine := syncer.NewEngine(&syncer.EngineOptions{
		Guard: lock.NewFileGuard(cfg.Lock.Path, cfg.Lock.StalenessDuration),
		Fetcher: fetch.New(fetch.Options{
			Policy:  policy,
			SizeCap: cfg.Sync.SizeCapBytes,
		}),
		Swapper: swap.New(cfg.Sync.MediaDir, swap.Options{
			KeepBackup:     cfg.Sync.KeepBackup,
			QuiesceTimeout: cfg.VLC.QuiesceTimeoutDuration,
			ConsumerPID:    func() int { return notify.FindProcess("vlc") },
		}),
		Notifier: notify.New(notify.Options{
			Host:     cfg.VLC.HTTPHost,
			Port:     cfg.VLC.HTTPPort,
			Password: cfg.VLC.HTTPPassword,
			Service:  cfg.VLC.Service,
			Policy:   retry.Policy{MaxAttempts: 2, Delay: 500 * time.Millisecond},
		}),
		Store:          store,
		SourceURL:      cfg.Sync.SourceURL,
		SourceMode:     cfg.Sync.SourceMode,
		StagingDir:     cfg.Sync.StagingDir,
		MediaDir:       cfg.Sync.MediaDir,
		MaxWorkers:     cfg.Sync.MaxConcurrent,
		DeviceID:       cfg.DeviceID(),
		HealthcheckURL: cfg.System.HealthcheckURL,
	})
	return engine, store, nil
}

func runSyncOnce(ctx context.Context, cfg *config.Config) int {
	engine, store, err := buildEngine(cfg)
	if err != nil {
		slog.Error("startup failed", "err", err)
		return 1
	}
	defer store.Close()

	err = engine.Run(ctx)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, syncer.ErrSyncInProgress):
		// Not a failure by contract; the concurrent run covers us.
		return 0
	default:
		return 1
	}
}

func runDaemon(ctx context.Context, cfg *config.Config) {
	engine, store, err := buildEngine(cfg)
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	slog.Info("media sync daemon starting",
		"version", Version,
		"device", cfg.DeviceID(),
		"interval", cfg.Sync.IntervalDuration,
		"media_dir", cfg.Sync.MediaDir,
	)

	var wg sync.WaitGroup
	var isSyncing atomic.Bool

	runSync := func() {
		// The file lock already serializes across processes; this guard
		// just stops one daemon from stacking up rounds.
		if !isSyncing.CompareAndSwap(false, true) {
			slog.Info("previous round still running, skipping tick")
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer isSyncing.Store(false)

			if err := engine.Run(ctx); err != nil && !errors.Is(err, syncer.ErrSyncInProgress) {
				if ctx.Err() != nil {
					slog.Warn("sync interrupted by shutdown")
				}
			}
		}()
	}

	runSync()

	ticker := time.NewTicker(cfg.Sync.IntervalDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runSync()
		case <-ctx.Done():
			slog.Info("shutting down, waiting for running sync")
			wg.Wait()
			slog.Info("daemon stopped")
			return
		}
	}
}

func runCheckUpdate(ctx context.Context, cfg *config.Config) int {
	checker := update.NewChecker(
		cfg.Update.RepoOwner,
		cfg.Update.RepoName,
		cfg.Update.RepoBranch,
		cfg.Update.Token,
		retry.Policy{MaxAttempts: cfg.Sync.MaxAttempts, Delay: cfg.Sync.BackoffBaseDuration},
	)

	remote, available, err := checker.Check(ctx, Version)
	if err != nil {
		slog.Error("version check failed", "err", err)
		return 1
	}
	if available {
		fmt.Printf("update available: %s -> %s\n", Version, remote)
	} else {
		fmt.Printf("up to date (%s)\n", Version)
	}
	return 0
}
