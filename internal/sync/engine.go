package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/azikatti/Berlin-dooh-device/internal/archive"
	"github.com/azikatti/Berlin-dooh-device/internal/fetch"
	"github.com/azikatti/Berlin-dooh-device/internal/lock"
	"github.com/azikatti/Berlin-dooh-device/internal/notify"
	"github.com/azikatti/Berlin-dooh-device/internal/playlist"
	"github.com/azikatti/Berlin-dooh-device/internal/state"
	"github.com/azikatti/Berlin-dooh-device/internal/swap"
)

// ErrSyncInProgress is returned when another live holder owns the sync
// lock. It is not a failure; the caller skips this round.
var ErrSyncInProgress = errors.New("another sync is already in progress")

// EngineOptions wires the pipeline components together.
type EngineOptions struct {
	Guard    lock.Guard
	Fetcher  *fetch.Fetcher
	Swapper  *swap.Coordinator
	Notifier *notify.Notifier
	Store    *state.Store

	SourceURL  string
	SourceMode string // "archive" or "manifest"
	StagingDir string
	MediaDir   string
	MaxWorkers int

	DeviceID       string
	HealthcheckURL string
}

// Engine runs one sync: lock, fetch, extract, validate, swap, notify,
// unlock. The live media tree either moves completely to the new
// content or stays exactly as it was.
type Engine struct {
	opts *EngineOptions
}

func NewEngine(opts *EngineOptions) *Engine {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 3
	}
	return &Engine{opts: opts}
}

// Run executes one full sync cycle.
func (e *Engine) Run(ctx context.Context) error {
	runID := uuid.NewString()[:8]
	log := slog.With("run", runID, "device", e.opts.DeviceID)

	ok, err := e.opts.Guard.Acquire()
	if err != nil {
		return fmt.Errorf("acquire sync lock: %w", err)
	}
	if !ok {
		log.Info("sync lock held elsewhere, skipping this round")
		return ErrSyncInProgress
	}
	defer e.opts.Guard.Release()

	started := time.Now()
	log.Info(">>> sync started", "source", e.opts.SourceMode)

	rec := &state.SyncRecord{
		RunID:     runID,
		DeviceID:  e.opts.DeviceID,
		StartedAt: started.UnixNano(),
	}
	err = e.runLocked(ctx, log, rec)

	rec.CompletedAt = time.Now().UnixNano()
	if err != nil {
		rec.Status = state.StatusFailed
		rec.Cause = err.Error()
		log.Error("<<< sync failed", "err", err, "took", time.Since(started).Round(time.Millisecond))
	} else {
		rec.Status = state.StatusCompleted
		log.Info("<<< sync complete", "entries", rec.Entries, "took", time.Since(started).Round(time.Millisecond))
	}
	e.record(log, rec)

	return err
}

func (e *Engine) runLocked(ctx context.Context, log *slog.Logger, rec *state.SyncRecord) error {
	staging := e.opts.StagingDir

	// A crashed run may have left a staging tree behind. It is never
	// trusted or resumed, only rebuilt.
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("clean staging dir: %w", err)
	}
	if err := os.MkdirAll(staging, 0755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	// No-op once the swap has renamed staging away.
	defer os.RemoveAll(staging)

	switch e.opts.SourceMode {
	case "manifest":
		fetched, err := e.opts.Fetcher.FetchManifest(ctx, e.opts.SourceURL, staging, e.opts.MaxWorkers)
		if err != nil {
			return fmt.Errorf("fetch: %w", err)
		}
		log.Info("manifest content fetched", "files", fetched)

	default:
		archivePath, err := e.opts.Fetcher.FetchArchive(ctx, e.opts.SourceURL)
		if err != nil {
			return fmt.Errorf("fetch: %w", err)
		}
		defer os.Remove(archivePath)

		if digest, derr := fileDigest(archivePath); derr == nil {
			rec.ArchiveDigest = digest
			e.compareLastDigest(log, digest)
		}

		extracted, err := archive.Extract(archivePath, staging)
		if err != nil {
			return fmt.Errorf("extract: %w", err)
		}
		if extracted == 0 {
			return fmt.Errorf("extract: no usable files in archive")
		}
		log.Info("archive extracted", "files", extracted)
		os.Remove(archivePath)
	}

	res, err := playlist.Validate(staging)
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	rec.Entries = res.Kept

	if err := e.opts.Swapper.Swap(ctx, staging); err != nil {
		if restored, rerr := e.opts.Swapper.Restore(); rerr != nil {
			log.Error("backup restore failed, live tree may be missing", "err", rerr)
		} else if restored {
			log.Warn("previous media restored after failed swap")
		}
		return fmt.Errorf("swap: %w", err)
	}
	e.opts.Swapper.DiscardBackup()

	livePlaylist := filepath.Join(e.opts.MediaDir, filepath.FromSlash(res.RelPath))
	e.opts.Notifier.Notify(ctx, livePlaylist)
	notify.Heartbeat(ctx, e.opts.HealthcheckURL, e.opts.DeviceID)
	return nil
}

// compareLastDigest logs when the remote archive matches the previous
// successful run; the sync still proceeds and must produce an identical
// live tree.
func (e *Engine) compareLastDigest(log *slog.Logger, digest string) {
	if e.opts.Store == nil {
		return
	}
	last, err := e.opts.Store.Last()
	if err != nil || last == nil {
		return
	}
	if last.Status == state.StatusCompleted && last.ArchiveDigest == digest {
		log.Info("remote content unchanged since last sync", "digest", digest[:12])
	}
}

func (e *Engine) record(log *slog.Logger, rec *state.SyncRecord) {
	if e.opts.Store == nil {
		return
	}
	if err := e.opts.Store.Put(rec); err != nil {
		log.Warn("could not record sync run", "err", err)
	}
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
