package swap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Options configures a Coordinator.
type Options struct {
	// KeepBackup snapshots the live tree before it is replaced, enabling
	// Restore when a later step fails.
	KeepBackup bool
	// QuiesceTimeout bounds the courtesy wait for the consumer before
	// the swap proceeds anyway.
	QuiesceTimeout time.Duration
	// ConsumerPID reports the playback consumer's pid, 0 when absent.
	ConsumerPID func() int
}

// Coordinator replaces the live media tree with a validated staging
// tree. The commit is remove-then-rename within one filesystem, so no
// reader ever observes a mix of old and new content.
type Coordinator struct {
	liveRoot   string
	backupPath string
	opts       Options

	tookBackup bool
}

func New(liveRoot string, opts Options) *Coordinator {
	return &Coordinator{
		liveRoot:   liveRoot,
		backupPath: liveRoot + ".bak",
		opts:       opts,
	}
}

// Swap commits stagingRoot as the new live tree.
func (c *Coordinator) Swap(ctx context.Context, stagingRoot string) error {
	c.awaitQuiesce(ctx)

	if c.opts.KeepBackup && dirNonEmpty(c.liveRoot) {
		if err := os.RemoveAll(c.backupPath); err != nil {
			return fmt.Errorf("clear previous backup: %w", err)
		}
		if err := os.Rename(c.liveRoot, c.backupPath); err != nil {
			return fmt.Errorf("snapshot live tree: %w", err)
		}
		c.tookBackup = true
	} else if err := os.RemoveAll(c.liveRoot); err != nil {
		return fmt.Errorf("remove live tree: %w", err)
	}

	if err := os.Rename(stagingRoot, c.liveRoot); err != nil {
		return fmt.Errorf("publish staging tree: %w", err)
	}

	slog.Info("media swapped", "live", c.liveRoot, "backup", c.tookBackup)
	return nil
}

// Restore puts the pre-swap snapshot back, reversing the same
// remove+rename pair. It reports whether a snapshot was available.
func (c *Coordinator) Restore() (bool, error) {
	if !c.tookBackup {
		return false, nil
	}
	if err := os.RemoveAll(c.liveRoot); err != nil {
		return true, fmt.Errorf("clear failed live tree: %w", err)
	}
	if err := os.Rename(c.backupPath, c.liveRoot); err != nil {
		return true, fmt.Errorf("restore backup: %w", err)
	}
	c.tookBackup = false
	slog.Warn("live tree restored from backup", "live", c.liveRoot)
	return true, nil
}

// DiscardBackup drops the snapshot once the sync has fully succeeded.
func (c *Coordinator) DiscardBackup() {
	if !c.tookBackup {
		return
	}
	if err := os.RemoveAll(c.backupPath); err != nil {
		slog.Warn("could not remove backup", "path", c.backupPath, "err", err)
	}
	c.tookBackup = false
}

// awaitQuiesce polls the consumer before touching the live tree. This is
// a courtesy, not a guarantee: on timeout the swap proceeds and a
// momentary playback disruption is accepted.
func (c *Coordinator) awaitQuiesce(ctx context.Context) {
	if c.opts.QuiesceTimeout <= 0 || c.opts.ConsumerPID == nil {
		return
	}

	deadline := time.Now().Add(c.opts.QuiesceTimeout)
	for {
		pid := c.opts.ConsumerPID()
		if pid == 0 {
			return
		}
		if time.Now().After(deadline) {
			slog.Warn("consumer still active, swapping anyway", "pid", pid)
			return
		}
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return
		}
	}
}

func dirNonEmpty(path string) bool {
	entries, err := os.ReadDir(path)
	return err == nil && len(entries) > 0
}
