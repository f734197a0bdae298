package lock

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Guard is the mutual-exclusion capability wrapped around a sync run.
// Acquire reports false when another live holder is within the staleness
// window; the caller must skip, not block.
type Guard interface {
	Acquire() (bool, error)
	Release()
}

// FileGuard implements Guard with a marker file of the form
// "<pid>:<unix-seconds>" at a well-known path outside the managed
// directories. A marker whose owner is dead, whose age exceeds the
// staleness threshold, or which cannot be parsed is overridden.
type FileGuard struct {
	path      string
	staleness time.Duration

	// overridable in tests
	now   func() time.Time
	alive func(pid int) bool
}

func NewFileGuard(path string, staleness time.Duration) *FileGuard {
	return &FileGuard{
		path:      path,
		staleness: staleness,
		now:       time.Now,
		alive:     processAlive,
	}
}

// Acquire claims the marker. The O_EXCL create is the atomicity primitive;
// after a stale override the claim is retried exactly once so two
// concurrent overriders cannot both win.
func (g *FileGuard) Acquire() (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := g.claim()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}

		pid, acquiredAt, parseErr := readMarker(g.path)
		if parseErr == nil {
			age := g.now().Sub(acquiredAt)
			if g.alive(pid) && age <= g.staleness {
				slog.Info("sync lock held by live process", "pid", pid, "age", age.Round(time.Second))
				return false, nil
			}
			slog.Warn("overriding stale sync lock",
				"path", g.path,
				"pid", pid,
				"age", age.Round(time.Second),
				"staleness", g.staleness,
			)
		} else {
			slog.Warn("overriding unreadable sync lock", "path", g.path, "err", parseErr)
		}

		if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
			return false, fmt.Errorf("remove stale lock: %w", err)
		}
	}
	return false, nil
}

// Release deletes the marker unconditionally. Failures are logged only:
// a leftover marker is recovered by the next run's staleness check.
func (g *FileGuard) Release() {
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		slog.Error("release sync lock", "path", g.path, "err", err)
	}
}

func (g *FileGuard) claim() (bool, error) {
	f, err := os.OpenFile(g.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("create lock marker: %w", err)
	}
	_, werr := fmt.Fprintf(f, "%d:%d", os.Getpid(), g.now().Unix())
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(g.path)
		return false, fmt.Errorf("write lock marker: %w", werr)
	}
	return true, nil
}

func readMarker(path string) (pid int, acquiredAt time.Time, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, time.Time{}, err
	}
	parts := strings.SplitN(strings.TrimSpace(string(data)), ":", 2)
	if len(parts) != 2 {
		return 0, time.Time{}, fmt.Errorf("malformed lock marker %q", string(data))
	}
	pid, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("malformed lock pid: %w", err)
	}
	sec, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("malformed lock timestamp: %w", err)
	}
	return pid, time.Unix(sec, 0), nil
}

// processAlive probes pid with a null signal. ESRCH means the process is
// gone; EPERM means it exists but is unsignalable and counts as alive.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err != unix.ESRCH
}
