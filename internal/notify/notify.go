package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/azikatti/Berlin-dooh-device/internal/retry"
)

// Options configures a Notifier.
type Options struct {
	// Host and Port of VLC's HTTP interface.
	Host string
	Port int
	// Password for VLC's empty-username basic auth.
	Password string
	// Service is the systemd unit used for the restart fallback.
	Service string
	Policy  retry.Policy
	// Detect reports the consumer's pid, 0 when absent. Defaults to a
	// /proc scan for the vlc binary.
	Detect func() int
}

// Notifier tells the playback consumer that new content is live. Every
// failure here is logged and swallowed: VLC re-reads the playlist on its
// own loop cycle, so the sync result stands either way.
type Notifier struct {
	baseURL  string
	password string
	service  string
	policy   retry.Policy
	detect   func() int
	client   *http.Client
}

func New(opts Options) *Notifier {
	detect := opts.Detect
	if detect == nil {
		detect = func() int { return FindProcess("vlc") }
	}
	return &Notifier{
		baseURL:  fmt.Sprintf("http://%s:%d", opts.Host, opts.Port),
		password: opts.Password,
		service:  opts.Service,
		policy:   opts.Policy,
		detect:   detect,
		client:   &http.Client{Timeout: 2 * time.Second},
	}
}

// Notify reloads playlistPath into a running consumer, falling back to a
// service restart. A stopped consumer is left alone.
func (n *Notifier) Notify(ctx context.Context, playlistPath string) {
	pid := n.detect()
	if pid == 0 {
		slog.Info("consumer not running, new content will play on next start")
		return
	}

	if err := n.reload(ctx, playlistPath); err != nil {
		slog.Warn("playlist reload failed, restarting consumer service", "err", err)
		if err := n.restartService(ctx); err != nil {
			slog.Warn("consumer restart failed, it will pick up new content on its own cycle", "err", err)
		}
		return
	}
	slog.Info("consumer playlist reloaded", "pid", pid)
}

// reload drives VLC's HTTP control surface: clear the queue, enqueue the
// new playlist, resume playback.
func (n *Notifier) reload(ctx context.Context, playlistPath string) error {
	abs, err := filepath.Abs(playlistPath)
	if err != nil {
		return fmt.Errorf("resolve playlist path: %w", err)
	}
	fileURL := "file://" + abs

	commands := []string{
		"command=pl_empty",
		"command=in_enqueue&input=" + url.QueryEscape(fileURL),
		"command=pl_play",
	}
	for _, cmd := range commands {
		if err := n.control(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (n *Notifier) control(ctx context.Context, query string) error {
	endpoint := n.baseURL + "/requests/status.xml?" + query
	return n.policy.Do(ctx, "vlc control", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.SetBasicAuth("", n.password)

		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("vlc http status %d", resp.StatusCode)
		}
		return nil
	})
}

func (n *Notifier) restartService(ctx context.Context) error {
	if n.service == "" {
		return fmt.Errorf("no consumer service configured")
	}
	cmd := exec.CommandContext(ctx, "systemctl", "restart", n.service)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("systemctl restart %s: %w (%s)", n.service, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// FindProcess scans /proc for a process whose command name matches name
// and returns its pid, 0 when none is found.
func FindProcess(name string) int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0
	}
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		comm, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "comm"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(comm)) == name {
			return pid
		}
	}
	return 0
}
