package player

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/azikatti/Berlin-dooh-device/internal/playlist"
)

// kioskArgs is the fixed VLC flag set for an unattended signage screen.
var kioskArgs = []string{
	"--intf", "dummy", // no GUI, works under Wayland
	"--fullscreen",
	"--no-mouse-events",
	"--no-keyboard-events",
	"--loop",
	"--quiet",
	"--no-osd",
}

// Run launches VLC on the live playlist and blocks until it exits.
func Run(ctx context.Context, vlcBinary, mediaDir string) error {
	pl, err := playlist.Find(mediaDir)
	if err != nil {
		return fmt.Errorf("no playlist in %s, run a sync first: %w", mediaDir, err)
	}

	args := append(append([]string{}, kioskArgs...), pl)
	slog.Info("starting playback", "binary", vlcBinary, "playlist", pl)

	cmd := exec.CommandContext(ctx, vlcBinary, args...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("vlc exited: %w", err)
	}
	return nil
}
