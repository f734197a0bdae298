package notify

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Heartbeat pings the monitoring URL after a successful sync so the
// fleet dashboard sees the device as healthy. Failures are logged only.
func Heartbeat(ctx context.Context, pingURL, deviceID string) {
	if pingURL == "" {
		return
	}

	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pingURL, nil)
	if err != nil {
		slog.Warn("heartbeat skipped", "err", err)
		return
	}

	resp, err := client.Do(req)
	if err != nil {
		slog.Warn("heartbeat failed", "device", deviceID, "err", err)
		return
	}
	resp.Body.Close()
	slog.Info("heartbeat sent", "device", deviceID, "status", resp.StatusCode)
}
