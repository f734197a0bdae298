package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const minimalConfig = `
sync:
  source_url: "https://example.com/media.zip?dl=1"
  media_dir: /tmp/dooh-test/media
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "archive", cfg.Sync.SourceMode)
	assert.Equal(t, "/tmp/dooh-test/media.staging", cfg.Sync.StagingDir)
	assert.Equal(t, 30*time.Minute, cfg.Sync.IntervalDuration)
	assert.Equal(t, 3, cfg.Sync.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Sync.BackoffBaseDuration)
	assert.EqualValues(t, 2_000_000_000, cfg.Sync.SizeCapBytes)
	assert.Equal(t, "/tmp/vlc-sync.lock", cfg.Lock.Path)
	assert.Equal(t, time.Hour, cfg.Lock.StalenessDuration)
	assert.Equal(t, 8080, cfg.VLC.HTTPPort)
	assert.Equal(t, "vlc-player", cfg.VLC.Service)
	assert.Equal(t, 5*time.Second, cfg.VLC.QuiesceTimeoutDuration)
}

func TestLoadExplicitValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
sync:
  source_url: "https://example.com/manifest.json"
  source_mode: manifest
  media_dir: /data/media
  staging_dir: /data/staging
  interval: 15m
  max_attempts: 5
  backoff_base: 30s
  size_cap: "512 MB"
  keep_backup: true
  max_concurrent: 8
lock:
  path: /run/media-sync.lock
  staleness: 2h
system:
  device_id: Device3
`))
	require.NoError(t, err)

	assert.Equal(t, "manifest", cfg.Sync.SourceMode)
	assert.Equal(t, "/data/staging", cfg.Sync.StagingDir)
	assert.Equal(t, 8, cfg.Sync.MaxConcurrent)
	assert.EqualValues(t, 512_000_000, cfg.Sync.SizeCapBytes)
	assert.Equal(t, 2*time.Hour, cfg.Lock.StalenessDuration)
	assert.Equal(t, "Device3", cfg.DeviceID())
}

func TestLoadRejectsMissingSourceURL(t *testing.T) {
	_, err := Load(writeConfig(t, `
sync:
  media_dir: /tmp/media
`))
	assert.ErrorContains(t, err, "source_url")
}

func TestLoadRejectsBadInterval(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`  interval: soon`))
	assert.ErrorContains(t, err, "interval")
}

func TestLoadRejectsUnknownSourceMode(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`  source_mode: torrent`))
	assert.ErrorContains(t, err, "source_mode")
}

func TestDeviceIDFallsBackToHostname(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	host, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, host, cfg.DeviceID())
}
