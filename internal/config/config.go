package config

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the root structure of config.yaml. It is built once in main
// and handed to every component constructor.
type Config struct {
	Sync   SyncConfig   `yaml:"sync"`
	Lock   LockConfig   `yaml:"lock"`
	VLC    VLCConfig    `yaml:"vlc"`
	Update UpdateConfig `yaml:"update"`
	System SystemConfig `yaml:"system"`
}

// SyncConfig controls the media refresh pipeline.
type SyncConfig struct {
	// SourceURL points at either a zip of the media folder (mode "archive")
	// or a JSON manifest of individual files (mode "manifest").
	SourceURL  string `yaml:"source_url"`
	SourceMode string `yaml:"source_mode"`
	MediaDir   string `yaml:"media_dir"`
	StagingDir string `yaml:"staging_dir"`
	Interval   string `yaml:"interval"`

	MaxAttempts int    `yaml:"max_attempts"`
	BackoffBase string `yaml:"backoff_base"`
	// SizeCap is human readable, e.g. "512 MB". A download reaching the cap
	// is treated as corrupt and never retried.
	SizeCap       string `yaml:"size_cap"`
	KeepBackup    bool   `yaml:"keep_backup"`
	MaxConcurrent int    `yaml:"max_concurrent"`

	IntervalDuration    time.Duration `yaml:"-"`
	BackoffBaseDuration time.Duration `yaml:"-"`
	SizeCapBytes        int64         `yaml:"-"`
}

// LockConfig controls the cross-process sync lock.
type LockConfig struct {
	Path      string `yaml:"path"`
	Staleness string `yaml:"staleness"`

	StalenessDuration time.Duration `yaml:"-"`
}

// VLCConfig describes the playback consumer.
type VLCConfig struct {
	Binary string `yaml:"binary"`
	// The HTTP interface uses VLC's empty-username basic auth convention.
	HTTPHost       string `yaml:"http_host"`
	HTTPPort       int    `yaml:"http_port"`
	HTTPPassword   string `yaml:"http_password"`
	Service        string `yaml:"service"`
	QuiesceTimeout string `yaml:"quiesce_timeout"`

	QuiesceTimeoutDuration time.Duration `yaml:"-"`
}

// UpdateConfig points the version check at the code repository.
type UpdateConfig struct {
	RepoOwner  string `yaml:"repo_owner"`
	RepoName   string `yaml:"repo_name"`
	RepoBranch string `yaml:"repo_branch"`
	Token      string `yaml:"token"`
}

// SystemConfig holds device-level settings.
type SystemConfig struct {
	DBPath         string `yaml:"db_path"`
	LogLevel       string `yaml:"log_level"`
	LogFile        string `yaml:"log_file"`
	LogFormat      string `yaml:"log_format"`
	DeviceID       string `yaml:"device_id"`
	HealthcheckURL string `yaml:"healthcheck_url"`
}

// Load reads, parses and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Sync.SourceURL == "" {
		return nil, fmt.Errorf("sync.source_url is not configured")
	}
	if cfg.Sync.MediaDir == "" {
		return nil, fmt.Errorf("sync.media_dir is not configured")
	}

	// Defaults
	if cfg.Sync.SourceMode == "" {
		cfg.Sync.SourceMode = "archive"
	}
	if cfg.Sync.SourceMode != "archive" && cfg.Sync.SourceMode != "manifest" {
		return nil, fmt.Errorf("unknown sync.source_mode: %s", cfg.Sync.SourceMode)
	}
	if cfg.Sync.StagingDir == "" {
		cfg.Sync.StagingDir = cfg.Sync.MediaDir + ".staging"
	}
	if cfg.Sync.Interval == "" {
		cfg.Sync.Interval = "30m"
	}
	if cfg.Sync.MaxAttempts <= 0 {
		cfg.Sync.MaxAttempts = 3
	}
	if cfg.Sync.BackoffBase == "" {
		cfg.Sync.BackoffBase = "5s"
	}
	if cfg.Sync.SizeCap == "" {
		cfg.Sync.SizeCap = "2 GB"
	}
	if cfg.Sync.MaxConcurrent <= 0 {
		cfg.Sync.MaxConcurrent = 3
	}
	if cfg.Lock.Path == "" {
		cfg.Lock.Path = "/tmp/vlc-sync.lock"
	}
	if cfg.Lock.Staleness == "" {
		cfg.Lock.Staleness = "1h"
	}
	if cfg.VLC.Binary == "" {
		cfg.VLC.Binary = "/usr/bin/vlc"
	}
	if cfg.VLC.HTTPHost == "" {
		cfg.VLC.HTTPHost = "localhost"
	}
	if cfg.VLC.HTTPPort == 0 {
		cfg.VLC.HTTPPort = 8080
	}
	if cfg.VLC.HTTPPassword == "" {
		cfg.VLC.HTTPPassword = "vlc"
	}
	if cfg.VLC.Service == "" {
		cfg.VLC.Service = "vlc-player"
	}
	if cfg.VLC.QuiesceTimeout == "" {
		cfg.VLC.QuiesceTimeout = "5s"
	}
	if cfg.Update.RepoOwner == "" {
		cfg.Update.RepoOwner = "azikatti"
	}
	if cfg.Update.RepoName == "" {
		cfg.Update.RepoName = "Berlin-dooh-device"
	}
	if cfg.Update.RepoBranch == "" {
		cfg.Update.RepoBranch = "main"
	}
	if cfg.System.DBPath == "" {
		cfg.System.DBPath = "data/sync.db"
	}

	// Parse durations and sizes
	if cfg.Sync.IntervalDuration, err = time.ParseDuration(cfg.Sync.Interval); err != nil {
		return nil, fmt.Errorf("invalid sync.interval: %w", err)
	}
	if cfg.Sync.BackoffBaseDuration, err = time.ParseDuration(cfg.Sync.BackoffBase); err != nil {
		return nil, fmt.Errorf("invalid sync.backoff_base: %w", err)
	}
	if cfg.Lock.StalenessDuration, err = time.ParseDuration(cfg.Lock.Staleness); err != nil {
		return nil, fmt.Errorf("invalid lock.staleness: %w", err)
	}
	if cfg.VLC.QuiesceTimeoutDuration, err = time.ParseDuration(cfg.VLC.QuiesceTimeout); err != nil {
		return nil, fmt.Errorf("invalid vlc.quiesce_timeout: %w", err)
	}
	capBytes, err := humanize.ParseBytes(cfg.Sync.SizeCap)
	if err != nil {
		return nil, fmt.Errorf("invalid sync.size_cap: %w", err)
	}
	cfg.Sync.SizeCapBytes = int64(capBytes)

	return &cfg, nil
}

// DeviceID returns the configured device identity, falling back to the
// hostname when none is set.
func (c *Config) DeviceID() string {
	if c.System.DeviceID != "" {
		return c.System.DeviceID
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown-device"
	}
	return host
}
