package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// DirName is the per-user and per-project settings directory.
	DirName = ".aro"

	defaultMonitorPoll   = 2 * time.Second
	defaultLogMaxSizeMB  = 10
	defaultLogMaxBackups = 5
	defaultLogMaxAgeDays = 28
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	Tools   Tools
	Retry   Retry
	Monitor Monitor
	Log     Log
	OTel    OTel
}

// Tools locates external binaries and device payloads.
type Tools struct {
	ADB                 string
	Tcpdump             string
	TcpdumpPIE          string
	KeyDB               string
	APK                 string
	LibIMobileDeviceDir string
	FFmpeg              string
}

// Retry holds every bounded wait of the capture backends as attempts and
// the pause between them.
type Retry struct {
	ReadinessTimeout        time.Duration
	ReadinessSteps          int
	DeviceStopAttempts      int
	DeviceStopInterval      time.Duration
	MarkerPullAttempts      int
	MarkerPullInterval      time.Duration
	PIDLookupAttempts       int
	PIDLookupInterval       time.Duration
	TcpdumpExitAttempts     int
	TcpdumpExitInterval     time.Duration
	RVIAttempts             int
	RVIInterval             time.Duration
	ScreenshotReadyAttempts int
	ScreenshotReadyInterval time.Duration
	VideoJoinTimeout        time.Duration
}

// Monitor configures device polling.
type Monitor struct {
	PollInterval time.Duration
}

// Log configures the rotating log file.
type Log struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// OTel configures trace export.
type OTel struct {
	Endpoint string
}

type fileConfig struct {
	ADBPath             *string        `toml:"adb_path"`
	TcpdumpPath         *string        `toml:"tcpdump_path"`
	TcpdumpPIEPath      *string        `toml:"tcpdump_pie_path"`
	KeyDBPath           *string        `toml:"keydb_path"`
	APKPath             *string        `toml:"apk_path"`
	LibIMobileDeviceDir *string        `toml:"libimobiledevice_dir"`
	FFmpegPath          *string        `toml:"ffmpeg_path"`
	Retry               *retryConfig   `toml:"retry"`
	Monitor             *monitorConfig `toml:"monitor"`
	Log                 *logConfig     `toml:"log"`
	OTel                *otelConfig    `toml:"otel"`
}

type retryConfig struct {
	ReadinessTimeout        *string `toml:"readiness_timeout"`
	ReadinessSteps          *int    `toml:"readiness_steps"`
	DeviceStopAttempts      *int    `toml:"device_stop_attempts"`
	DeviceStopInterval      *string `toml:"device_stop_interval"`
	MarkerPullAttempts      *int    `toml:"marker_pull_attempts"`
	MarkerPullInterval      *string `toml:"marker_pull_interval"`
	PIDLookupAttempts       *int    `toml:"pid_lookup_attempts"`
	PIDLookupInterval       *string `toml:"pid_lookup_interval"`
	TcpdumpExitAttempts     *int    `toml:"tcpdump_exit_attempts"`
	TcpdumpExitInterval     *string `toml:"tcpdump_exit_interval"`
	RVIAttempts             *int    `toml:"rvi_attempts"`
	RVIInterval             *string `toml:"rvi_interval"`
	ScreenshotReadyAttempts *int    `toml:"screenshot_ready_attempts"`
	ScreenshotReadyInterval *string `toml:"screenshot_ready_interval"`
	VideoJoinTimeout        *string `toml:"video_join_timeout"`
}

type monitorConfig struct {
	PollInterval *string `toml:"poll_interval"`
}

type logConfig struct {
	MaxSizeMB  *int `toml:"max_size_mb"`
	MaxBackups *int `toml:"max_backups"`
	MaxAgeDays *int `toml:"max_age_days"`
}

type otelConfig struct {
	Endpoint *string `toml:"endpoint"`
}

// Load reads config from ~/.aro/config.toml and overlays a project-local .aro/config.toml.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	_ = ctx
	return LoadFiles(
		filepath.Join(homeDir, DirName, "config.toml"),
		filepath.Join(workingDir, DirName, "config.toml"),
	)
}

// LoadFiles overlays each existing file onto the defaults in order.
func LoadFiles(paths ...string) (*Config, error) {
	cfg := Defaults()
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		Tools: Tools{
			ADB:        "adb",
			Tcpdump:    "tcpdump",
			TcpdumpPIE: "tcpdump_pie",
			KeyDB:      "key.db",
			APK:        "ARODataCollector.apk",
			FFmpeg:     "ffmpeg",
		},
		Retry: Retry{
			ReadinessTimeout:        30 * time.Second,
			ReadinessSteps:          30,
			DeviceStopAttempts:      10,
			DeviceStopInterval:      time.Second,
			MarkerPullAttempts:      5,
			MarkerPullInterval:      500 * time.Millisecond,
			PIDLookupAttempts:       40,
			PIDLookupInterval:       50 * time.Millisecond,
			TcpdumpExitAttempts:     40,
			TcpdumpExitInterval:     100 * time.Millisecond,
			RVIAttempts:             10,
			RVIInterval:             500 * time.Millisecond,
			ScreenshotReadyAttempts: 50,
			ScreenshotReadyInterval: 100 * time.Millisecond,
			VideoJoinTimeout:        2 * time.Second,
		},
		Monitor: Monitor{PollInterval: defaultMonitorPoll},
		Log: Log{
			MaxSizeMB:  defaultLogMaxSizeMB,
			MaxBackups: defaultLogMaxBackups,
			MaxAgeDays: defaultLogMaxAgeDays,
		},
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("decode config file %q: unsupported key %s", path, undecoded[0].String())
	}

	applyToolOverrides(cfg, decoded)
	if err := applyRetryOverrides(cfg, decoded.Retry, path); err != nil {
		return err
	}
	if decoded.Monitor != nil && decoded.Monitor.PollInterval != nil {
		value, err := parseDuration(*decoded.Monitor.PollInterval, "monitor.poll_interval", path)
		if err != nil {
			return err
		}
		cfg.Monitor.PollInterval = value
	}
	if err := applyLogOverrides(cfg, decoded.Log, path); err != nil {
		return err
	}
	if decoded.OTel != nil && decoded.OTel.Endpoint != nil {
		cfg.OTel.Endpoint = strings.TrimSpace(*decoded.OTel.Endpoint)
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s in %q: must be > 0", key, path)
	}
	return parsed, nil
}

func applyToolOverrides(cfg *Config, decoded fileConfig) {
	set := func(target *string, value *string) {
		if value != nil && strings.TrimSpace(*value) != "" {
			*target = strings.TrimSpace(*value)
		}
	}
	set(&cfg.Tools.ADB, decoded.ADBPath)
	set(&cfg.Tools.Tcpdump, decoded.TcpdumpPath)
	set(&cfg.Tools.TcpdumpPIE, decoded.TcpdumpPIEPath)
	set(&cfg.Tools.KeyDB, decoded.KeyDBPath)
	set(&cfg.Tools.APK, decoded.APKPath)
	set(&cfg.Tools.LibIMobileDeviceDir, decoded.LibIMobileDeviceDir)
	set(&cfg.Tools.FFmpeg, decoded.FFmpegPath)
}

func applyRetryOverrides(cfg *Config, decoded *retryConfig, path string) error {
	if decoded == nil {
		return nil
	}

	counts := []struct {
		key    string
		value  *int
		target *int
	}{
		{"retry.readiness_steps", decoded.ReadinessSteps, &cfg.Retry.ReadinessSteps},
		{"retry.device_stop_attempts", decoded.DeviceStopAttempts, &cfg.Retry.DeviceStopAttempts},
		{"retry.marker_pull_attempts", decoded.MarkerPullAttempts, &cfg.Retry.MarkerPullAttempts},
		{"retry.pid_lookup_attempts", decoded.PIDLookupAttempts, &cfg.Retry.PIDLookupAttempts},
		{"retry.tcpdump_exit_attempts", decoded.TcpdumpExitAttempts, &cfg.Retry.TcpdumpExitAttempts},
		{"retry.rvi_attempts", decoded.RVIAttempts, &cfg.Retry.RVIAttempts},
		{"retry.screenshot_ready_attempts", decoded.ScreenshotReadyAttempts, &cfg.Retry.ScreenshotReadyAttempts},
	}
	for _, count := range counts {
		if count.value == nil {
			continue
		}
		if *count.value <= 0 {
			return fmt.Errorf("parse %s in %q: must be > 0", count.key, path)
		}
		*count.target = *count.value
	}

	durations := []struct {
		key    string
		value  *string
		target *time.Duration
	}{
		{"retry.readiness_timeout", decoded.ReadinessTimeout, &cfg.Retry.ReadinessTimeout},
		{"retry.device_stop_interval", decoded.DeviceStopInterval, &cfg.Retry.DeviceStopInterval},
		{"retry.marker_pull_interval", decoded.MarkerPullInterval, &cfg.Retry.MarkerPullInterval},
		{"retry.pid_lookup_interval", decoded.PIDLookupInterval, &cfg.Retry.PIDLookupInterval},
		{"retry.tcpdump_exit_interval", decoded.TcpdumpExitInterval, &cfg.Retry.TcpdumpExitInterval},
		{"retry.rvi_interval", decoded.RVIInterval, &cfg.Retry.RVIInterval},
		{"retry.screenshot_ready_interval", decoded.ScreenshotReadyInterval, &cfg.Retry.ScreenshotReadyInterval},
		{"retry.video_join_timeout", decoded.VideoJoinTimeout, &cfg.Retry.VideoJoinTimeout},
	}
	for _, duration := range durations {
		if duration.value == nil {
			continue
		}
		value, err := parseDuration(*duration.value, duration.key, path)
		if err != nil {
			return err
		}
		*duration.target = value
	}
	return nil
}

func applyLogOverrides(cfg *Config, decoded *logConfig, path string) error {
	if decoded == nil {
		return nil
	}
	if decoded.MaxSizeMB != nil {
		if *decoded.MaxSizeMB <= 0 {
			return fmt.Errorf("parse log.max_size_mb in %q: must be > 0", path)
		}
		cfg.Log.MaxSizeMB = *decoded.MaxSizeMB
	}
	if decoded.MaxBackups != nil {
		if *decoded.MaxBackups < 0 {
			return fmt.Errorf("parse log.max_backups in %q: must be >= 0", path)
		}
		cfg.Log.MaxBackups = *decoded.MaxBackups
	}
	if decoded.MaxAgeDays != nil {
		if *decoded.MaxAgeDays < 0 {
			return fmt.Errorf("parse log.max_age_days in %q: must be >= 0", path)
		}
		cfg.Log.MaxAgeDays = *decoded.MaxAgeDays
	}
	return nil
}
