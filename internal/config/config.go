package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "line"

	defaultBusQueueSize   = 1024
	defaultBusStatusEvery = 30 * time.Second
	defaultBusHighMark    = 0.75
	defaultBusCritical    = 0.9

	defaultHealthEvery     = 15 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultDedupWindow = 30 * time.Second

	defaultFrameWidth  = 1920
	defaultFrameHeight = 1080

	defaultRouterMinConfidence = 0.5
	defaultRouterCooldown      = 5 * time.Second
	defaultRouterTimeout       = 30 * time.Second
	defaultRouterIoU           = 0.6

	defaultRateMaxEvents = 10
	defaultRateWindow    = time.Minute

	defaultArtifactFPS          = 10
	defaultArtifactDuration     = 2 * time.Second
	defaultArtifactMaxFrames    = 100
	defaultArtifactMaxArtifacts = 50
	defaultArtifactPending      = 8

	defaultRetentionEvery      = 5 * time.Minute
	defaultRetentionMaxAge     = 7 * 24 * time.Hour
	defaultRetentionAggressive = 24 * time.Hour
	defaultRetentionLowSpace   = 10.0

	defaultPprofListen = "127.0.0.1:6060"
)

// Duration wraps time.Duration for TOML parsing.
// Params: text duration string (e.g. "5s", "1m").
// Returns: parse error on invalid duration.
type Duration struct {
	time.Duration
}

// UnmarshalText parses TOML duration values.
// Params: text is raw duration bytes from TOML.
// Returns: error when value is not a valid Go duration.
func (d *Duration) UnmarshalText(text []byte) error {
	value := strings.TrimSpace(string(text))
	if value == "" {
		d.Duration = 0
		return nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value, err)
	}

	d.Duration = parsed
	return nil
}

// Config represents the root pipeline configuration.
// Params: TOML document sections with environment overrides applied on top.
// Returns: validated runtime configuration.
type Config struct {
	Global  GlobalConfig  `toml:"global"`
	Log     LogConfig     `toml:"log"`
	Pprof   PprofConfig   `toml:"pprof"`
	Bus     BusConfig     `toml:"bus"`
	Health  HealthConfig  `toml:"health"`
	Modules ModulesConfig `toml:"modules"`
}

// GlobalConfig contains shared deployment identity tags.
// Params: configured site/host tags.
// Returns: global tag settings attached to logs.
type GlobalConfig struct {
	Site string `toml:"site" env:"WATCHPOST_SITE"`
	Host string `toml:"host" env:"WATCHPOST_HOST"`
}

// LogConfig contains console/file logging configuration.
// Params: console and file sink options.
// Returns: logger sink settings.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink options from TOML.
// Returns: sink setup.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// PprofConfig defines optional runtime pprof HTTP endpoint.
// Params: enabled flag and listen address in host:port format.
// Returns: pprof runtime settings.
type PprofConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// BusConfig defines event bus queue and telemetry settings.
// Params: queue capacity, status interval, and watermark thresholds.
// Returns: bus runtime settings.
type BusConfig struct {
	QueueSize         int      `toml:"queue_size" env:"WATCHPOST_BUS_QUEUE_SIZE"`
	StatusEvery       Duration `toml:"status_every"`
	HighWatermark     float64  `toml:"high_watermark"`
	CriticalWatermark float64  `toml:"critical_watermark"`
}

// HealthConfig defines orchestrator health polling settings.
// Params: poll interval and shutdown timeout.
// Returns: health loop settings.
type HealthConfig struct {
	Every           Duration `toml:"every"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// ModulesConfig groups per-module pipeline configuration.
// Params: one section per pipeline stage.
// Returns: module settings container.
type ModulesConfig struct {
	Dedup     DedupConfig      `toml:"dedup"`
	Zoning    ZoningConfig     `toml:"zoning"`
	Router    RouterConfig     `toml:"router"`
	RateLimit RateLimitConfig  `toml:"ratelimit"`
	Artifact  []ArtifactConfig `toml:"artifact"`
	Retention RetentionConfig  `toml:"retention"`
}

// DedupConfig defines duplicate-suppression window settings.
// Params: window length and key field paths.
// Returns: dedup module settings.
type DedupConfig struct {
	Enabled   bool     `toml:"enabled"`
	Window    Duration `toml:"window"`
	KeyFields []string `toml:"key_fields"`
}

// ZoneRule defines one rectangular camera zone.
// Params: normalized bounds, optional label set, and include/exclude action.
// Returns: one zone rule.
type ZoneRule struct {
	CameraID string     `toml:"camera"`
	ZoneID   string     `toml:"zone"`
	Bounds   [4]float64 `toml:"bounds"`
	Labels   []string   `toml:"labels"`
	Action   string     `toml:"action"`
}

// CameraDimensions defines per-camera fallback frame dimensions.
// Params: pixel width and height.
// Returns: fallback dimensions for bbox normalization.
type CameraDimensions struct {
	Width  int `toml:"width"`
	Height int `toml:"height"`
}

// ZoningConfig defines the spatial zone filter.
// Params: zone rules, fallback dimensions, and outside policy.
// Returns: zoning module settings.
type ZoningConfig struct {
	Enabled        bool                        `toml:"enabled"`
	DropOutside    bool                        `toml:"drop_outside"`
	UnmatchedTopic string                      `toml:"unmatched_topic"`
	DefaultWidth   int                         `toml:"default_width"`
	DefaultHeight  int                         `toml:"default_height"`
	Cameras        map[string]CameraDimensions `toml:"cameras"`
	Zones          []ZoneRule                  `toml:"zone"`
}

// RouterConfig defines the anti-spam alert gate.
// Params: confidence/label admission plus cooldown and IoU suppression.
// Returns: router module settings.
type RouterConfig struct {
	Enabled       bool     `toml:"enabled"`
	MinConfidence float64  `toml:"min_confidence"`
	TargetLabels  []string `toml:"target_labels"`
	Cooldown      Duration `toml:"cooldown"`
	Timeout       Duration `toml:"timeout"`
	IoUThreshold  float64  `toml:"iou_threshold"`
}

// RateLimitConfig defines the hard per-key admission quota.
// Params: window limits.
// Returns: rate limiter module settings.
type RateLimitConfig struct {
	Enabled   bool     `toml:"enabled"`
	MaxEvents int      `toml:"max_events"`
	Window    Duration `toml:"window"`
}

// ArtifactConfig defines one media artifact builder instance.
// Params: artifact kind, output directory, and buffer/selection limits.
// Returns: artifact builder settings.
type ArtifactConfig struct {
	Kind         string   `toml:"kind"`
	Enabled      bool     `toml:"enabled"`
	Dir          string   `toml:"dir"`
	FPS          int      `toml:"fps"`
	Duration     Duration `toml:"duration"`
	MaxFrames    int      `toml:"max_frames"`
	MaxArtifacts int      `toml:"max_artifacts"`
	MaxPending   int      `toml:"max_pending"`
}

// RetentionConfig defines the storage retention sweeper.
// Params: managed root, sweep interval, horizons, and glob patterns.
// Returns: retention module settings.
type RetentionConfig struct {
	Enabled         bool     `toml:"enabled"`
	Root            string   `toml:"root" env:"WATCHPOST_RETENTION_ROOT"`
	Every           Duration `toml:"every"`
	MaxAge          Duration `toml:"max_age"`
	AggressiveAge   Duration `toml:"aggressive_max_age"`
	LowSpacePercent float64  `toml:"low_space_percent"`
	Patterns        []string `toml:"patterns"`
}

// Load reads, layers, expands, validates, and returns config.
// Params: path base TOML file or directory; secretsPath optional secrets TOML appended last.
// Returns: validated config pointer or error.
func Load(path, secretsPath string) (*Config, error) {
	raw, err := readConfigSource(path)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(secretsPath) != "" {
		secret, readErr := os.ReadFile(secretsPath)
		if readErr != nil {
			return nil, fmt.Errorf("read secrets %q: %w", secretsPath, readErr)
		}
		raw = append(append(raw, '\n'), secret...)
	}

	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	if err := toml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("decode TOML %q: %w", path, err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// readConfigSource reads one TOML file or concatenates *.toml files from directory.
// Params: path to config file or directory.
// Returns: raw TOML bytes or error.
func readConfigSource(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config %q: %w", path, err)
	}

	if !info.IsDir() {
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, fmt.Errorf("read config %q: %w", path, readErr)
		}
		return raw, nil
	}

	return readConfigDir(path)
}

// readConfigDir concatenates config snippets from one directory.
// Params: path to directory that contains *.toml files.
// Returns: concatenated TOML content or error.
func readConfigDir(path string) ([]byte, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read config dir %q: %w", path, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), ".toml") {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("read config dir %q: no *.toml files", path)
	}

	var builder strings.Builder
	for _, name := range files {
		filePath := filepath.Join(path, name)
		raw, readErr := os.ReadFile(filePath)
		if readErr != nil {
			return nil, fmt.Errorf("read config %q: %w", filePath, readErr)
		}
		builder.Write(raw)
		if len(raw) == 0 || raw[len(raw)-1] != '\n' {
			builder.WriteByte('\n')
		}
		builder.WriteByte('\n')
	}

	return []byte(builder.String()), nil
}

// applyDefaults fills defaults for optional configuration fields.
// Params: receiver config pointer.
// Returns: error if defaulting needs host lookup and it fails.
func (c *Config) applyDefaults() error {
	c.Log.Console.Level = lowerOrDefault(c.Log.Console.Level, defaultLogLevel)
	c.Log.Console.Format = lowerOrDefault(c.Log.Console.Format, defaultLogFormat)
	c.Log.File.Level = lowerOrDefault(c.Log.File.Level, defaultLogLevel)
	c.Log.File.Format = lowerOrDefault(c.Log.File.Format, "json")

	if !c.Log.Console.Enabled && !c.Log.File.Enabled {
		c.Log.Console.Enabled = true
	}

	if strings.TrimSpace(c.Global.Host) == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve hostname: %w", err)
		}
		c.Global.Host = host
	}

	if c.Pprof.Enabled && strings.TrimSpace(c.Pprof.Listen) == "" {
		c.Pprof.Listen = defaultPprofListen
	}

	if c.Bus.QueueSize <= 0 {
		c.Bus.QueueSize = defaultBusQueueSize
	}
	if c.Bus.StatusEvery.Duration <= 0 {
		c.Bus.StatusEvery.Duration = defaultBusStatusEvery
	}
	if c.Bus.HighWatermark <= 0 {
		c.Bus.HighWatermark = defaultBusHighMark
	}
	if c.Bus.CriticalWatermark <= 0 {
		c.Bus.CriticalWatermark = defaultBusCritical
	}

	if c.Health.Every.Duration <= 0 {
		c.Health.Every.Duration = defaultHealthEvery
	}
	if c.Health.ShutdownTimeout.Duration <= 0 {
		c.Health.ShutdownTimeout.Duration = defaultShutdownTimeout
	}

	if c.Modules.Dedup.Window.Duration <= 0 {
		c.Modules.Dedup.Window.Duration = defaultDedupWindow
	}
	if len(c.Modules.Dedup.KeyFields) == 0 {
		c.Modules.Dedup.KeyFields = []string{"camera_id", "detector_id"}
	}

	if c.Modules.Zoning.DefaultWidth <= 0 {
		c.Modules.Zoning.DefaultWidth = defaultFrameWidth
	}
	if c.Modules.Zoning.DefaultHeight <= 0 {
		c.Modules.Zoning.DefaultHeight = defaultFrameHeight
	}
	for idx := range c.Modules.Zoning.Zones {
		if strings.TrimSpace(c.Modules.Zoning.Zones[idx].Action) == "" {
			c.Modules.Zoning.Zones[idx].Action = "include"
		}
	}

	if c.Modules.Router.MinConfidence <= 0 {
		c.Modules.Router.MinConfidence = defaultRouterMinConfidence
	}
	if c.Modules.Router.Cooldown.Duration <= 0 {
		c.Modules.Router.Cooldown.Duration = defaultRouterCooldown
	}
	if c.Modules.Router.Timeout.Duration <= 0 {
		c.Modules.Router.Timeout.Duration = defaultRouterTimeout
	}
	if c.Modules.Router.IoUThreshold <= 0 {
		c.Modules.Router.IoUThreshold = defaultRouterIoU
	}

	if c.Modules.RateLimit.MaxEvents <= 0 {
		c.Modules.RateLimit.MaxEvents = defaultRateMaxEvents
	}
	if c.Modules.RateLimit.Window.Duration <= 0 {
		c.Modules.RateLimit.Window.Duration = defaultRateWindow
	}

	for idx := range c.Modules.Artifact {
		if c.Modules.Artifact[idx].FPS <= 0 {
			c.Modules.Artifact[idx].FPS = defaultArtifactFPS
		}
		if c.Modules.Artifact[idx].Duration.Duration <= 0 {
			c.Modules.Artifact[idx].Duration.Duration = defaultArtifactDuration
		}
		if c.Modules.Artifact[idx].MaxFrames <= 0 {
			c.Modules.Artifact[idx].MaxFrames = defaultArtifactMaxFrames
		}
		if c.Modules.Artifact[idx].MaxArtifacts <= 0 {
			c.Modules.Artifact[idx].MaxArtifacts = defaultArtifactMaxArtifacts
		}
		if c.Modules.Artifact[idx].MaxPending <= 0 {
			c.Modules.Artifact[idx].MaxPending = defaultArtifactPending
		}
	}

	if c.Modules.Retention.Every.Duration <= 0 {
		c.Modules.Retention.Every.Duration = defaultRetentionEvery
	}
	if c.Modules.Retention.MaxAge.Duration <= 0 {
		c.Modules.Retention.MaxAge.Duration = defaultRetentionMaxAge
	}
	if c.Modules.Retention.AggressiveAge.Duration <= 0 {
		c.Modules.Retention.AggressiveAge.Duration = defaultRetentionAggressive
	}
	if c.Modules.Retention.LowSpacePercent <= 0 {
		c.Modules.Retention.LowSpacePercent = defaultRetentionLowSpace
	}
	if len(c.Modules.Retention.Patterns) == 0 {
		c.Modules.Retention.Patterns = []string{"*.jpg", "*.gif", "*.mjpeg"}
	}

	return nil
}

// validate checks config consistency and required fields.
// Params: receiver config pointer.
// Returns: validation error for invalid or incomplete config.
func (c *Config) validate() error {
	if strings.TrimSpace(c.Global.Site) == "" {
		return fmt.Errorf("global.site is required")
	}
	if strings.TrimSpace(c.Global.Host) == "" {
		return fmt.Errorf("global.host resolved to empty value")
	}

	if err := validateSink("log.console", c.Log.Console, false); err != nil {
		return err
	}
	if err := validateSink("log.file", c.Log.File, true); err != nil {
		return err
	}

	if c.Bus.HighWatermark >= 1 {
		return fmt.Errorf("bus.high_watermark must be < 1")
	}
	if c.Bus.CriticalWatermark <= c.Bus.HighWatermark || c.Bus.CriticalWatermark > 1 {
		return fmt.Errorf("bus.critical_watermark must be in (high_watermark, 1]")
	}

	for idx, zone := range c.Modules.Zoning.Zones {
		path := fmt.Sprintf("modules.zoning.zone[%d]", idx)
		if strings.TrimSpace(zone.CameraID) == "" {
			return fmt.Errorf("%s.camera is required", path)
		}
		if strings.TrimSpace(zone.ZoneID) == "" {
			return fmt.Errorf("%s.zone is required", path)
		}
		if zone.Action != "include" && zone.Action != "exclude" {
			return fmt.Errorf("%s.action must be include or exclude", path)
		}
		for boundIdx, bound := range zone.Bounds {
			if bound < 0 || bound > 1 {
				return fmt.Errorf("%s.bounds[%d] must be in [0,1]", path, boundIdx)
			}
		}
		if zone.Bounds[0] > zone.Bounds[2] || zone.Bounds[1] > zone.Bounds[3] {
			return fmt.Errorf("%s.bounds must be ordered x1<=x2, y1<=y2", path)
		}
	}

	if c.Modules.Router.MinConfidence > 1 {
		return fmt.Errorf("modules.router.min_confidence must be in (0,1]")
	}
	if c.Modules.Router.IoUThreshold > 1 {
		return fmt.Errorf("modules.router.iou_threshold must be in (0,1]")
	}
	if c.Modules.Router.Cooldown.Duration > c.Modules.Router.Timeout.Duration {
		return fmt.Errorf("modules.router.cooldown must not exceed modules.router.timeout")
	}

	seenKinds := make(map[string]struct{}, len(c.Modules.Artifact))
	for idx, artifact := range c.Modules.Artifact {
		path := fmt.Sprintf("modules.artifact[%d]", idx)
		switch artifact.Kind {
		case "snapshot", "gif", "clip":
		default:
			return fmt.Errorf("%s.kind must be snapshot, gif, or clip", path)
		}
		if _, duplicate := seenKinds[artifact.Kind]; duplicate {
			return fmt.Errorf("%s.kind %q is configured twice", path, artifact.Kind)
		}
		seenKinds[artifact.Kind] = struct{}{}
		if artifact.Enabled && strings.TrimSpace(artifact.Dir) == "" {
			return fmt.Errorf("%s.dir is required when enabled", path)
		}
	}

	if c.Modules.Retention.Enabled && strings.TrimSpace(c.Modules.Retention.Root) == "" {
		return fmt.Errorf("modules.retention.root is required when enabled")
	}
	if c.Modules.Retention.LowSpacePercent > 100 {
		return fmt.Errorf("modules.retention.low_space_percent must be in (0,100]")
	}

	return nil
}

// validateSink checks one logging sink section.
// Params: path config path for messages; sink settings; requirePath whether file path is mandatory.
// Returns: validation error for invalid sink config.
func validateSink(path string, sink LogSinkConfig, requirePath bool) error {
	switch sink.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level must be debug, info, warn, or error", path)
	}

	switch sink.Format {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format must be line or json", path)
	}

	if requirePath && sink.Enabled && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required when enabled", path)
	}

	return nil
}

// lowerOrDefault lowercases value or falls back to default for blanks.
// Params: value raw config string; fallback default value.
// Returns: normalized non-empty string.
func lowerOrDefault(value, fallback string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return fallback
	}
	return normalized
}
