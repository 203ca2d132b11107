package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"watchpost/internal/bus"
	"watchpost/internal/config"
)

// StorageRetention sweeps aged artifacts and reports filesystem usage.
// Params: managed root, sweep interval, and age horizons from config.
// Returns: module publishing storage.stats after every sweep.
type StorageRetention struct {
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	enabled bool
	cfg     config.RetentionConfig
	lastErr error

	sweeps  uint64
	deleted uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStorageRetention creates an unconfigured retention sweeper attached to the bus.
// Params: b shared event bus; logger root logger.
// Returns: storage retention module instance.
func NewStorageRetention(b *bus.Bus, logger *slog.Logger) *StorageRetention {
	return &StorageRetention{
		bus:    b,
		logger: logger.With(slog.String("module", "retention")),
		now:    time.Now,
	}
}

// Name returns the module identity.
// Params: none.
// Returns: module name.
func (m *StorageRetention) Name() string { return "retention" }

// Configure applies retention settings idempotently.
// Params: cfg resolved module config with RetentionConfig options.
// Returns: error on wrong option type or missing root.
func (m *StorageRetention) Configure(cfg config.ModuleConfig) error {
	options, ok := cfg.Options.(config.RetentionConfig)
	if !ok {
		return fmt.Errorf("retention options have type %T", cfg.Options)
	}
	if cfg.Enabled && options.Root == "" {
		return fmt.Errorf("retention root is required when enabled")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = cfg.Enabled
	m.cfg = options
	return nil
}

// Start launches the periodic sweep loop.
// Params: ctx parent context bounding the sweep goroutine.
// Returns: nil.
func (m *StorageRetention) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.sweepLoop(loopCtx)
	return nil
}

// Stop cancels the sweep loop and waits for it to exit.
// Params: ctx unused.
// Returns: nil.
func (m *StorageRetention) Stop(_ context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return nil
}

// Health reports module state, degraded after a failed sweep.
// Params: none.
// Returns: health report.
func (m *StorageRetention) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastErr != nil {
		return Health{State: HealthDegraded, Detail: m.lastErr.Error()}
	}
	return Health{
		State:  HealthOK,
		Detail: fmt.Sprintf("sweeps=%d deleted=%d", m.sweeps, m.deleted),
	}
}

// sweepLoop runs sweeps at the configured interval.
// Params: ctx loop context; cancellation exits after the current sweep.
// Returns: nothing; runs until Stop.
func (m *StorageRetention) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	m.mu.Lock()
	every := m.cfg.Every.Duration
	m.mu.Unlock()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runSweep(ctx)
		}
	}
}

// runSweep performs one retention cycle and publishes the stats report.
// Params: ctx sweep context passed to the disk usage probe.
// Returns: nothing; failures are recorded for Health.
func (m *StorageRetention) runSweep(ctx context.Context) {
	m.mu.Lock()
	enabled := m.enabled
	cfg := m.cfg
	m.mu.Unlock()

	if !enabled {
		return
	}

	stats, err := m.sweep(ctx, cfg)

	m.mu.Lock()
	m.lastErr = err
	if err == nil {
		m.sweeps++
		m.deleted += uint64(stats.Deleted)
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("retention sweep failed", slog.String("root", cfg.Root), slog.Any("error", err))
		return
	}

	if stats.LowSpace {
		m.logger.Warn(
			"low disk space, aggressive retention active",
			slog.String("root", cfg.Root),
			slog.Float64("used_percent", stats.UsedPercent),
		)
	}

	if publishErr := m.bus.Publish(ctx, TopicStorageStats, stats); publishErr != nil {
		m.logger.Warn("storage stats publish failed", slog.Any("error", publishErr))
	}
}

// sweep deletes aged files under the root and gathers usage statistics.
// Params: ctx probe context; cfg active retention settings.
// Returns: cycle report or disk probe error.
func (m *StorageRetention) sweep(ctx context.Context, cfg config.RetentionConfig) (StorageStats, error) {
	usage, err := disk.UsageWithContext(ctx, cfg.Root)
	if err != nil {
		return StorageStats{}, fmt.Errorf("probe disk usage %q: %w", cfg.Root, err)
	}

	freePercent := 100 - usage.UsedPercent
	lowSpace := freePercent < cfg.LowSpacePercent

	maxAge := cfg.MaxAge.Duration
	if lowSpace && cfg.AggressiveAge.Duration > 0 && cfg.AggressiveAge.Duration < maxAge {
		maxAge = cfg.AggressiveAge.Duration
	}
	cutoff := m.now().Add(-maxAge)

	deleted := 0
	remaining := make(map[string]int, len(cfg.Patterns))
	for _, pattern := range cfg.Patterns {
		matches, globErr := filepath.Glob(filepath.Join(cfg.Root, pattern))
		if globErr != nil {
			m.logger.Warn("bad retention pattern", slog.String("pattern", pattern), slog.Any("error", globErr))
			continue
		}

		kept := 0
		for _, match := range matches {
			info, statErr := os.Stat(match)
			if statErr != nil || info.IsDir() {
				continue
			}
			if info.ModTime().Before(cutoff) {
				if removeErr := os.Remove(match); removeErr != nil {
					m.logger.Warn("retention delete failed", slog.String("path", match), slog.Any("error", removeErr))
					kept++
					continue
				}
				deleted++
				continue
			}
			kept++
		}
		remaining[pattern] = kept
	}

	return StorageStats{
		SchemaVersion: CurrentSchemaVersion,
		Root:          cfg.Root,
		TotalBytes:    usage.Total,
		UsedBytes:     usage.Used,
		FreeBytes:     usage.Free,
		UsedPercent:   usage.UsedPercent,
		Deleted:       deleted,
		Remaining:     remaining,
		LowSpace:      lowSpace,
		Aggressive:    lowSpace && cfg.AggressiveAge.Duration < cfg.MaxAge.Duration,
		At:            m.now(),
	}, nil
}
