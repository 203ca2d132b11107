package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"watchpost/internal/bus"
	"watchpost/internal/config"
)

// RateLimiter enforces a per-camera sliding-window quota on ready artifacts.
// Params: window length and event quota from config.
// Returns: module forwarding admitted artifacts on event.<kind>.allowed.
type RateLimiter struct {
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	enabled bool
	cfg     config.RateLimitConfig
	history map[string][]time.Time

	allowed uint64
	limited uint64

	sub *bus.Subscription
}

// NewRateLimiter creates an unconfigured rate limiter attached to the bus.
// Params: b shared event bus; logger root logger.
// Returns: rate limiter module instance.
func NewRateLimiter(b *bus.Bus, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		bus:     b,
		logger:  logger.With(slog.String("module", "ratelimit")),
		now:     time.Now,
		history: make(map[string][]time.Time),
	}
}

// Name returns the module identity.
// Params: none.
// Returns: module name.
func (m *RateLimiter) Name() string { return "ratelimit" }

// Configure applies quota settings idempotently.
// Params: cfg resolved module config with RateLimitConfig options.
// Returns: error on wrong option type or invalid quota.
func (m *RateLimiter) Configure(cfg config.ModuleConfig) error {
	options, ok := cfg.Options.(config.RateLimitConfig)
	if !ok {
		return fmt.Errorf("ratelimit options have type %T", cfg.Options)
	}
	if options.MaxEvents <= 0 {
		return fmt.Errorf("ratelimit max_events must be > 0")
	}
	if options.Window.Duration <= 0 {
		return fmt.Errorf("ratelimit window must be > 0")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = cfg.Enabled
	m.cfg = options
	return nil
}

// Start subscribes to ready artifacts of every kind.
// Params: ctx unused beyond the subscribe call.
// Returns: subscribe error.
func (m *RateLimiter) Start(_ context.Context) error {
	sub, err := m.bus.Subscribe("event.*.ready", m.handle)
	if err != nil {
		return fmt.Errorf("subscribe ready artifacts: %w", err)
	}
	m.sub = sub
	return nil
}

// Stop cancels the artifact subscription.
// Params: ctx unused.
// Returns: nil.
func (m *RateLimiter) Stop(_ context.Context) error {
	m.sub.Cancel()
	return nil
}

// Health reports module state with allowed/limited counters.
// Params: none.
// Returns: health report.
func (m *RateLimiter) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Health{
		State:  HealthOK,
		Detail: fmt.Sprintf("allowed=%d limited=%d cameras=%d", m.allowed, m.limited, len(m.history)),
	}
}

// handle admits or limits one ready artifact.
// Params: ctx dispatch context; env envelope carrying an Artifact.
// Returns: publish error when forwarding fails.
func (m *RateLimiter) handle(ctx context.Context, env bus.Envelope) error {
	artifact, ok := env.Payload.(Artifact)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", env.Payload, env.Topic)
	}

	admitted, maxEvents, window := m.admit(artifact.CameraID)
	if !admitted {
		m.logger.Info(
			"artifact rate limited",
			slog.String("camera", artifact.CameraID),
			slog.String("kind", artifact.Kind),
			slog.Int("max_events", maxEvents),
			slog.Duration("window", window),
		)
		return nil
	}

	return m.bus.Publish(ctx, ArtifactAllowedTopic(artifact.Kind), artifact)
}

// admit checks the per-camera quota and records a pass.
// Params: cameraID quota key.
// Returns: admission decision plus the quota settings applied to it.
func (m *RateLimiter) admit(cameraID string) (bool, int, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	maxEvents := m.cfg.MaxEvents
	window := m.cfg.Window.Duration

	if !m.enabled {
		m.allowed++
		return true, maxEvents, window
	}

	now := m.now()
	cutoff := now.Add(-window)

	recent := m.history[cameraID][:0]
	for _, stamp := range m.history[cameraID] {
		if stamp.After(cutoff) {
			recent = append(recent, stamp)
		}
	}

	if len(recent) >= maxEvents {
		m.history[cameraID] = recent
		m.limited++
		return false, maxEvents, window
	}

	m.history[cameraID] = append(recent, now)
	m.allowed++
	return true, maxEvents, window
}
