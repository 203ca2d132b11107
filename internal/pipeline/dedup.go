package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"watchpost/internal/bus"
	"watchpost/internal/config"
)

// Deduplicator suppresses duplicate detections inside a sliding window.
// Params: window length and key field paths from config.
// Returns: module forwarding unique detections on process.motion.unique.
type Deduplicator struct {
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	enabled   bool
	window    time.Duration
	keyFields []string
	history   map[string][]time.Time

	passed  uint64
	dropped uint64

	sub *bus.Subscription
}

// NewDeduplicator creates an unconfigured deduplicator attached to the bus.
// Params: b shared event bus; logger root logger.
// Returns: deduplicator module instance.
func NewDeduplicator(b *bus.Bus, logger *slog.Logger) *Deduplicator {
	return &Deduplicator{
		bus:     b,
		logger:  logger.With(slog.String("module", "dedup")),
		now:     time.Now,
		history: make(map[string][]time.Time),
	}
}

// Name returns the module identity.
// Params: none.
// Returns: module name.
func (m *Deduplicator) Name() string { return "dedup" }

// Configure applies dedup settings idempotently.
// Params: cfg resolved module config with DedupConfig options.
// Returns: error on wrong option type or invalid window.
func (m *Deduplicator) Configure(cfg config.ModuleConfig) error {
	options, ok := cfg.Options.(config.DedupConfig)
	if !ok {
		return fmt.Errorf("dedup options have type %T", cfg.Options)
	}
	if options.Window.Duration <= 0 {
		return fmt.Errorf("dedup window must be > 0")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = cfg.Enabled
	m.window = options.Window.Duration
	m.keyFields = append([]string(nil), options.KeyFields...)
	return nil
}

// Start subscribes to raw detector output.
// Params: ctx unused beyond the subscribe call.
// Returns: subscribe error.
func (m *Deduplicator) Start(_ context.Context) error {
	sub, err := m.bus.Subscribe("process.*.detected", m.handle)
	if err != nil {
		return fmt.Errorf("subscribe detections: %w", err)
	}
	m.sub = sub
	return nil
}

// Stop cancels the detection subscription.
// Params: ctx unused.
// Returns: nil.
func (m *Deduplicator) Stop(_ context.Context) error {
	m.sub.Cancel()
	return nil
}

// Health reports module state with pass/drop counters.
// Params: none.
// Returns: health report.
func (m *Deduplicator) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Health{
		State:  HealthOK,
		Detail: fmt.Sprintf("passed=%d dropped=%d keys=%d", m.passed, m.dropped, len(m.history)),
	}
}

// handle admits or suppresses one raw detection.
// Params: ctx dispatch context; env envelope carrying a Detection.
// Returns: publish error when forwarding fails.
func (m *Deduplicator) handle(ctx context.Context, env bus.Envelope) error {
	// Alert re-emissions share the ".detected" suffix; they are not detector output.
	if env.Topic == TopicAlertDetected {
		return nil
	}

	detection, ok := env.Payload.(Detection)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", env.Payload, env.Topic)
	}

	if !m.admit(detection) {
		m.logger.Debug(
			"duplicate detection dropped",
			slog.String("camera", detection.CameraID),
			slog.String("detector", detection.DetectorID),
		)
		return nil
	}

	return m.bus.Publish(ctx, TopicMotionUnique, detection)
}

// admit checks the sliding window for one detection and records a pass.
// Params: detection incoming payload.
// Returns: true when no same-key pass exists inside the window.
func (m *Deduplicator) admit(detection Detection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		m.passed++
		return true
	}

	key := detectionKey(detection, m.keyFields)
	now := m.now()
	cutoff := now.Add(-m.window)

	recent := m.history[key][:0]
	for _, stamp := range m.history[key] {
		if stamp.After(cutoff) {
			recent = append(recent, stamp)
		}
	}

	if len(recent) > 0 {
		m.history[key] = recent
		m.dropped++
		return false
	}

	m.history[key] = append(recent, now)
	m.passed++
	return true
}

// detectionKey concatenates configured field path values into a dedup key.
// Params: detection payload; fields configured field paths.
// Returns: pipe-joined key string.
func detectionKey(detection Detection, fields []string) string {
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, detectionField(detection, field))
	}
	return strings.Join(parts, "|")
}

// detectionField evaluates one field path against a detection.
// Params: detection payload; field path name or "attributes.<key>".
// Returns: string value, empty for unknown paths.
func detectionField(detection Detection, field string) string {
	switch field {
	case "camera_id":
		return detection.CameraID
	case "detector_id":
		return detection.DetectorID
	case "label":
		return detection.Label
	}

	if key, found := strings.CutPrefix(field, "attributes."); found {
		if value, exists := detection.Attributes[key]; exists {
			return fmt.Sprintf("%v", value)
		}
	}
	return ""
}
