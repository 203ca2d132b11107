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

// routerState is the last accepted alert for one camera.
// Params: acceptance time and detection box.
// Returns: suppression reference for subsequent detections.
type routerState struct {
	at  time.Time
	box BBox
}

// DetectionRouter gates zoned detections into alerts with anti-spam suppression.
// Params: confidence/label admission plus cooldown and IoU windows from config.
// Returns: module forwarding accepted alerts on process.alert.detected.
type DetectionRouter struct {
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	enabled bool
	cfg     config.RouterConfig
	labels  map[string]struct{}
	last    map[string]routerState

	routed     uint64
	suppressed uint64

	sub *bus.Subscription
}

// NewDetectionRouter creates an unconfigured router attached to the bus.
// Params: b shared event bus; logger root logger.
// Returns: detection router module instance.
func NewDetectionRouter(b *bus.Bus, logger *slog.Logger) *DetectionRouter {
	return &DetectionRouter{
		bus:    b,
		logger: logger.With(slog.String("module", "router")),
		now:    time.Now,
		last:   make(map[string]routerState),
	}
}

// Name returns the module identity.
// Params: none.
// Returns: module name.
func (m *DetectionRouter) Name() string { return "router" }

// Configure applies routing thresholds idempotently.
// Params: cfg resolved module config with RouterConfig options.
// Returns: error on wrong option type or inconsistent windows.
func (m *DetectionRouter) Configure(cfg config.ModuleConfig) error {
	options, ok := cfg.Options.(config.RouterConfig)
	if !ok {
		return fmt.Errorf("router options have type %T", cfg.Options)
	}
	if options.Cooldown.Duration > options.Timeout.Duration {
		return fmt.Errorf("router cooldown %s exceeds timeout %s", options.Cooldown.Duration, options.Timeout.Duration)
	}

	labels := make(map[string]struct{}, len(options.TargetLabels))
	for _, label := range options.TargetLabels {
		labels[label] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = cfg.Enabled
	m.cfg = options
	m.labels = labels
	return nil
}

// Start subscribes to zoned detections.
// Params: ctx unused beyond the subscribe call.
// Returns: subscribe error.
func (m *DetectionRouter) Start(_ context.Context) error {
	sub, err := m.bus.Subscribe(TopicMotionZoned, m.handle)
	if err != nil {
		return fmt.Errorf("subscribe zoned detections: %w", err)
	}
	m.sub = sub
	return nil
}

// Stop cancels the detection subscription.
// Params: ctx unused.
// Returns: nil.
func (m *DetectionRouter) Stop(_ context.Context) error {
	m.sub.Cancel()
	return nil
}

// Health reports module state with routed/suppressed counters.
// Params: none.
// Returns: health report.
func (m *DetectionRouter) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Health{
		State:  HealthOK,
		Detail: fmt.Sprintf("routed=%d suppressed=%d cameras=%d", m.routed, m.suppressed, len(m.last)),
	}
}

// handle routes or suppresses one zoned detection.
// Params: ctx dispatch context; env envelope carrying a Detection.
// Returns: publish error when forwarding fails.
func (m *DetectionRouter) handle(ctx context.Context, env bus.Envelope) error {
	detection, ok := env.Payload.(Detection)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", env.Payload, env.Topic)
	}

	alert, accepted := m.admit(detection)
	if !accepted {
		m.logger.Debug(
			"alert suppressed",
			slog.String("camera", detection.CameraID),
			slog.String("label", detection.Label),
			slog.Float64("confidence", detection.Confidence),
		)
		return nil
	}

	return m.bus.Publish(ctx, TopicAlertDetected, alert)
}

// admit applies admission gates and anti-spam suppression to one detection.
// Params: detection zoned payload.
// Returns: enriched alert and true when the detection becomes an alert.
func (m *DetectionRouter) admit(detection Detection) (Detection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.enabled {
		if detection.Confidence < m.cfg.MinConfidence {
			m.suppressed++
			return Detection{}, false
		}
		if len(m.labels) > 0 {
			if _, exists := m.labels[detection.Label]; !exists {
				m.suppressed++
				return Detection{}, false
			}
		}

		now := m.now()
		if state, exists := m.last[detection.CameraID]; exists {
			elapsed := now.Sub(state.at)
			if elapsed < m.cfg.Cooldown.Duration {
				m.suppressed++
				return Detection{}, false
			}
			if elapsed < m.cfg.Timeout.Duration && detection.Box.IoU(state.box) >= m.cfg.IoUThreshold {
				// Same object still in roughly the same place; one alert is enough.
				m.suppressed++
				return Detection{}, false
			}
		}
		m.last[detection.CameraID] = routerState{at: now, box: detection.Box}
	}

	m.routed++
	alert := detection.WithAttributes(map[string]any{
		"source_detector": detection.DetectorID,
		"min_confidence":  m.cfg.MinConfidence,
		"iou_threshold":   m.cfg.IoUThreshold,
	})
	return alert, true
}
