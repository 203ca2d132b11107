package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"watchpost/internal/bus"
	"watchpost/internal/config"
)

// ZoningFilter spatially filters detections against per-camera zone rules.
// Params: zone rules and fallback frame dimensions from config.
// Returns: module forwarding admitted detections on process.motion.zoned.
type ZoningFilter struct {
	bus    *bus.Bus
	logger *slog.Logger

	mu       sync.Mutex
	enabled  bool
	cfg      config.ZoningConfig
	byCamera map[string][]config.ZoneRule

	passed   uint64
	dropped  uint64
	rerouted uint64

	sub *bus.Subscription
}

// NewZoningFilter creates an unconfigured zoning filter attached to the bus.
// Params: b shared event bus; logger root logger.
// Returns: zoning filter module instance.
func NewZoningFilter(b *bus.Bus, logger *slog.Logger) *ZoningFilter {
	return &ZoningFilter{
		bus:      b,
		logger:   logger.With(slog.String("module", "zoning")),
		byCamera: make(map[string][]config.ZoneRule),
	}
}

// Name returns the module identity.
// Params: none.
// Returns: module name.
func (m *ZoningFilter) Name() string { return "zoning" }

// Configure applies zoning rules idempotently.
// Params: cfg resolved module config with ZoningConfig options.
// Returns: error on wrong option type.
func (m *ZoningFilter) Configure(cfg config.ModuleConfig) error {
	options, ok := cfg.Options.(config.ZoningConfig)
	if !ok {
		return fmt.Errorf("zoning options have type %T", cfg.Options)
	}

	byCamera := make(map[string][]config.ZoneRule, len(options.Zones))
	for _, zone := range options.Zones {
		byCamera[zone.CameraID] = append(byCamera[zone.CameraID], zone)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = cfg.Enabled
	m.cfg = options
	m.byCamera = byCamera
	return nil
}

// Start subscribes to deduplicated detections.
// Params: ctx unused beyond the subscribe call.
// Returns: subscribe error.
func (m *ZoningFilter) Start(_ context.Context) error {
	sub, err := m.bus.Subscribe(TopicMotionUnique, m.handle)
	if err != nil {
		return fmt.Errorf("subscribe unique detections: %w", err)
	}
	m.sub = sub
	return nil
}

// Stop cancels the detection subscription.
// Params: ctx unused.
// Returns: nil.
func (m *ZoningFilter) Stop(_ context.Context) error {
	m.sub.Cancel()
	return nil
}

// Health reports module state with pass/drop counters.
// Params: none.
// Returns: health report.
func (m *ZoningFilter) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Health{
		State:  HealthOK,
		Detail: fmt.Sprintf("passed=%d dropped=%d rerouted=%d zones=%d", m.passed, m.dropped, m.rerouted, len(m.cfg.Zones)),
	}
}

// handle evaluates one detection against the camera zone set.
// Params: ctx dispatch context; env envelope carrying a Detection.
// Returns: publish error when forwarding fails.
func (m *ZoningFilter) handle(ctx context.Context, env bus.Envelope) error {
	detection, ok := env.Payload.(Detection)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", env.Payload, env.Topic)
	}

	verdict, matched := m.evaluate(detection)
	switch verdict {
	case zoneVerdictExcluded:
		m.mu.Lock()
		reroute := m.cfg.UnmatchedTopic
		m.mu.Unlock()
		if reroute != "" {
			return m.bus.Publish(ctx, reroute, detection)
		}
		m.logger.Debug(
			"detection excluded by zone",
			slog.String("camera", detection.CameraID),
			slog.String("zone", matched[0]),
		)
		return nil
	case zoneVerdictOutside:
		m.logger.Debug("detection outside all zones", slog.String("camera", detection.CameraID))
		return nil
	case zoneVerdictMatched:
		return m.bus.Publish(ctx, TopicMotionZoned, detection.WithZoneMatches(matched))
	default:
		return m.bus.Publish(ctx, TopicMotionZoned, detection)
	}
}

type zoneVerdict int

const (
	zoneVerdictPass zoneVerdict = iota
	zoneVerdictMatched
	zoneVerdictExcluded
	zoneVerdictOutside
)

// evaluate classifies one detection against the configured zones.
// Params: detection incoming payload.
// Returns: verdict plus matched or excluding zone identifiers.
func (m *ZoningFilter) evaluate(detection Detection) (zoneVerdict, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		m.passed++
		return zoneVerdictPass, nil
	}

	zones := m.byCamera[detection.CameraID]
	if len(zones) == 0 {
		// Cameras without zone rules are not spatially filtered.
		m.passed++
		return zoneVerdictPass, nil
	}

	centerX, centerY := m.normalizedCenter(detection)

	var matched []string
	for _, zone := range zones {
		if !zoneContains(zone, centerX, centerY) {
			continue
		}
		if !zoneLabelMatches(zone, detection.Label) {
			continue
		}
		if zone.Action == "exclude" {
			// Exclusion always wins over any include match.
			if m.cfg.UnmatchedTopic != "" {
				m.rerouted++
			} else {
				m.dropped++
			}
			return zoneVerdictExcluded, []string{zone.ZoneID}
		}
		matched = append(matched, zone.ZoneID)
	}

	if len(matched) > 0 {
		m.passed++
		return zoneVerdictMatched, matched
	}

	if m.cfg.DropOutside {
		m.dropped++
		return zoneVerdictOutside, nil
	}

	m.passed++
	return zoneVerdictPass, nil
}

// normalizedCenter maps the detection box center into [0,1] coordinates.
// Params: detection payload carrying the box and optional frame dimensions.
// Returns: normalized center x and y.
func (m *ZoningFilter) normalizedCenter(detection Detection) (float64, float64) {
	width, height := detection.FrameWidth, detection.FrameHeight
	if width <= 0 || height <= 0 {
		if dims, exists := m.cfg.Cameras[detection.CameraID]; exists && dims.Width > 0 && dims.Height > 0 {
			width, height = dims.Width, dims.Height
		} else {
			width, height = m.cfg.DefaultWidth, m.cfg.DefaultHeight
		}
	}

	centerX, centerY := detection.Box.Center()
	return centerX / float64(width), centerY / float64(height)
}

// zoneContains checks whether a normalized point lies inside a zone.
// Params: zone rule with normalized bounds; x/y normalized point.
// Returns: true when the point is inside the zone rectangle.
func zoneContains(zone config.ZoneRule, x, y float64) bool {
	return x >= zone.Bounds[0] && x <= zone.Bounds[2] && y >= zone.Bounds[1] && y <= zone.Bounds[3]
}

// zoneLabelMatches checks the zone label restriction.
// Params: zone rule; label detection label.
// Returns: true when the zone has no label restriction or the label matches.
func zoneLabelMatches(zone config.ZoneRule, label string) bool {
	if len(zone.Labels) == 0 {
		return true
	}
	for _, candidate := range zone.Labels {
		if candidate == label {
			return true
		}
	}
	return false
}
