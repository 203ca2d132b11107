package bus

// Watermark classifies queue occupancy severity.
// Params: derived from occupancy ratio thresholds.
// Returns: normal/high/critical classification.
type Watermark string

const (
	WatermarkNormal   Watermark = "normal"
	WatermarkHigh     Watermark = "high"
	WatermarkCritical Watermark = "critical"
)

// Status is one point-in-time bus telemetry snapshot.
// Params: queue occupancy, subscriber counts, and cumulative counters.
// Returns: snapshot published on status.bus.
type Status struct {
	QueueDepth    int       `json:"queue_depth"`
	QueueCapacity int       `json:"queue_capacity"`
	Subscribers   int       `json:"subscribers"`
	Topics        int       `json:"topics"`
	Published     uint64    `json:"published"`
	Processed     uint64    `json:"processed"`
	Dropped       uint64    `json:"dropped"`
	LagSeconds    float64   `json:"lag_seconds"`
	Level         Watermark `json:"watermark"`
}

// Snapshot computes the current bus status.
// Params: none.
// Returns: status snapshot with watermark classification.
func (b *Bus) Snapshot() Status {
	b.mu.RLock()
	subscribers := len(b.subs)
	topics := make(map[string]struct{}, subscribers)
	for _, sub := range b.subs {
		topics[sub.pattern.String()] = struct{}{}
	}
	b.mu.RUnlock()

	depth := len(b.queue)
	capacity := cap(b.queue)

	return Status{
		QueueDepth:    depth,
		QueueCapacity: capacity,
		Subscribers:   subscribers,
		Topics:        len(topics),
		Published:     b.published.Load(),
		Processed:     b.processed.Load(),
		Dropped:       b.dropped.Load(),
		LagSeconds:    float64(b.lagMillis.Load()) / 1000,
		Level:         classifyWatermark(depth, capacity, b.cfg.HighWatermark, b.cfg.CriticalWatermark),
	}
}

// classifyWatermark maps queue occupancy ratio to a severity level.
// Params: depth/capacity current queue occupancy; high/critical ratio thresholds.
// Returns: watermark classification.
func classifyWatermark(depth, capacity int, high, critical float64) Watermark {
	if capacity <= 0 {
		return WatermarkNormal
	}

	ratio := float64(depth) / float64(capacity)
	switch {
	case ratio >= critical:
		return WatermarkCritical
	case ratio >= high:
		return WatermarkHigh
	default:
		return WatermarkNormal
	}
}
