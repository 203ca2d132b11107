package pipeline

import (
	"context"
	"testing"
	"time"

	"watchpost/internal/config"
)

// configuredDedup builds a configured deduplicator with a settable clock.
// Params: t test handle; window dedup window; fields key field paths.
// Returns: deduplicator and a pointer to its fake clock.
func configuredDedup(t *testing.T, window time.Duration, fields []string) (*Deduplicator, *time.Time) {
	t.Helper()

	module := NewDeduplicator(startedBus(t, 16), testLogger())
	err := module.Configure(config.ModuleConfig{
		Name:    "dedup",
		Enabled: true,
		Options: config.DedupConfig{
			Enabled:   true,
			Window:    config.Duration{Duration: window},
			KeyFields: fields,
		},
	})
	if err != nil {
		t.Fatalf("configure dedup: %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	module.now = func() time.Time { return now }
	return module, &now
}

// TestDeduplicator_WindowSuppression verifies same-key suppression inside the window.
// Params: t test handle.
// Returns: nothing; fails on wrong admit decisions.
func TestDeduplicator_WindowSuppression(t *testing.T) {
	module, clock := configuredDedup(t, 30*time.Second, []string{"camera_id", "detector_id"})
	detection := NewDetection("cam-front", "motion", 0.9, "person", BBox{0, 0, 100, 100})

	if !module.admit(detection) {
		t.Fatalf("first detection must pass")
	}

	*clock = clock.Add(10 * time.Second)
	if module.admit(detection) {
		t.Fatalf("second detection inside window must be suppressed")
	}

	*clock = clock.Add(25 * time.Second)
	if !module.admit(detection) {
		t.Fatalf("detection after window expiry must pass")
	}
}

// TestDeduplicator_DistinctKeysPass verifies independent windows per key.
// Params: t test handle.
// Returns: nothing; fails when distinct keys interfere.
func TestDeduplicator_DistinctKeysPass(t *testing.T) {
	module, _ := configuredDedup(t, 30*time.Second, []string{"camera_id", "detector_id"})

	first := NewDetection("cam-front", "motion", 0.9, "person", BBox{})
	second := NewDetection("cam-back", "motion", 0.9, "person", BBox{})
	third := NewDetection("cam-front", "thermal", 0.9, "person", BBox{})

	for idx, detection := range []Detection{first, second, third} {
		if !module.admit(detection) {
			t.Fatalf("detection %d with a distinct key must pass", idx)
		}
	}
}

// TestDetectionKey_FieldPaths verifies key field evaluation.
// Params: t test handle.
// Returns: nothing; fails on wrong key construction.
func TestDetectionKey_FieldPaths(t *testing.T) {
	detection := NewDetection("cam-front", "motion", 0.9, "person", BBox{})
	detection = detection.WithAttributes(map[string]any{"track_id": 42})

	tests := []struct {
		name   string
		fields []string
		want   string
	}{
		{name: "defaults", fields: []string{"camera_id", "detector_id"}, want: "cam-front|motion"},
		{name: "label", fields: []string{"camera_id", "label"}, want: "cam-front|person"},
		{name: "attribute", fields: []string{"camera_id", "attributes.track_id"}, want: "cam-front|42"},
		{name: "unknown path", fields: []string{"camera_id", "nope"}, want: "cam-front|"},
		{name: "missing attribute", fields: []string{"attributes.absent"}, want: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := detectionKey(detection, tc.fields); got != tc.want {
				t.Fatalf("detectionKey(%v) = %q, want %q", tc.fields, got, tc.want)
			}
		})
	}
}

// TestDeduplicator_ForwardsUnique verifies end-to-end forwarding on the bus.
// Params: t test handle.
// Returns: nothing; fails when unique detections are not forwarded unchanged.
func TestDeduplicator_ForwardsUnique(t *testing.T) {
	b := startedBus(t, 16)
	module := NewDeduplicator(b, testLogger())
	err := module.Configure(config.ModuleConfig{
		Name:    "dedup",
		Enabled: true,
		Options: config.DedupConfig{
			Window:    config.Duration{Duration: 30 * time.Second},
			KeyFields: []string{"camera_id", "detector_id"},
		},
	})
	if err != nil {
		t.Fatalf("configure dedup: %v", err)
	}
	if err := module.Start(context.Background()); err != nil {
		t.Fatalf("start dedup: %v", err)
	}
	t.Cleanup(func() { _ = module.Stop(context.Background()) })

	unique := collect(t, b, TopicMotionUnique)

	detection := NewDetection("cam-front", "motion", 0.8, "person", BBox{10, 10, 50, 50})
	if err := b.Publish(context.Background(), DetectionTopic("motion"), detection); err != nil {
		t.Fatalf("publish detection: %v", err)
	}

	env := waitEnvelope(t, unique)
	forwarded, ok := env.Payload.(Detection)
	if !ok {
		t.Fatalf("forwarded payload has type %T", env.Payload)
	}
	if forwarded.CameraID != detection.CameraID || forwarded.Confidence != detection.Confidence {
		t.Fatalf("forwarded detection mutated: %+v", forwarded)
	}

	// The same key arriving again inside the window must not be forwarded.
	if err := b.Publish(context.Background(), DetectionTopic("motion"), detection); err != nil {
		t.Fatalf("publish duplicate: %v", err)
	}
	expectSilence(t, unique)
}
