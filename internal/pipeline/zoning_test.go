package pipeline

import (
	"context"
	"testing"

	"watchpost/internal/config"
)

// configuredZoning builds a configured zoning filter over a started bus.
// Params: t test handle; options zoning settings; enabled module flag.
// Returns: zoning filter instance.
func configuredZoning(t *testing.T, options config.ZoningConfig, enabled bool) *ZoningFilter {
	t.Helper()

	module := NewZoningFilter(startedBus(t, 16), testLogger())
	err := module.Configure(config.ModuleConfig{Name: "zoning", Enabled: enabled, Options: options})
	if err != nil {
		t.Fatalf("configure zoning: %v", err)
	}
	return module
}

// TestZoningFilter_Evaluate verifies zone admission decisions.
// Params: t test handle.
// Returns: nothing; fails on wrong verdicts.
func TestZoningFilter_Evaluate(t *testing.T) {
	options := config.ZoningConfig{
		DropOutside:   true,
		DefaultWidth:  1000,
		DefaultHeight: 1000,
		Zones: []config.ZoneRule{
			{CameraID: "cam-front", ZoneID: "driveway", Bounds: [4]float64{0, 0, 0.5, 0.5}, Action: "include"},
			{CameraID: "cam-front", ZoneID: "street", Bounds: [4]float64{0.4, 0.4, 1, 1}, Labels: []string{"car"}, Action: "exclude"},
		},
	}

	tests := []struct {
		name        string
		detection   Detection
		wantVerdict zoneVerdict
		wantZones   []string
	}{
		{
			name:        "center inside include zone",
			detection:   NewDetection("cam-front", "motion", 0.9, "person", BBox{100, 100, 300, 300}),
			wantVerdict: zoneVerdictMatched,
			wantZones:   []string{"driveway"},
		},
		{
			name:        "exclude wins over include for matching label",
			detection:   NewDetection("cam-front", "motion", 0.9, "car", BBox{400, 400, 500, 500}),
			wantVerdict: zoneVerdictExcluded,
		},
		{
			name:        "exclude label mismatch falls through to include",
			detection:   NewDetection("cam-front", "motion", 0.9, "person", BBox{400, 400, 500, 500}),
			wantVerdict: zoneVerdictMatched,
			wantZones:   []string{"driveway"},
		},
		{
			name:        "outside every zone is dropped",
			detection:   NewDetection("cam-front", "motion", 0.9, "person", BBox{900, 100, 990, 200}),
			wantVerdict: zoneVerdictOutside,
		},
		{
			name:        "camera without zones passes through",
			detection:   NewDetection("cam-back", "motion", 0.9, "person", BBox{900, 100, 990, 200}),
			wantVerdict: zoneVerdictPass,
		},
	}

	module := configuredZoning(t, options, true)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			verdict, zones := module.evaluate(tc.detection)
			if verdict != tc.wantVerdict {
				t.Fatalf("verdict = %v, want %v", verdict, tc.wantVerdict)
			}
			if len(tc.wantZones) > 0 {
				if len(zones) != len(tc.wantZones) || zones[0] != tc.wantZones[0] {
					t.Fatalf("zones = %v, want %v", zones, tc.wantZones)
				}
			}
		})
	}
}

// TestZoningFilter_DefaultAllow verifies pass-through without drop_outside.
// Params: t test handle.
// Returns: nothing; fails when an outside detection is not passed.
func TestZoningFilter_DefaultAllow(t *testing.T) {
	options := config.ZoningConfig{
		DefaultWidth:  1000,
		DefaultHeight: 1000,
		Zones: []config.ZoneRule{
			{CameraID: "cam-front", ZoneID: "driveway", Bounds: [4]float64{0, 0, 0.2, 0.2}, Action: "include"},
		},
	}

	module := configuredZoning(t, options, true)
	detection := NewDetection("cam-front", "motion", 0.9, "person", BBox{800, 800, 900, 900})
	if verdict, _ := module.evaluate(detection); verdict != zoneVerdictPass {
		t.Fatalf("outside detection without drop_outside must pass, got %v", verdict)
	}
}

// TestZoningFilter_DimensionFallback verifies the normalization precedence.
// Params: t test handle.
// Returns: nothing; fails on wrong center normalization.
func TestZoningFilter_DimensionFallback(t *testing.T) {
	options := config.ZoningConfig{
		DefaultWidth:  100,
		DefaultHeight: 100,
		Cameras:       map[string]config.CameraDimensions{"cam-wide": {Width: 4000, Height: 2000}},
		Zones: []config.ZoneRule{
			{CameraID: "cam-wide", ZoneID: "gate", Bounds: [4]float64{0, 0, 0.5, 0.5}, Action: "include"},
			{CameraID: "cam-meta", ZoneID: "gate", Bounds: [4]float64{0, 0, 0.5, 0.5}, Action: "include"},
		},
	}
	module := configuredZoning(t, options, true)

	// Camera dimension map places this center at (0.25, 0.25).
	fromMap := NewDetection("cam-wide", "motion", 0.9, "person", BBox{900, 400, 1100, 600})
	if verdict, _ := module.evaluate(fromMap); verdict != zoneVerdictMatched {
		t.Fatalf("camera map dimensions must admit the detection, got %v", verdict)
	}

	// Frame metadata takes precedence over the camera map and defaults.
	fromMeta := NewDetection("cam-meta", "motion", 0.9, "person", BBox{900, 400, 1100, 600})
	fromMeta.FrameWidth = 4000
	fromMeta.FrameHeight = 2000
	if verdict, _ := module.evaluate(fromMeta); verdict != zoneVerdictMatched {
		t.Fatalf("frame metadata dimensions must admit the detection, got %v", verdict)
	}
}

// TestZoningFilter_UnmatchedReroute verifies rerouting of excluded detections.
// Params: t test handle.
// Returns: nothing; fails when excluded detections skip the reroute topic.
func TestZoningFilter_UnmatchedReroute(t *testing.T) {
	b := startedBus(t, 16)
	module := NewZoningFilter(b, testLogger())
	err := module.Configure(config.ModuleConfig{
		Name:    "zoning",
		Enabled: true,
		Options: config.ZoningConfig{
			DropOutside:    true,
			UnmatchedTopic: "process.motion.unzoned",
			DefaultWidth:   1000,
			DefaultHeight:  1000,
			Zones: []config.ZoneRule{
				{CameraID: "cam-front", ZoneID: "driveway", Bounds: [4]float64{0, 0, 0.2, 0.2}, Action: "include"},
				{CameraID: "cam-front", ZoneID: "neighbor", Bounds: [4]float64{0.5, 0.5, 1, 1}, Action: "exclude"},
			},
		},
	})
	if err != nil {
		t.Fatalf("configure zoning: %v", err)
	}
	if err := module.Start(context.Background()); err != nil {
		t.Fatalf("start zoning: %v", err)
	}
	t.Cleanup(func() { _ = module.Stop(context.Background()) })

	zoned := collect(t, b, TopicMotionZoned)
	rerouted := collect(t, b, "process.motion.unzoned")

	excluded := NewDetection("cam-front", "motion", 0.9, "person", BBox{800, 800, 900, 900})
	if err := b.Publish(context.Background(), TopicMotionUnique, excluded); err != nil {
		t.Fatalf("publish detection: %v", err)
	}

	env := waitEnvelope(t, rerouted)
	if _, ok := env.Payload.(Detection); !ok {
		t.Fatalf("rerouted payload has type %T", env.Payload)
	}
	expectSilence(t, zoned)

	// Outside every zone is a plain drop, never rerouted.
	outside := NewDetection("cam-front", "motion", 0.9, "person", BBox{800, 100, 900, 200})
	if err := b.Publish(context.Background(), TopicMotionUnique, outside); err != nil {
		t.Fatalf("publish detection: %v", err)
	}
	expectSilence(t, rerouted)
	expectSilence(t, zoned)
}
