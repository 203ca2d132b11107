package pipeline

import (
	"context"
	"testing"
	"time"

	"watchpost/internal/config"
)

// configuredRateLimiter builds a configured rate limiter with a settable clock.
// Params: t test handle; maxEvents quota; window quota window.
// Returns: rate limiter and a pointer to its fake clock.
func configuredRateLimiter(t *testing.T, maxEvents int, window time.Duration) (*RateLimiter, *time.Time) {
	t.Helper()

	module := NewRateLimiter(startedBus(t, 16), testLogger())
	err := module.Configure(config.ModuleConfig{
		Name:    "ratelimit",
		Enabled: true,
		Options: config.RateLimitConfig{
			MaxEvents: maxEvents,
			Window:    config.Duration{Duration: window},
		},
	})
	if err != nil {
		t.Fatalf("configure ratelimit: %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	module.now = func() time.Time { return now }
	return module, &now
}

// TestRateLimiter_SlidingWindowQuota verifies the per-camera quota.
// Params: t test handle.
// Returns: nothing; fails on wrong admit decisions.
func TestRateLimiter_SlidingWindowQuota(t *testing.T) {
	module, clock := configuredRateLimiter(t, 2, time.Minute)

	if admitted, _, _ := module.admit("cam-front"); !admitted {
		t.Fatalf("first event must pass")
	}
	*clock = clock.Add(time.Second)
	if admitted, _, _ := module.admit("cam-front"); !admitted {
		t.Fatalf("second event must pass")
	}
	*clock = clock.Add(time.Second)
	admitted, maxEvents, window := module.admit("cam-front")
	if admitted {
		t.Fatalf("third event inside the window must be limited")
	}
	if maxEvents != 2 || window != time.Minute {
		t.Fatalf("quota snapshot = (%d, %v), want (2, %v)", maxEvents, window, time.Minute)
	}

	// Another camera has its own quota.
	if admitted, _, _ := module.admit("cam-back"); !admitted {
		t.Fatalf("other camera must pass")
	}

	// Once the first two passes age out the quota frees up.
	*clock = clock.Add(2 * time.Minute)
	if admitted, _, _ := module.admit("cam-front"); !admitted {
		t.Fatalf("event after window expiry must pass")
	}
}

// TestRateLimiter_ForwardsAllowed verifies end-to-end forwarding on the bus.
// Params: t test handle.
// Returns: nothing; fails on missing or surplus allowed events.
func TestRateLimiter_ForwardsAllowed(t *testing.T) {
	b := startedBus(t, 16)
	module := NewRateLimiter(b, testLogger())
	err := module.Configure(config.ModuleConfig{
		Name:    "ratelimit",
		Enabled: true,
		Options: config.RateLimitConfig{
			MaxEvents: 1,
			Window:    config.Duration{Duration: time.Minute},
		},
	})
	if err != nil {
		t.Fatalf("configure ratelimit: %v", err)
	}
	if err := module.Start(context.Background()); err != nil {
		t.Fatalf("start ratelimit: %v", err)
	}
	t.Cleanup(func() { _ = module.Stop(context.Background()) })

	allowed := collect(t, b, "event.*.allowed")

	artifact := Artifact{
		SchemaVersion: CurrentSchemaVersion,
		CameraID:      "cam-front",
		Kind:          ArtifactKindSnapshot,
		Path:          "/tmp/cam-front.jpg",
		ContentType:   "image/jpeg",
		CreatedAt:     time.Now(),
	}
	if err := b.Publish(context.Background(), ArtifactReadyTopic(artifact.Kind), artifact); err != nil {
		t.Fatalf("publish artifact: %v", err)
	}

	env := waitEnvelope(t, allowed)
	if env.Topic != ArtifactAllowedTopic(ArtifactKindSnapshot) {
		t.Fatalf("allowed topic = %s, want %s", env.Topic, ArtifactAllowedTopic(ArtifactKindSnapshot))
	}

	// The quota is exhausted; the next artifact is limited.
	if err := b.Publish(context.Background(), ArtifactReadyTopic(artifact.Kind), artifact); err != nil {
		t.Fatalf("publish artifact: %v", err)
	}
	expectSilence(t, allowed)
}
