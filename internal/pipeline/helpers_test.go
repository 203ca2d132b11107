package pipeline

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"watchpost/internal/bus"
)

// testLogger returns a logger that swallows all output.
// Params: none.
// Returns: discard-backed slog logger.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startedBus creates and starts a bus torn down with the test.
// Params: t test handle; queueSize bus queue capacity.
// Returns: running bus instance.
func startedBus(t *testing.T, queueSize int) *bus.Bus {
	t.Helper()

	b := bus.New(bus.Config{QueueSize: queueSize, StatusEvery: time.Hour}, testLogger())
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(b.Stop)
	return b
}

// collect subscribes a channel-backed collector to one topic pattern.
// Params: t test handle; b running bus; pattern subscribed topic pattern.
// Returns: channel receiving matching envelopes.
func collect(t *testing.T, b *bus.Bus, pattern string) <-chan bus.Envelope {
	t.Helper()

	out := make(chan bus.Envelope, 64)
	_, err := b.Subscribe(pattern, func(_ context.Context, env bus.Envelope) error {
		out <- env
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe %q: %v", pattern, err)
	}
	return out
}

// waitEnvelope receives one envelope or fails the test on timeout.
// Params: t test handle; ch collector channel.
// Returns: received envelope.
func waitEnvelope(t *testing.T, ch <-chan bus.Envelope) bus.Envelope {
	t.Helper()

	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for envelope")
		return bus.Envelope{}
	}
}

// envelopeFor wraps a payload the way the dispatcher would.
// Params: topic envelope topic; payload envelope payload.
// Returns: envelope stamped with the current time.
func envelopeFor(topic string, payload any) bus.Envelope {
	return bus.Envelope{Topic: topic, Payload: payload, At: time.Now()}
}

// expectSilence asserts that no envelope arrives within a grace period.
// Params: t test handle; ch collector channel.
// Returns: nothing; fails the test when an envelope arrives.
func expectSilence(t *testing.T, ch <-chan bus.Envelope) {
	t.Helper()

	select {
	case env := <-ch:
		t.Fatalf("unexpected envelope on %s", env.Topic)
	case <-time.After(100 * time.Millisecond):
	}
}
