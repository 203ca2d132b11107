package bus

import "testing"

// TestPatternMatch_SegmentWildcards verifies '*' matches exactly one topic segment.
// Params: testing.T for assertions.
// Returns: none.
func TestPatternMatch_SegmentWildcards(t *testing.T) {
	testCases := []struct {
		pattern string
		topic   string
		match   bool
	}{
		{pattern: "status.bus", topic: "status.bus", match: true},
		{pattern: "status.bus", topic: "status.health", match: false},
		{pattern: "camera.*.frame", topic: "camera.front.frame", match: true},
		{pattern: "camera.*.frame", topic: "camera.front.door.frame", match: false},
		{pattern: "camera.*.frame", topic: "camera.frame", match: false},
		{pattern: "event.*.ready", topic: "event.snapshot.ready", match: true},
		{pattern: "event.*.ready", topic: "event.gif.ready", match: true},
		{pattern: "event.*.ready", topic: "event.snapshot.allowed", match: false},
		{pattern: "process.*.detected", topic: "process.motion.detected", match: true},
		{pattern: "*", topic: "anything.at.all", match: true},
		{pattern: "*.bus", topic: "status.bus", match: true},
		{pattern: "*.bus", topic: "bus", match: false},
	}

	for _, testCase := range testCases {
		got := MatchTopic(testCase.pattern, testCase.topic)
		if got != testCase.match {
			t.Fatalf(
				"unexpected topic match pattern=%q topic=%q got=%v want=%v",
				testCase.pattern,
				testCase.topic,
				got,
				testCase.match,
			)
		}
	}
}

// TestCompilePattern_RejectsEmpty verifies empty patterns are rejected.
// Params: testing.T for assertions.
// Returns: none.
func TestCompilePattern_RejectsEmpty(t *testing.T) {
	if _, ok := CompilePattern("   "); ok {
		t.Fatalf("expected blank pattern to be rejected")
	}
	if MatchTopic("", "status.bus") {
		t.Fatalf("expected empty pattern to match nothing")
	}
}
