package bus

import "strings"

const topicSeparator = "."

// Pattern is a compiled dot-segmented topic matcher.
// Params: internal segment list and match-all flag.
// Returns: reusable matcher for many Match calls.
type Pattern struct {
	raw      string
	segments []string
	matchAll bool
}

// CompilePattern compiles a topic pattern into a reusable matcher.
// Params: pattern is a dot-separated topic where '*' matches exactly one segment.
// Returns: compiled pattern and false when pattern is empty.
func CompilePattern(pattern string) (Pattern, bool) {
	p := strings.TrimSpace(pattern)
	if p == "" {
		return Pattern{}, false
	}
	if p == "*" {
		return Pattern{raw: p, matchAll: true}, true
	}

	return Pattern{
		raw:      p,
		segments: strings.Split(p, topicSeparator),
	}, true
}

// Match evaluates the compiled pattern against one topic.
// Params: topic is a concrete dot-separated topic name.
// Returns: true on pattern match.
func (p Pattern) Match(topic string) bool {
	if p.matchAll {
		return topic != ""
	}
	if len(p.segments) == 0 {
		return false
	}
	if !strings.Contains(p.raw, "*") {
		return topic == p.raw
	}

	cursor := 0
	for idx, segment := range p.segments {
		next := strings.Index(topic[cursor:], topicSeparator)
		last := idx == len(p.segments)-1

		var part string
		if next < 0 {
			if !last {
				return false
			}
			part = topic[cursor:]
			cursor = len(topic)
		} else {
			if last {
				return false
			}
			part = topic[cursor : cursor+next]
			cursor += next + 1
		}

		if part == "" {
			return false
		}
		if segment != "*" && segment != part {
			return false
		}
	}

	return cursor >= len(topic)
}

// String returns the original pattern text.
// Params: none.
// Returns: raw pattern string.
func (p Pattern) String() string {
	return p.raw
}

// MatchTopic evaluates a topic pattern against a concrete topic.
// Params: pattern dot-separated pattern with optional '*' segments; topic concrete name.
// Returns: true on pattern match.
func MatchTopic(pattern, topic string) bool {
	compiled, ok := CompilePattern(pattern)
	if !ok {
		return false
	}
	return compiled.Match(topic)
}
