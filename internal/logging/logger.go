package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"watchpost/internal/config"
)

// ANSI escape sequences used by the console line writer.
const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
	ansiCyan   = "\x1b[36m"
	ansiGray   = "\x1b[90m"
)

// levelColors maps record levels to the base line color.
var levelColors = map[string]string{
	"DEBUG": ansiGray,
	"INFO":  ansiBlue,
	"WARN":  ansiYellow,
	"ERROR": ansiRed,
}

// levelPattern extracts the slog text level token from one line.
var levelPattern = regexp.MustCompile(`\blevel=([A-Z]+)`)

// tokenPattern matches quoted strings, IPv4 addresses, and bare numbers.
// One combined pattern keeps inserted escape sequences out of later matches.
var tokenPattern = regexp.MustCompile(`"[^"]*"|\b\d{1,3}(?:\.\d{1,3}){3}\b|\b\d+(?:\.\d+)?\b`)

// ipPattern classifies a token as an IPv4 address.
var ipPattern = regexp.MustCompile(`^\d{1,3}(?:\.\d{1,3}){3}$`)

// colorLineWriter colorizes slog text lines for terminal output.
// Params: dst destination writer receiving rendered lines.
// Returns: io.Writer wrapping dst with ANSI highlighting.
type colorLineWriter struct {
	dst io.Writer
}

// Write renders one or more log lines with level and token colors.
// Params: p raw slog text output.
// Returns: length of p and the destination write error.
func (w *colorLineWriter) Write(p []byte) (int, error) {
	text := string(p)

	var builder strings.Builder
	for {
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			builder.WriteString(colorizeLine(text))
			break
		}
		builder.WriteString(colorizeLine(text[:idx]))
		builder.WriteByte('\n')
		text = text[idx+1:]
		if text == "" {
			break
		}
	}

	if _, err := w.dst.Write([]byte(builder.String())); err != nil {
		return 0, err
	}
	return len(p), nil
}

// colorizeLine highlights one line based on its level token.
// Params: line slog text line without trailing newline.
// Returns: colored line, or the line unchanged for unknown levels.
func colorizeLine(line string) string {
	if line == "" {
		return line
	}

	match := levelPattern.FindStringSubmatch(line)
	if match == nil {
		return line
	}
	base, known := levelColors[match[1]]
	if !known {
		return line
	}

	colored := tokenPattern.ReplaceAllStringFunc(line, func(token string) string {
		switch {
		case strings.HasPrefix(token, `"`):
			return ansiGreen + token + ansiReset + base
		case ipPattern.MatchString(token):
			return ansiCyan + token + ansiReset + base
		default:
			return ansiYellow + token + ansiReset + base
		}
	})

	return base + colored + ansiReset
}

// multiHandler fans records out to every enabled sink handler.
// Params: ordered handler list.
// Returns: slog.Handler delivering to all sinks.
type multiHandler struct {
	handlers []slog.Handler
}

// Enabled reports whether any sink accepts the level.
// Params: ctx handler context; level record level.
// Returns: true when at least one sink is enabled.
func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle delivers the record to every sink that accepts its level.
// Params: ctx handler context; record log record.
// Returns: first sink error.
func (h *multiHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil {
			return err
		}
	}
	return nil
}

// WithAttrs forwards attribute binding to every sink.
// Params: attrs bound attributes.
// Returns: handler with attrs applied to all sinks.
func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for idx, handler := range h.handlers {
		next[idx] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: next}
}

// WithGroup forwards group binding to every sink.
// Params: name group name.
// Returns: handler with the group applied to all sinks.
func (h *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for idx, handler := range h.handlers {
		next[idx] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: next}
}

// parseLevel maps a config level string to a slog level.
// Params: level config value (debug/info/warn/error).
// Returns: slog level, info for unknown values.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// sinkHandler builds one slog handler for a sink destination.
// Params: sink settings; dst destination writer.
// Returns: format-appropriate handler.
func sinkHandler(sink config.LogSinkConfig, dst io.Writer) slog.Handler {
	options := &slog.HandlerOptions{Level: parseLevel(sink.Level)}
	if sink.Format == "json" {
		return slog.NewJSONHandler(dst, options)
	}
	return slog.NewTextHandler(dst, options)
}

// New builds the root logger from the logging configuration.
// Params: cfg logging section with console and file sinks.
// Returns: root logger, a close function for file sinks, and setup error.
func New(cfg config.LogConfig) (*slog.Logger, func(), error) {
	var handlers []slog.Handler
	closer := func() {}

	if cfg.Console.Enabled {
		var dst io.Writer = os.Stdout
		if cfg.Console.Format == "line" {
			dst = &colorLineWriter{dst: os.Stdout}
		}
		handlers = append(handlers, sinkHandler(cfg.Console, dst))
	}

	if cfg.File.Enabled {
		file, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %q: %w", cfg.File.Path, err)
		}
		closer = func() { file.Close() }
		handlers = append(handlers, sinkHandler(cfg.File, file))
	}

	switch len(handlers) {
	case 0:
		return slog.New(slog.NewTextHandler(io.Discard, nil)), closer, nil
	case 1:
		return slog.New(handlers[0]), closer, nil
	default:
		return slog.New(&multiHandler{handlers: handlers}), closer, nil
	}
}
