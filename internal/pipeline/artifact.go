package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"watchpost/internal/bus"
	"watchpost/internal/config"
)

// Supported artifact kinds.
const (
	ArtifactKindSnapshot = "snapshot"
	ArtifactKindGIF      = "gif"
	ArtifactKindClip     = "clip"
)

// frameRing buffers the most recent frames of one camera.
// Params: fixed capacity overwrite-oldest ring.
// Returns: frame buffer feeding artifact encoding.
type frameRing struct {
	frames []Frame
	next   int
	full   bool
}

// newFrameRing creates a ring with the given capacity.
// Params: capacity maximum buffered frames, at least one.
// Returns: empty frame ring.
func newFrameRing(capacity int) *frameRing {
	if capacity < 1 {
		capacity = 1
	}
	return &frameRing{frames: make([]Frame, capacity)}
}

// push appends one frame, overwriting the oldest when full.
// Params: frame buffered frame.
// Returns: nothing.
func (r *frameRing) push(frame Frame) {
	r.frames[r.next] = frame
	r.next++
	if r.next == len(r.frames) {
		r.next = 0
		r.full = true
	}
}

// len reports the number of buffered frames.
// Params: none.
// Returns: current frame count.
func (r *frameRing) len() int {
	if r.full {
		return len(r.frames)
	}
	return r.next
}

// newest copies out the newest count frames in chronological order.
// Params: count requested frame count, capped at the buffered length.
// Returns: oldest-to-newest frame slice.
func (r *frameRing) newest(count int) []Frame {
	available := r.len()
	if count > available {
		count = available
	}
	if count <= 0 {
		return nil
	}

	out := make([]Frame, 0, count)
	start := r.next - count
	if start < 0 {
		start += len(r.frames)
	}
	for i := 0; i < count; i++ {
		out = append(out, r.frames[(start+i)%len(r.frames)])
	}
	return out
}

// ArtifactBuilder turns buffered camera frames into one media artifact kind.
// Params: artifact kind plus directory and selection limits from config.
// Returns: module publishing finished artifacts on event.<kind>.ready.
type ArtifactBuilder struct {
	kind   string
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	enabled bool
	cfg     config.ArtifactConfig
	buffers map[string]*frameRing

	built   uint64
	skipped uint64
	errored uint64

	// writeMu serializes artifact encoding and directory pruning.
	writeMu sync.Mutex

	pending   chan Detection
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	frameSub  *bus.Subscription
	alertSub  *bus.Subscription
	startOnce sync.Once
}

// NewArtifactBuilder creates an unconfigured artifact builder attached to the bus.
// Params: kind artifact kind (snapshot/gif/clip); b shared event bus; logger root logger.
// Returns: artifact builder module instance.
func NewArtifactBuilder(kind string, b *bus.Bus, logger *slog.Logger) *ArtifactBuilder {
	return &ArtifactBuilder{
		kind:    kind,
		bus:     b,
		logger:  logger.With(slog.String("module", config.ArtifactModulePrefix+kind)),
		now:     time.Now,
		buffers: make(map[string]*frameRing),
	}
}

// Name returns the module identity.
// Params: none.
// Returns: module name including the artifact kind.
func (m *ArtifactBuilder) Name() string { return config.ArtifactModulePrefix + m.kind }

// Configure applies artifact settings idempotently.
// Params: cfg resolved module config with ArtifactConfig options.
// Returns: error on wrong option type or kind mismatch.
func (m *ArtifactBuilder) Configure(cfg config.ModuleConfig) error {
	options, ok := cfg.Options.(config.ArtifactConfig)
	if !ok {
		return fmt.Errorf("artifact options have type %T", cfg.Options)
	}
	if options.Kind != m.kind {
		return fmt.Errorf("artifact kind %q handed to %q builder", options.Kind, m.kind)
	}
	if cfg.Enabled && strings.TrimSpace(options.Dir) == "" {
		return fmt.Errorf("artifact %s dir is required when enabled", m.kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = cfg.Enabled
	m.cfg = options
	return nil
}

// Start subscribes to frames and alerts and launches the encode worker.
// Params: ctx parent context bounding the worker goroutine.
// Returns: subscribe or directory error.
func (m *ArtifactBuilder) Start(ctx context.Context) error {
	m.mu.Lock()
	enabled := m.enabled
	dir := m.cfg.Dir
	maxPending := m.cfg.MaxPending
	m.mu.Unlock()

	if enabled {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create artifact dir %q: %w", dir, err)
		}
	}
	if maxPending < 1 {
		maxPending = 1
	}

	frameSub, err := m.bus.Subscribe("camera.*.frame", m.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe frames: %w", err)
	}
	alertSub, err := m.bus.Subscribe(TopicAlertDetected, m.handleAlert)
	if err != nil {
		frameSub.Cancel()
		return fmt.Errorf("subscribe alerts: %w", err)
	}
	m.frameSub = frameSub
	m.alertSub = alertSub

	m.startOnce.Do(func() {
		workerCtx, cancel := context.WithCancel(ctx)
		m.cancel = cancel
		m.pending = make(chan Detection, maxPending)
		m.wg.Add(1)
		go m.encodeLoop(workerCtx)
	})
	return nil
}

// Stop cancels subscriptions and waits for the encode worker.
// Params: ctx unused; the worker finishes its in-flight artifact.
// Returns: nil.
func (m *ArtifactBuilder) Stop(_ context.Context) error {
	m.frameSub.Cancel()
	m.alertSub.Cancel()
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return nil
}

// Health reports module state with build/skip/error counters.
// Params: none.
// Returns: health report, degraded after encode errors.
func (m *ArtifactBuilder) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := HealthOK
	if m.errored > 0 {
		state = HealthDegraded
	}
	return Health{
		State:  state,
		Detail: fmt.Sprintf("built=%d skipped=%d errored=%d cameras=%d", m.built, m.skipped, m.errored, len(m.buffers)),
	}
}

// handleFrame buffers one camera frame.
// Params: ctx unused; env envelope carrying a Frame.
// Returns: error on unexpected payload types.
func (m *ArtifactBuilder) handleFrame(_ context.Context, env bus.Envelope) error {
	frame, ok := env.Payload.(Frame)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", env.Payload, env.Topic)
	}
	if !frame.HasImage() {
		// Reference-only frames cannot be encoded locally.
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return nil
	}

	ring, exists := m.buffers[frame.CameraID]
	if !exists {
		ring = newFrameRing(m.ringCapacity())
		m.buffers[frame.CameraID] = ring
	}
	ring.push(frame)
	return nil
}

// handleAlert enqueues one alert for artifact encoding.
// Params: ctx unused; env envelope carrying a Detection.
// Returns: error on unexpected payload types.
func (m *ArtifactBuilder) handleAlert(_ context.Context, env bus.Envelope) error {
	detection, ok := env.Payload.(Detection)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", env.Payload, env.Topic)
	}

	m.mu.Lock()
	enabled := m.enabled
	m.mu.Unlock()
	if !enabled {
		return nil
	}

	select {
	case m.pending <- detection:
	default:
		// Encoding falls behind; dropping the trigger keeps the bus moving.
		m.logger.Warn(
			"artifact trigger dropped, encoder busy",
			slog.String("camera", detection.CameraID),
			slog.Int("max_pending", cap(m.pending)),
		)
	}
	return nil
}

// encodeLoop drains pending alerts and builds artifacts one at a time.
// Params: ctx worker context; cancellation drains nothing further.
// Returns: nothing; runs until Stop.
func (m *ArtifactBuilder) encodeLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case detection := <-m.pending:
			if err := m.build(ctx, detection); err != nil {
				m.mu.Lock()
				m.errored++
				m.mu.Unlock()
				m.logger.Error(
					"artifact build failed",
					slog.String("camera", detection.CameraID),
					slog.String("kind", m.kind),
					slog.Any("error", err),
				)
			}
		}
	}
}

// build encodes one artifact for the triggering detection.
// Params: ctx worker context; detection alert that triggered the build.
// Returns: encode or write error; empty buffers are a silent skip.
func (m *ArtifactBuilder) build(ctx context.Context, detection Detection) error {
	m.mu.Lock()
	cfg := m.cfg
	var selected []Frame
	if ring, exists := m.buffers[detection.CameraID]; exists {
		selected = ring.newest(m.selectCount())
	}
	m.mu.Unlock()

	if len(selected) == 0 {
		m.mu.Lock()
		m.skipped++
		m.mu.Unlock()
		m.logger.Debug("no buffered frames, artifact skipped", slog.String("camera", detection.CameraID))
		return nil
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	createdAt := m.now()
	name := fmt.Sprintf("%s_%s.%s", detection.CameraID, createdAt.UTC().Format("20060102T150405.000"), m.extension())
	path := filepath.Join(cfg.Dir, name)

	var (
		contentType string
		frameCount  int
		err         error
	)
	switch m.kind {
	case ArtifactKindSnapshot:
		contentType, frameCount, err = m.writeSnapshot(path, selected)
	case ArtifactKindGIF:
		contentType, frameCount, err = m.writeGIF(path, selected, cfg.FPS)
	case ArtifactKindClip:
		contentType, frameCount, err = m.writeClip(path, selected)
	default:
		err = fmt.Errorf("unknown artifact kind %q", m.kind)
	}
	if err != nil {
		return err
	}

	m.pruneArtifacts(cfg.Dir, cfg.MaxArtifacts)

	m.mu.Lock()
	m.built++
	m.mu.Unlock()

	artifact := Artifact{
		SchemaVersion: CurrentSchemaVersion,
		CameraID:      detection.CameraID,
		Kind:          m.kind,
		Path:          path,
		ContentType:   contentType,
		CreatedAt:     createdAt,
		Metadata: map[string]string{
			"detector": detection.DetectorID,
			"label":    detection.Label,
			"frames":   fmt.Sprintf("%d", frameCount),
		},
	}
	return m.bus.Publish(ctx, ArtifactReadyTopic(m.kind), artifact)
}

// writeSnapshot re-encodes the newest decodable frame as a JPEG still.
// Params: path output file; frames chronological selection.
// Returns: content type, encoded frame count, and encode error.
func (m *ArtifactBuilder) writeSnapshot(path string, frames []Frame) (string, int, error) {
	for idx := len(frames) - 1; idx >= 0; idx-- {
		frame := frames[idx]
		decoded, _, err := image.Decode(bytes.NewReader(frame.Image))
		if err != nil {
			m.logger.Debug(
				"frame decode failed, frame skipped",
				slog.String("camera", frame.CameraID),
				slog.Uint64("sequence", frame.SequenceID),
				slog.Any("error", err),
			)
			continue
		}

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, decoded, nil); err != nil {
			return "", 0, fmt.Errorf("encode jpeg snapshot: %w", err)
		}
		if err := writeFileAtomic(path, buf.Bytes()); err != nil {
			return "", 0, err
		}
		return "image/jpeg", 1, nil
	}
	return "", 0, fmt.Errorf("no decodable frames for snapshot")
}

// writeGIF re-encodes the selected frames into an animated paletted GIF.
// Params: path output file; frames chronological selection; fps playback rate.
// Returns: content type, encoded frame count, and encode error.
func (m *ArtifactBuilder) writeGIF(path string, frames []Frame, fps int) (string, int, error) {
	if fps < 1 {
		fps = 1
	}
	delay := 100 / fps
	if delay < 1 {
		delay = 1
	}

	animation := &gif.GIF{}
	for _, frame := range frames {
		decoded, _, err := image.Decode(bytes.NewReader(frame.Image))
		if err != nil {
			m.logger.Debug(
				"frame decode failed, frame skipped",
				slog.String("camera", frame.CameraID),
				slog.Uint64("sequence", frame.SequenceID),
				slog.Any("error", err),
			)
			continue
		}

		bounds := decoded.Bounds()
		paletted := image.NewPaletted(bounds, palette.Plan9)
		draw.FloydSteinberg.Draw(paletted, bounds, decoded, bounds.Min)
		animation.Image = append(animation.Image, paletted)
		animation.Delay = append(animation.Delay, delay)
	}

	if len(animation.Image) == 0 {
		return "", 0, fmt.Errorf("no decodable frames for gif")
	}

	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, animation); err != nil {
		return "", 0, fmt.Errorf("encode gif: %w", err)
	}
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return "", 0, err
	}
	return "image/gif", len(animation.Image), nil
}

// writeClip concatenates the selected frames into an MJPEG stream.
// Params: path output file; frames chronological selection.
// Returns: content type, encoded frame count, and encode error.
func (m *ArtifactBuilder) writeClip(path string, frames []Frame) (string, int, error) {
	var buf bytes.Buffer
	count := 0
	for _, frame := range frames {
		payload := frame.Image
		if !strings.EqualFold(frame.ContentType, "image/jpeg") {
			decoded, _, err := image.Decode(bytes.NewReader(frame.Image))
			if err != nil {
				m.logger.Debug(
					"frame decode failed, frame skipped",
					slog.String("camera", frame.CameraID),
					slog.Uint64("sequence", frame.SequenceID),
					slog.Any("error", err),
				)
				continue
			}
			var reencoded bytes.Buffer
			if err := jpeg.Encode(&reencoded, decoded, nil); err != nil {
				return "", 0, fmt.Errorf("encode jpeg frame: %w", err)
			}
			payload = reencoded.Bytes()
		}
		buf.Write(payload)
		count++
	}

	if count == 0 {
		return "", 0, fmt.Errorf("no decodable frames for clip")
	}
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return "", 0, err
	}
	return "video/x-motion-jpeg", count, nil
}

// pruneArtifacts deletes the oldest files beyond the per-builder limit.
// Params: dir artifact directory; limit maximum kept artifacts.
// Returns: nothing; deletion failures are logged and skipped.
func (m *ArtifactBuilder) pruneArtifacts(dir string, limit int) {
	if limit <= 0 {
		return
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*."+m.extension()))
	if err != nil || len(matches) <= limit {
		return
	}

	type aged struct {
		path    string
		modTime time.Time
	}
	files := make([]aged, 0, len(matches))
	for _, match := range matches {
		info, statErr := os.Stat(match)
		if statErr != nil {
			continue
		}
		files = append(files, aged{path: match, modTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
	for _, file := range files[:max(0, len(files)-limit)] {
		if removeErr := os.Remove(file.path); removeErr != nil {
			m.logger.Warn("artifact prune failed", slog.String("path", file.path), slog.Any("error", removeErr))
		}
	}
}

// ringCapacity sizes the per-camera buffer with headroom above the selection.
// Params: none; reads the active config under the caller's lock.
// Returns: ring capacity in frames.
func (m *ArtifactBuilder) ringCapacity() int {
	capacity := int(float64(m.cfg.FPS)*m.cfg.Duration.Duration.Seconds()) + m.cfg.FPS/2 + 1
	if capacity < 1 {
		capacity = 1
	}
	return capacity
}

// selectCount bounds how many newest frames one artifact may use.
// Params: none; reads the active config under the caller's lock.
// Returns: maximum frame selection.
func (m *ArtifactBuilder) selectCount() int {
	count := int(float64(m.cfg.FPS) * m.cfg.Duration.Duration.Seconds())
	if count < 1 {
		count = 1
	}
	if m.cfg.MaxFrames > 0 && count > m.cfg.MaxFrames {
		count = m.cfg.MaxFrames
	}
	return count
}

// extension returns the file extension for the builder kind.
// Params: none.
// Returns: extension without the dot.
func (m *ArtifactBuilder) extension() string {
	switch m.kind {
	case ArtifactKindGIF:
		return "gif"
	case ArtifactKindClip:
		return "mjpeg"
	default:
		return "jpg"
	}
}

// writeFileAtomic writes bytes through a temp file and rename.
// Params: path final file path; data file content.
// Returns: write or rename error; no partial file remains on failure.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".artifact-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}
