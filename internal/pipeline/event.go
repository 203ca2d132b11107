package pipeline

import (
	"fmt"
	"time"
)

// CurrentSchemaVersion is stamped into every payload at construction time.
const CurrentSchemaVersion = 1

// Stable topic names forming the integration surface of the pipeline.
const (
	TopicMotionUnique  = "process.motion.unique"
	TopicMotionZoned   = "process.motion.zoned"
	TopicAlertDetected = "process.alert.detected"
	TopicStorageStats  = "storage.stats"
	TopicHealthSummary = "status.health.summary"
	TopicConfigUpdate  = "config.update"
	TopicConfigSnap    = "config.snapshot"
)

// FrameTopic builds the frame topic for one camera.
// Params: cameraID camera identifier.
// Returns: camera.<id>.frame topic name.
func FrameTopic(cameraID string) string {
	return fmt.Sprintf("camera.%s.frame", cameraID)
}

// DetectionTopic builds the raw detection topic for one detector.
// Params: detectorID detector identifier.
// Returns: process.<detector>.detected topic name.
func DetectionTopic(detectorID string) string {
	return fmt.Sprintf("process.%s.detected", detectorID)
}

// ArtifactReadyTopic builds the ready topic for one artifact kind.
// Params: kind artifact kind (snapshot/gif/clip).
// Returns: event.<kind>.ready topic name.
func ArtifactReadyTopic(kind string) string {
	return fmt.Sprintf("event.%s.ready", kind)
}

// ArtifactAllowedTopic builds the post-rate-limit topic for one artifact kind.
// Params: kind artifact kind (snapshot/gif/clip).
// Returns: event.<kind>.allowed topic name.
func ArtifactAllowedTopic(kind string) string {
	return fmt.Sprintf("event.%s.allowed", kind)
}

// BBox is an axis-aligned box as (x1, y1, x2, y2) in source pixel coordinates.
type BBox [4]float64

// Width returns box width, zero for degenerate boxes.
// Params: none.
// Returns: non-negative width.
func (b BBox) Width() float64 {
	if b[2] <= b[0] {
		return 0
	}
	return b[2] - b[0]
}

// Height returns box height, zero for degenerate boxes.
// Params: none.
// Returns: non-negative height.
func (b BBox) Height() float64 {
	if b[3] <= b[1] {
		return 0
	}
	return b[3] - b[1]
}

// Area returns box area, zero for degenerate boxes.
// Params: none.
// Returns: non-negative area.
func (b BBox) Area() float64 {
	return b.Width() * b.Height()
}

// Center returns the box center point.
// Params: none.
// Returns: center x and y in source coordinates.
func (b BBox) Center() (float64, float64) {
	return (b[0] + b[2]) / 2, (b[1] + b[3]) / 2
}

// IoU computes intersection-over-union with another box.
// Params: other second axis-aligned box.
// Returns: overlap ratio in [0,1], zero for disjoint or degenerate boxes.
func (b BBox) IoU(other BBox) float64 {
	areaA := b.Area()
	areaB := other.Area()
	if areaA <= 0 || areaB <= 0 {
		return 0
	}

	x1 := maxFloat(b[0], other[0])
	y1 := maxFloat(b[1], other[1])
	x2 := minFloat(b[2], other[2])
	y2 := minFloat(b[3], other[3])
	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	return intersection / (areaA + areaB - intersection)
}

// Frame is one captured camera frame payload.
// Params: camera identity, capture metadata, and optional embedded image bytes.
// Returns: immutable frame payload.
type Frame struct {
	SchemaVersion int       `json:"schema_version"`
	CameraID      string    `json:"camera_id"`
	Timestamp     time.Time `json:"timestamp"`
	SequenceID    uint64    `json:"sequence_id"`
	Image         []byte    `json:"-"`
	ImageRef      string    `json:"image_ref,omitempty"`
	ContentType   string    `json:"content_type"`
	Width         int       `json:"width,omitempty"`
	Height        int       `json:"height,omitempty"`
}

// NewFrame constructs a frame payload with the current schema version.
// Params: cameraID source camera; sequenceID monotonic capture counter; image embedded bytes; contentType image MIME type.
// Returns: frame payload stamped with the capture time.
func NewFrame(cameraID string, sequenceID uint64, image []byte, contentType string) Frame {
	return Frame{
		SchemaVersion: CurrentSchemaVersion,
		CameraID:      cameraID,
		Timestamp:     time.Now(),
		SequenceID:    sequenceID,
		Image:         image,
		ContentType:   contentType,
	}
}

// HasImage reports whether the frame carries embedded image bytes.
// Params: none.
// Returns: true when the frame can be decoded without an external fetch.
func (f Frame) HasImage() bool {
	return len(f.Image) > 0
}

// Detection is one labeled detection produced for a frame.
// Params: camera/detector identity, confidence, box, and open attributes.
// Returns: immutable detection payload.
type Detection struct {
	SchemaVersion int            `json:"schema_version"`
	CameraID      string         `json:"camera_id"`
	DetectorID    string         `json:"detector_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Confidence    float64        `json:"confidence"`
	Triggered     bool           `json:"triggered"`
	Label         string         `json:"label,omitempty"`
	Box           BBox           `json:"bbox,omitempty"`
	FrameWidth    int            `json:"frame_width,omitempty"`
	FrameHeight   int            `json:"frame_height,omitempty"`
	ZoneMatches   []string       `json:"zone_matches,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
}

// NewDetection constructs a detection payload with clamped confidence.
// Params: cameraID/detectorID identities; confidence raw detector score; label object class; box detection box.
// Returns: detection payload stamped with the current time.
func NewDetection(cameraID, detectorID string, confidence float64, label string, box BBox) Detection {
	return Detection{
		SchemaVersion: CurrentSchemaVersion,
		CameraID:      cameraID,
		DetectorID:    detectorID,
		Timestamp:     time.Now(),
		Confidence:    clampUnit(confidence),
		Triggered:     true,
		Label:         label,
		Box:           box,
	}
}

// WithZoneMatches returns a copy annotated with matched zone identifiers.
// Params: zones matched include-zone identifiers.
// Returns: annotated detection copy; the receiver stays unchanged.
func (d Detection) WithZoneMatches(zones []string) Detection {
	out := d
	out.ZoneMatches = append([]string(nil), zones...)
	return out
}

// WithAttributes returns a copy with extra attributes merged in.
// Params: extra attribute key/value pairs to add.
// Returns: annotated detection copy; the receiver stays unchanged.
func (d Detection) WithAttributes(extra map[string]any) Detection {
	out := d
	merged := make(map[string]any, len(d.Attributes)+len(extra))
	for key, value := range d.Attributes {
		merged[key] = value
	}
	for key, value := range extra {
		merged[key] = value
	}
	out.Attributes = merged
	return out
}

// Artifact is one persisted media artifact referencing a detection.
// Params: camera identity, file path, and artifact kind metadata.
// Returns: immutable artifact payload; the path exists at publish time.
type Artifact struct {
	SchemaVersion int               `json:"schema_version"`
	CameraID      string            `json:"camera_id"`
	Kind          string            `json:"kind"`
	Path          string            `json:"artifact_path"`
	ContentType   string            `json:"content_type"`
	CreatedAt     time.Time         `json:"created_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// StorageStats is one retention cycle report.
// Params: filesystem usage and per-pattern file counts.
// Returns: snapshot published on storage.stats every cycle.
type StorageStats struct {
	SchemaVersion int            `json:"schema_version"`
	Root          string         `json:"root"`
	TotalBytes    uint64         `json:"total_bytes"`
	UsedBytes     uint64         `json:"used_bytes"`
	FreeBytes     uint64         `json:"free_bytes"`
	UsedPercent   float64        `json:"used_percent"`
	Deleted       int            `json:"deleted"`
	Remaining     map[string]int `json:"remaining"`
	LowSpace      bool           `json:"low_space"`
	Aggressive    bool           `json:"aggressive"`
	At            time.Time      `json:"at"`
}

// ConfigUpdate requests a live reconfiguration of running modules.
// Params: module name change-set or full-reload flag.
// Returns: payload consumed from config.update.
type ConfigUpdate struct {
	SchemaVersion int      `json:"schema_version"`
	Modules       []string `json:"modules,omitempty"`
	Reload        bool     `json:"reload,omitempty"`
}

// ConfigSnapshot reports the applied per-module configuration state.
// Params: module enablement map and apply timestamp.
// Returns: payload published on config.snapshot after reconfiguration.
type ConfigSnapshot struct {
	SchemaVersion int             `json:"schema_version"`
	Modules       map[string]bool `json:"modules"`
	At            time.Time       `json:"at"`
}

// clampUnit clamps a value into [0,1].
// Params: value raw confidence.
// Returns: clamped value.
func clampUnit(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// maxFloat returns the larger of two floats.
// Params: a and b compared values.
// Returns: maximum value.
func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// minFloat returns the smaller of two floats.
// Params: a and b compared values.
// Returns: minimum value.
func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
