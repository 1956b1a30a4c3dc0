package models

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Dimension and batch limits accepted by the backend
const (
	DimensionStep = 16
	MinDimension  = 256
	MaxDimension  = 4096
	MaxNumImages  = 12
	RandomSeed    = -1
)

// ErrInvalidParams is returned when a request fails validation
var ErrInvalidParams = errors.New("invalid generation parameters")

// Params is the tunable parameter set of a generation request
type Params struct {
	Steps         int     `json:"steps" yaml:"steps"`
	GuidanceScale float64 `json:"guidance_scale" yaml:"guidance_scale"`
	Width         int     `json:"width" yaml:"width"`
	Height        int     `json:"height" yaml:"height"`
	Seed          int64   `json:"seed" yaml:"seed"`
	NumImages     int     `json:"num_images" yaml:"num_images"`
	EnhancePrompt bool    `json:"enhance_prompt" yaml:"enhance_prompt"`
}

// DefaultParams returns the parameters the backend recommends for turbo models
func DefaultParams() Params {
	return Params{
		Steps:         8,
		GuidanceScale: 0.0,
		Width:         1024,
		Height:        1024,
		Seed:          RandomSeed,
		NumImages:     1,
		EnhancePrompt: false,
	}
}

// Validate checks the parameter set against backend limits
func (p Params) Validate() error {
	if p.Steps < 1 {
		return fmt.Errorf("%w: steps must be at least 1, got %d", ErrInvalidParams, p.Steps)
	}
	if p.GuidanceScale < 0 {
		return fmt.Errorf("%w: guidance_scale must not be negative, got %g", ErrInvalidParams, p.GuidanceScale)
	}
	if err := validateDimension("width", p.Width); err != nil {
		return err
	}
	if err := validateDimension("height", p.Height); err != nil {
		return err
	}
	if p.Seed < RandomSeed {
		return fmt.Errorf("%w: seed must be -1 (random) or non-negative, got %d", ErrInvalidParams, p.Seed)
	}
	if p.NumImages < 1 || p.NumImages > MaxNumImages {
		return fmt.Errorf("%w: num_images must be between 1 and %d, got %d", ErrInvalidParams, MaxNumImages, p.NumImages)
	}
	return nil
}

func validateDimension(name string, v int) error {
	if v%DimensionStep != 0 {
		return fmt.Errorf("%w: %s must be a multiple of %d, got %d", ErrInvalidParams, name, DimensionStep, v)
	}
	if v < MinDimension || v > MaxDimension {
		return fmt.Errorf("%w: %s must be between %d and %d, got %d", ErrInvalidParams, name, MinDimension, MaxDimension, v)
	}
	return nil
}

// SnapDimension rounds v to the nearest multiple of 16 inside the accepted range
func SnapDimension(v int) int {
	snapped := ((v + DimensionStep/2) / DimensionStep) * DimensionStep
	if snapped < MinDimension {
		return MinDimension
	}
	if snapped > MaxDimension {
		return MaxDimension
	}
	return snapped
}

// GenerationRequest is the body of POST /generate/stream
type GenerationRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt *string `json:"negative_prompt"`
	Params
}

// NewGenerationRequest builds a request, mapping an empty negative prompt to null
func NewGenerationRequest(prompt, negativePrompt string, params Params) GenerationRequest {
	req := GenerationRequest{
		Prompt: prompt,
		Params: params,
	}
	if negativePrompt != "" {
		req.NegativePrompt = &negativePrompt
	}
	return req
}

// Negative returns the negative prompt or an empty string
func (r GenerationRequest) Negative() string {
	if r.NegativePrompt == nil {
		return ""
	}
	return *r.NegativePrompt
}

// Validate checks the prompt and parameters
func (r GenerationRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("%w: prompt is empty", ErrInvalidParams)
	}
	return r.Params.Validate()
}

// StreamEvent is one typed frame decoded from the generation stream.
// The set of variants is closed: LogEvent, ProgressEvent, CompleteEvent and ErrorEvent.
type StreamEvent interface {
	// EventType returns the wire discriminator of the event
	EventType() EventType
	isStreamEvent()
}

// EventType is the "type" discriminator of a stream frame
type EventType string

const (
	EventLog      EventType = "log"
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// LogEvent carries a backend log line
type LogEvent struct {
	Message string
}

// ProgressEvent is informational only and never ends a run
type ProgressEvent struct {
	Step       int
	TotalSteps int
	Percent    float64
	Raw        json.RawMessage
}

// CompleteEvent signals that the image batch for SessionID can be fetched
type CompleteEvent struct {
	SessionID string
}

// ErrorEvent is a terminal failure reported by the backend
type ErrorEvent struct {
	Message string
}

func (LogEvent) EventType() EventType      { return EventLog }
func (ProgressEvent) EventType() EventType { return EventProgress }
func (CompleteEvent) EventType() EventType { return EventComplete }
func (ErrorEvent) EventType() EventType    { return EventError }

func (LogEvent) isStreamEvent()      {}
func (ProgressEvent) isStreamEvent() {}
func (CompleteEvent) isStreamEvent() {}
func (ErrorEvent) isStreamEvent()    {}

// Fraction returns progress in the 0..1 range, or -1 when unknown
func (p ProgressEvent) Fraction() float64 {
	switch {
	case p.TotalSteps > 0:
		return float64(p.Step) / float64(p.TotalSteps)
	case p.Percent > 0:
		return p.Percent / 100
	default:
		return -1
	}
}

// Frame is the JSON payload of a log, complete or error line.
// Progress payloads are opaque and decoded separately.
type Frame struct {
	Type      EventType `json:"type"`
	Message   string    `json:"message,omitempty"`
	SessionID SessionID `json:"session_id,omitempty"`
}

// ProgressFields are the progress values the backend usually reports
type ProgressFields struct {
	Step       int     `json:"step,omitempty"`
	TotalSteps int     `json:"total_steps,omitempty"`
	Progress   float64 `json:"progress,omitempty"`
}

// NewProgressEvent wraps a progress payload. Fields that do not have the
// usual shape leave the fraction unknown; the payload is kept in Raw.
func NewProgressEvent(payload []byte) ProgressEvent {
	ev := ProgressEvent{Raw: append(json.RawMessage(nil), payload...)}

	var fields ProgressFields
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ev
	}
	ev.Step = fields.Step
	ev.TotalSteps = fields.TotalSteps
	ev.Percent = fields.Progress
	return ev
}

// SessionID accepts both string and numeric session identifiers
type SessionID string

// UnmarshalJSON implements json.Unmarshaler
func (s *SessionID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = SessionID(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("session_id must be a string or number: %w", err)
	}
	*s = SessionID(num.String())
	return nil
}

// GeneratedImage is one image of a completed run
type GeneratedImage struct {
	Image string `json:"image"`
	Seed  int64  `json:"seed"`
}

// ImagesResponse is returned by GET /get_images/{session_id}
type ImagesResponse struct {
	Images []GeneratedImage `json:"images"`
}

// Decode returns the raw image bytes and media type of a data URI
func (g GeneratedImage) Decode() ([]byte, string, error) {
	rest, ok := strings.CutPrefix(g.Image, "data:")
	if !ok {
		return nil, "", fmt.Errorf("image is not a data URI")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("malformed data URI: missing payload")
	}
	mediaType, encoding, _ := strings.Cut(meta, ";")
	if mediaType == "" {
		mediaType = "text/plain"
	}
	if encoding != "base64" {
		return nil, "", fmt.Errorf("unsupported data URI encoding %q", encoding)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image payload: %w", err)
	}
	return data, mediaType, nil
}

// Extension returns the file extension matching the image media type
func (g GeneratedImage) Extension() string {
	meta, _, _ := strings.Cut(strings.TrimPrefix(g.Image, "data:"), ";")
	switch meta {
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	default:
		return "png"
	}
}

// LogEntry is one line in the log pane of a run
type LogEntry struct {
	Time    time.Time
	Message string
}

// HistoryItem is a past generation persisted by the backend
type HistoryItem struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt *string `json:"negative_prompt"`
	Timestamp      string  `json:"timestamp,omitempty"`
	Params
}

// Request rebuilds the generation request of a history entry
func (h HistoryItem) Request() GenerationRequest {
	return GenerationRequest{
		Prompt:         h.Prompt,
		NegativePrompt: h.NegativePrompt,
		Params:         h.Params,
	}
}

// RecentHistory keeps the last limit items of a chronological list, newest first
func RecentHistory(items []HistoryItem, limit int) []HistoryItem {
	start := 0
	if limit >= 0 && len(items) > limit {
		start = len(items) - limit
	}
	recent := make([]HistoryItem, 0, len(items)-start)
	for i := len(items) - 1; i >= start; i-- {
		recent = append(recent, items[i])
	}
	return recent
}

// BackendSettings mirrors GET /settings
type BackendSettings struct {
	CacheDir   *string `json:"cache_dir"`
	ModelID    string  `json:"model_id"`
	CPUOffload bool    `json:"cpu_offload"`
}

// ModelPathRequest is the body of POST /settings/model-path
type ModelPathRequest struct {
	CacheDir   string `json:"cache_dir"`
	CPUOffload bool   `json:"cpu_offload"`
}

// StatusResponse is a generic {status, message} reply
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// GPUInfo mirrors GET /gpu-info
type GPUInfo struct {
	Available       bool    `json:"available"`
	DeviceName      string  `json:"device_name,omitempty"`
	DeviceCount     int     `json:"device_count,omitempty"`
	CurrentDevice   int     `json:"current_device,omitempty"`
	MemoryAllocated float64 `json:"memory_allocated,omitempty"`
	MemoryReserved  float64 `json:"memory_reserved,omitempty"`
}

// String returns a one-line summary of the backend GPU
func (g GPUInfo) String() string {
	if !g.Available {
		return "GPU unavailable"
	}
	return fmt.Sprintf("%s (device %d of %d, %.2f GB allocated, %.2f GB reserved)",
		g.DeviceName, g.CurrentDevice, g.DeviceCount, g.MemoryAllocated, g.MemoryReserved)
}
