// Package stream decodes the newline-delimited "data: <json>" frames of a
// generation stream. Network chunks never need to align with frame
// boundaries: bytes are buffered until a newline completes a line.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"

	"github.com/Gelotto/zimage-studio/internal/models"
)

// DataPrefix marks a frame line
const DataPrefix = "data: "

// FrameError reports a frame whose payload could not be turned into an event.
// It never terminates a stream.
type FrameError struct {
	Line string
	Err  error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed frame %q: %v", e.Line, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// Decoder turns chunks of a byte stream into StreamEvents.
// It keeps the trailing partial line between calls to Feed.
type Decoder struct {
	buf []byte

	// OnFrameError is called for every malformed frame. Defaults to logging.
	OnFrameError func(err *FrameError)
}

// NewDecoder creates an empty decoder
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends a chunk and returns the events of every line it completes,
// in stream order.
func (d *Decoder) Feed(chunk []byte) []models.StreamEvent {
	d.buf = append(d.buf, chunk...)

	var events []models.StreamEvent
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := d.buf[:idx]
		d.buf = d.buf[idx+1:]

		event, err := ParseLine(line)
		if err != nil {
			d.reportFrameError(err)
			continue
		}
		if event != nil {
			events = append(events, event)
		}
	}

	// Compact so the carry-over never pins an ever-growing backing array.
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	} else if cap(d.buf) > 4*len(d.buf)+4096 {
		d.buf = append([]byte(nil), d.buf...)
	}

	return events
}

// Pending returns the bytes of the incomplete trailing line
func (d *Decoder) Pending() []byte {
	return d.buf
}

// Reset discards any buffered partial line
func (d *Decoder) Reset() {
	d.buf = nil
}

func (d *Decoder) reportFrameError(err *FrameError) {
	if d.OnFrameError != nil {
		d.OnFrameError(err)
		return
	}
	log.Printf("Skipping %v", err)
}

// ParseLine decodes one complete line. Lines without the data prefix yield
// (nil, nil). A data line that is not a valid frame yields a *FrameError.
func ParseLine(line []byte) (models.StreamEvent, *FrameError) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	payload, ok := bytes.CutPrefix(line, []byte(DataPrefix))
	if !ok {
		return nil, nil
	}

	var head struct {
		Type models.EventType `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil, &FrameError{Line: string(line), Err: err}
	}
	if head.Type == models.EventProgress {
		return models.NewProgressEvent(payload), nil
	}

	var frame models.Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, &FrameError{Line: string(line), Err: err}
	}

	event, err := frameToEvent(frame)
	if err != nil {
		return nil, &FrameError{Line: string(line), Err: err}
	}
	return event, nil
}

func frameToEvent(frame models.Frame) (models.StreamEvent, error) {
	switch frame.Type {
	case models.EventLog:
		return models.LogEvent{Message: frame.Message}, nil
	case models.EventComplete:
		if frame.SessionID == "" {
			return nil, fmt.Errorf("complete frame without session_id")
		}
		return models.CompleteEvent{SessionID: string(frame.SessionID)}, nil
	case models.EventError:
		return models.ErrorEvent{Message: frame.Message}, nil
	default:
		return nil, fmt.Errorf("unknown frame type %q", frame.Type)
	}
}
