package studio

import (
	"errors"
	"fmt"
)

var (
	// ErrRunInFlight is returned when a generation is requested while another is running
	ErrRunInFlight = errors.New("a generation is already in progress")
	// ErrEmptyPrompt is returned for a blank prompt
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrStreamClosed ends a run whose stream finished without a complete or error frame
	ErrStreamClosed = errors.New("stream closed unexpectedly")
	// ErrStreamIdle ends a run when no bytes arrive within the idle timeout
	ErrStreamIdle = errors.New("stream idle timeout")
	// ErrRunTimeout ends a run that exceeds the overall generation deadline
	ErrRunTimeout = errors.New("generation timed out")
	// ErrRunCancelled ends a run abandoned by Cancel or Supersede
	ErrRunCancelled = errors.New("generation cancelled")
)

// ServerError is an error frame sent by the backend. Its message is shown verbatim.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("generation failed: %s", e.Message)
}
