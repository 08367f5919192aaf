package errors

import (
	"errors"
	"fmt"
	"time"
)

/**
 * Structured error types for the capture pipeline
 *
 * Every stage failure is mapped onto one ErrorCode at the orchestrator
 * boundary. CANCELLED is reported through the same type but is not a failure.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Frame acquisition
	ErrorCaptureFailed ErrorCode = "CAPTURE_FAILED"

	// Geometry / transform
	ErrorInvalidRegion ErrorCode = "INVALID_REGION"

	// Persistence
	ErrorIOFailure ErrorCode = "IO_FAILURE"

	// Recognition
	ErrorRecognitionFailed ErrorCode = "RECOGNITION_FAILED"

	// Orchestration
	ErrorBusy      ErrorCode = "BUSY"
	ErrorCancelled ErrorCode = "CANCELLED"
)

// CaptureError represents a structured pipeline error
type CaptureError struct {
	Code      ErrorCode
	Message   string
	RunID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *CaptureError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CaptureError) Unwrap() error {
	return e.Cause
}

// Is matches any *CaptureError carrying the same code, so callers can write
// errors.Is(err, errors.New(errors.ErrorBusy, "")).
func (e *CaptureError) Is(target error) bool {
	var t *CaptureError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// IsFailure reports whether the error represents a real failure. User
// cancellation is not one.
func (e *CaptureError) IsFailure() bool {
	return e != nil && e.Code != ErrorCancelled
}

// New creates a bare CaptureError, mostly useful as an errors.Is target.
func New(code ErrorCode, message string) *CaptureError {
	return &CaptureError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Factory functions for each kind

func NewCaptureFailedError(runID string, cause error) *CaptureError {
	return &CaptureError{
		Code:      ErrorCaptureFailed,
		Message:   "Camera driver failed to deliver a frame",
		RunID:     runID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewInvalidRegionError(runID string, width, height int, cause error) *CaptureError {
	return &CaptureError{
		Code:      ErrorInvalidRegion,
		Message:   fmt.Sprintf("Crop region is degenerate for %dx%d image", width, height),
		RunID:     runID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"image_width":  width,
			"image_height": height,
		},
		Cause: cause,
	}
}

func NewIOFailureError(runID string, destination string, cause error) *CaptureError {
	return &CaptureError{
		Code:      ErrorIOFailure,
		Message:   fmt.Sprintf("Failed to persist artifact to %s", destination),
		RunID:     runID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"destination": destination,
		},
		Cause: cause,
	}
}

func NewRecognitionFailedError(runID string, engine string, cause error) *CaptureError {
	return &CaptureError{
		Code:      ErrorRecognitionFailed,
		Message:   fmt.Sprintf("Text recognition failed (engine: %s)", engine),
		RunID:     runID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"engine": engine,
		},
		Cause: cause,
	}
}

func NewBusyError(activeRunID string) *CaptureError {
	return &CaptureError{
		Code:      ErrorBusy,
		Message:   "A capture is already in progress",
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"active_run_id": activeRunID,
		},
	}
}

func NewCancelledError(runID string, stage string) *CaptureError {
	return &CaptureError{
		Code:      ErrorCancelled,
		Message:   fmt.Sprintf("Capture cancelled during %s", stage),
		RunID:     runID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"stage": stage,
		},
	}
}

// CodeOf returns the ErrorCode carried by err, or "" when err is not a
// CaptureError.
func CodeOf(err error) ErrorCode {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// ToMap converts error to map for database storage
func (e *CaptureError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.RunID != "" {
		result["run_id"] = e.RunID
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
