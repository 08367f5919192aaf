package capture

import (
	"time"

	"github.com/adverant/nexus/capture-worker/internal/errors"
	"github.com/adverant/nexus/capture-worker/internal/geometry"
)

// State of the orchestrator. Completed and Failed are per-run terminal states;
// the orchestrator always settles back in Idle.
type State int

const (
	Idle State = iota
	Capturing
	Transforming
	Persisting
	Recognizing
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Transforming:
		return "transforming"
	case Persisting:
		return "persisting"
	case Recognizing:
		return "recognizing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transition is reported to the listener on every state change.
type Transition struct {
	RunID string
	From  State
	To    State
	At    time.Time
}

// Result is the outcome of one capture run. ArtifactRef and RecognizedText
// are empty when that path produced nothing; on a failed run either may still
// be set if its own path succeeded.
type Result struct {
	RunID          string
	ArtifactRef    string
	RecognizedText string
	Err            *errors.CaptureError
	Duration       time.Duration

	Region geometry.CropRegion
	Rect   geometry.PixelRect
	// Fingerprint is the 64-value thumbnail of the normalized image, set only
	// when fingerprinting is enabled and an image was produced.
	Fingerprint []float32
}

func (r *Result) HasArtifact() bool { return r.ArtifactRef != "" }

func (r *Result) HasText() bool { return r.RecognizedText != "" }

// Succeeded reports a Completed run.
func (r *Result) Succeeded() bool { return r.Err == nil }

// Cancelled reports a run aborted by its caller.
func (r *Result) Cancelled() bool {
	return r.Err != nil && r.Err.Code == errors.ErrorCancelled
}

// Busy reports a request rejected because another run was in flight.
func (r *Result) Busy() bool {
	return r.Err != nil && r.Err.Code == errors.ErrorBusy
}

// Status is the run status string used in job records and events.
func (r *Result) Status() string {
	switch {
	case r.Succeeded():
		return "completed"
	case r.Cancelled():
		return "cancelled"
	case r.Busy():
		return "busy"
	default:
		return "failed"
	}
}
