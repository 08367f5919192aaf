package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/adverant/nexus/capture-worker/internal/camera"
	"github.com/adverant/nexus/capture-worker/internal/capture"
	"github.com/adverant/nexus/capture-worker/internal/logging"
	"github.com/adverant/nexus/capture-worker/internal/storage"
)

// Capturer runs one capture against a driver. *capture.Orchestrator
// satisfies it.
type Capturer interface {
	CaptureFrom(ctx context.Context, driver camera.Driver) *capture.Result
}

// RunRecorder persists run outcomes. *storage.Manager satisfies it.
type RunRecorder interface {
	RecordRun(ctx context.Context, rec *storage.RunRecord) error
}

// JobProcessor turns a queued CaptureJob into one orchestrator run and
// records the outcome.
type JobProcessor struct {
	capturer Capturer
	recorder RunRecorder
	timeout  time.Duration
	logger   *logging.Logger
}

// NewJobProcessor creates a processor. recorder may be nil; timeout <= 0
// selects 5 minutes.
func NewJobProcessor(capturer Capturer, recorder RunRecorder, timeout time.Duration) (*JobProcessor, error) {
	if capturer == nil {
		return nil, fmt.Errorf("capturer is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &JobProcessor{
		capturer: capturer,
		recorder: recorder,
		timeout:  timeout,
		logger:   logging.NewLogger("JobProcessor"),
	}, nil
}

// Process runs job. The returned result is nil only when the job itself is
// unusable, in which case err says why. Busy results are not recorded.
func (p *JobProcessor) Process(ctx context.Context, job *CaptureJob) (*capture.Result, error) {
	driver, err := job.Driver()
	if err != nil {
		return nil, fmt.Errorf("invalid capture job %s: %w", job.JobID, err)
	}

	p.logger.Printf("[Job %s] Processing frame: %dx%d@%d° %s, %d bytes, timeout %v",
		job.JobID, job.Frame.Width, job.Frame.Height, job.Frame.RotationDegrees,
		job.Frame.Format, len(job.Frame.Data), p.timeout)

	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result := p.capturer.CaptureFrom(runCtx, driver)

	if result.Busy() {
		p.logger.Printf("[Job %s] Orchestrator busy, job not run", job.JobID)
		return result, nil
	}

	if p.recorder != nil {
		metadata := map[string]interface{}{}
		for k, v := range job.Metadata {
			metadata[k] = v
		}
		if job.UserID != "" {
			metadata["userId"] = job.UserID
		}
		// The run already happened; record it even if the job context ended.
		recordCtx, cancelRecord := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancelRecord()
		if err := p.recorder.RecordRun(recordCtx, storage.NewRunRecord(job.JobID, result, metadata)); err != nil {
			p.logger.Warn("Failed to record capture run",
				"jobId", job.JobID,
				"runId", result.RunID,
				"error", err,
			)
		}
	}

	p.logger.Printf("[Job %s] Run %s finished: status=%s, duration=%v",
		job.JobID, result.RunID, result.Status(), result.Duration)
	return result, nil
}

// resultSummary is what gets stored in the results/errors hashes and returned
// to job submitters.
func resultSummary(result *capture.Result) map[string]interface{} {
	summary := map[string]interface{}{
		"runId":          result.RunID,
		"status":         result.Status(),
		"artifactRef":    result.ArtifactRef,
		"recognizedText": result.RecognizedText,
		"processingTime": result.Duration.Milliseconds(),
		"rect": map[string]int{
			"left":   result.Rect.Left,
			"top":    result.Rect.Top,
			"right":  result.Rect.Right,
			"bottom": result.Rect.Bottom,
		},
	}
	if result.Err != nil {
		summary["error"] = result.Err.Error()
		summary["errorCode"] = string(result.Err.Code)
	}
	return summary
}
