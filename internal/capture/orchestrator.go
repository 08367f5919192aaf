/**
 * Capture Orchestrator
 *
 * Runs one "take picture → crop → recognize" operation at a time:
 *   Idle → Capturing → Transforming → {Persisting, Recognizing} → Completed | Failed → Idle
 *
 * - Single-flight: a request while a run is in flight is rejected with BUSY
 * - Persistence and recognition run concurrently on the same normalized image
 * - Cancellation (ctx) while capturing or recognizing returns to Idle with
 *   CANCELLED, never FAILED; persistence is never cancelled mid-write
 * - Frames and images are released on every exit path
 */

package capture

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/adverant/nexus/capture-worker/internal/artifact"
	"github.com/adverant/nexus/capture-worker/internal/camera"
	"github.com/adverant/nexus/capture-worker/internal/errors"
	"github.com/adverant/nexus/capture-worker/internal/geometry"
	"github.com/adverant/nexus/capture-worker/internal/logging"
	"github.com/adverant/nexus/capture-worker/internal/recognizer"
	"github.com/adverant/nexus/capture-worker/internal/transform"
)

// Config holds orchestrator configuration
type Config struct {
	// Driver is used by Capture and the torch controls. Optional when every
	// run goes through CaptureFrom.
	Driver      camera.Driver
	Transformer transform.Transformer
	// Store is optional; without one persistence is skipped.
	Store      artifact.Store
	Recognizer recognizer.Recognizer
	// Region defaults to geometry.DefaultRegion.
	Region *geometry.CropRegion
	// RecognizeTimeout bounds one recognition call; 0 means no bound.
	// Hitting it is a RECOGNITION_FAILED, not a cancellation.
	RecognizeTimeout time.Duration
	Fingerprint      bool
	OnTransition     func(Transition)
}

// Orchestrator coordinates capture runs, one at a time.
//
// Cancelling a run while it is Recognizing returns only after an in-flight
// artifact write has finished, so cancellation latency is bounded by the
// store. The image is released at that point.
type Orchestrator struct {
	driver           camera.Driver
	transformer      transform.Transformer
	store            artifact.Store
	recognizer       recognizer.Recognizer
	recognizeTimeout time.Duration
	fingerprint      bool
	onTransition     func(Transition)
	logger           *logging.Logger

	mu         sync.Mutex
	state      State
	runID      string
	region     geometry.CropRegion
	torch      bool
	lastResult *Result
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(cfg *Config) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Recognizer == nil {
		return nil, fmt.Errorf("recognizer is required")
	}

	region := geometry.DefaultRegion
	if cfg.Region != nil {
		region = *cfg.Region
	}
	if err := region.Validate(); err != nil {
		return nil, fmt.Errorf("invalid crop region: %w", err)
	}

	transformer := cfg.Transformer
	if transformer == nil {
		transformer = transform.New()
	}

	return &Orchestrator{
		driver:           cfg.Driver,
		transformer:      transformer,
		store:            cfg.Store,
		recognizer:       cfg.Recognizer,
		recognizeTimeout: cfg.RecognizeTimeout,
		fingerprint:      cfg.Fingerprint,
		onTransition:     cfg.OnTransition,
		logger:           logging.NewLogger("Orchestrator"),
		state:            Idle,
		region:           region,
	}, nil
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Region returns the crop region new runs will use.
func (o *Orchestrator) Region() geometry.CropRegion {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.region
}

// SetRegion replaces the crop region. Only allowed while Idle.
func (o *Orchestrator) SetRegion(region geometry.CropRegion) error {
	if err := region.Validate(); err != nil {
		e := errors.New(errors.ErrorInvalidRegion, "Crop region rejected")
		e.Cause = err
		return e
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != Idle {
		return errors.NewBusyError(o.runID)
	}
	o.region = region
	return nil
}

// LastResult returns the most recent terminal run result, or nil. Busy
// rejections are not recorded.
func (o *Orchestrator) LastResult() *Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastResult == nil {
		return nil
	}
	r := *o.lastResult
	return &r
}

// SetTorch passes through to the configured driver.
func (o *Orchestrator) SetTorch(on bool) error {
	if o.driver == nil {
		return fmt.Errorf("no camera driver configured")
	}
	if err := o.driver.SetTorch(on); err != nil {
		return fmt.Errorf("failed to set torch: %w", err)
	}
	o.mu.Lock()
	o.torch = on
	o.mu.Unlock()
	return nil
}

// ToggleTorch flips the last torch state set through this orchestrator.
func (o *Orchestrator) ToggleTorch() (bool, error) {
	o.mu.Lock()
	next := !o.torch
	o.mu.Unlock()
	if err := o.SetTorch(next); err != nil {
		return !next, err
	}
	return next, nil
}

// Capture runs the pipeline with the configured driver.
func (o *Orchestrator) Capture(ctx context.Context) *Result {
	if o.driver == nil {
		return &Result{Err: errors.NewCaptureFailedError("", fmt.Errorf("no camera driver configured"))}
	}
	return o.CaptureFrom(ctx, o.driver)
}

// CaptureFrom runs the pipeline pulling one frame from driver. The returned
// result is never nil.
func (o *Orchestrator) CaptureFrom(ctx context.Context, driver camera.Driver) *Result {
	runID, region, busy := o.begin()
	if busy != nil {
		return &Result{Err: busy}
	}

	r := &run{o: o, id: runID, startTime: time.Now()}
	result := r.execute(ctx, driver, region)
	result.Duration = time.Since(r.startTime)

	o.finish(result)
	return result
}

// begin atomically claims the orchestrator for a new run.
func (o *Orchestrator) begin() (string, geometry.CropRegion, *errors.CaptureError) {
	o.mu.Lock()
	if o.state != Idle {
		active := o.runID
		o.mu.Unlock()
		return "", geometry.CropRegion{}, errors.NewBusyError(active)
	}
	runID := uuid.New().String()
	o.runID = runID
	o.state = Capturing
	region := o.region
	o.mu.Unlock()

	o.notify(runID, Idle, Capturing)
	return runID, region, nil
}

func (o *Orchestrator) finish(result *Result) {
	switch {
	case result.Cancelled():
		o.logger.Printf("[Run %s] Cancelled after %v", result.RunID, result.Duration)
	case result.Succeeded():
		o.transition(result.RunID, Completed)
		o.logger.Printf("[Run %s] Completed in %v (text=%d chars, artifact=%q)",
			result.RunID, result.Duration, len(result.RecognizedText), result.ArtifactRef)
	default:
		o.transition(result.RunID, Failed)
		o.logger.Error("Capture run failed",
			"run_id", result.RunID,
			"code", string(result.Err.Code),
			"error", result.Err,
			"duration", result.Duration.String())
	}

	o.mu.Lock()
	o.lastResult = result
	from := o.state
	o.state = Idle
	o.runID = ""
	o.mu.Unlock()

	o.notify(result.RunID, from, Idle)
}

func (o *Orchestrator) transition(runID string, to State) {
	o.mu.Lock()
	from := o.state
	o.state = to
	o.mu.Unlock()
	o.notify(runID, from, to)
}

func (o *Orchestrator) notify(runID string, from, to State) {
	if o.onTransition == nil || from == to {
		return
	}
	o.onTransition(Transition{RunID: runID, From: from, To: to, At: time.Now()})
}

// run holds the transient state of one capture.
type run struct {
	o         *Orchestrator
	id        string
	startTime time.Time

	mu             sync.Mutex
	firstFailure   *errors.CaptureError
	persistPending bool
}

func (r *run) fail(err *errors.CaptureError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.firstFailure == nil {
		r.firstFailure = err
	}
}

// execute runs the stages in order. A panic in any of them ends the run as
// CAPTURE_FAILED so the caller still returns the orchestrator to Idle.
func (r *run) execute(ctx context.Context, driver camera.Driver, region geometry.CropRegion) (result *Result) {
	o := r.o
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("Run panicked", "run_id", r.id, "panic", p)
			result = &Result{RunID: r.id, Region: region}
			result.Err = errors.NewCaptureFailedError(r.id, fmt.Errorf("panic: %v", p))
		}
	}()
	result = &Result{RunID: r.id, Region: region}

	// Step 1: frame
	o.logger.Printf("[Run %s] Step 1: Requesting frame", r.id)
	frame, err := driver.RequestFrame(ctx)
	if frame != nil {
		defer frame.Release()
	}
	if isCancelled(ctx) {
		result.Err = errors.NewCancelledError(r.id, Capturing.String())
		return result
	}
	if err != nil {
		result.Err = errors.NewCaptureFailedError(r.id, err)
		return result
	}
	if frame == nil {
		result.Err = errors.NewCaptureFailedError(r.id, fmt.Errorf("driver returned no frame"))
		return result
	}

	// Step 2: geometry + transform
	o.transition(r.id, Transforming)
	rect := geometry.Resolve(frame.Width, frame.Height, frame.RotationDegrees, region)
	result.Rect = rect
	o.logger.Printf("[Run %s] Step 2: Transforming %dx%d@%d° frame, crop %s",
		r.id, frame.Width, frame.Height, frame.RotationDegrees, rect)

	img, err := o.transformer.Transform(frame, frame.RotationDegrees, rect)
	frame.Release()
	if err != nil {
		if stderrors.Is(err, transform.ErrInvalidRegion) {
			result.Err = errors.NewInvalidRegionError(r.id, frame.Width, frame.Height, err)
		} else {
			result.Err = errors.NewCaptureFailedError(r.id, err)
		}
		return result
	}
	defer img.Release()

	if o.fingerprint {
		if fp, err := img.Fingerprint(); err == nil {
			result.Fingerprint = fp
		} else {
			o.logger.Warn("Fingerprint failed", "run_id", r.id, "error", err)
		}
	}

	// Step 3: persist ∥ recognize
	r.fanOut(ctx, img, result)

	if isCancelled(ctx) {
		if r.firstFailure != nil {
			o.logger.Warn("Failure during cancelled run", "run_id", r.id, "error", r.firstFailure)
		}
		result.Err = errors.NewCancelledError(r.id, Recognizing.String())
		return result
	}
	result.Err = r.firstFailure
	return result
}

// fanOut persists and recognizes img concurrently and waits for both. A
// failure on one path never cancels the other.
func (r *run) fanOut(ctx context.Context, img *transform.NormalizedImage, result *Result) {
	o := r.o
	var g errgroup.Group

	if o.store != nil {
		r.persistPending = true
		persistCtx := artifact.WithSourceID(context.WithoutCancel(ctx), r.id)
		g.Go(func() error {
			o.logger.Printf("[Run %s] Step 3a: Persisting image", r.id)
			ref, err := o.store.Persist(persistCtx, img)

			r.mu.Lock()
			r.persistPending = false
			r.mu.Unlock()

			if err != nil {
				r.fail(errors.NewIOFailureError(r.id, describeStore(o.store), err))
				return nil
			}
			result.ArtifactRef = ref
			return nil
		})
	}

	o.transition(r.id, Recognizing)
	g.Go(func() error {
		o.logger.Printf("[Run %s] Step 3b: Recognizing text (engine: %s)", r.id, o.recognizer.Name())
		recCtx := ctx
		if o.recognizeTimeout > 0 {
			var cancel context.CancelFunc
			recCtx, cancel = context.WithTimeout(ctx, o.recognizeTimeout)
			defer cancel()
		}

		text, err := o.recognizer.Recognize(recCtx, img)
		switch {
		case isCancelled(ctx):
		case err != nil:
			r.fail(errors.NewRecognitionFailedError(r.id, o.recognizer.Name(), err))
		default:
			result.RecognizedText = text
		}

		// Persistence still running: that is now the only outstanding stage.
		o.mu.Lock()
		r.mu.Lock()
		pending := r.persistPending
		r.mu.Unlock()
		from := o.state
		if pending {
			o.state = Persisting
		}
		o.mu.Unlock()
		if pending {
			o.notify(r.id, from, Persisting)
		}
		return nil
	})

	g.Wait()
}

// isCancelled distinguishes a caller abort from a deadline; deadlines count as
// stage failures.
func isCancelled(ctx context.Context) bool {
	return stderrors.Is(ctx.Err(), context.Canceled)
}

func describeStore(s artifact.Store) string {
	if d, ok := s.(fmt.Stringer); ok {
		return d.String()
	}
	return fmt.Sprintf("%T", s)
}
