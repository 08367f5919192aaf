package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/adverant/nexus/capture-worker/internal/artifact"
	"github.com/adverant/nexus/capture-worker/internal/camera"
	"github.com/adverant/nexus/capture-worker/internal/capture"
	"github.com/adverant/nexus/capture-worker/internal/recognizer"
	"github.com/adverant/nexus/capture-worker/internal/storage"
	"github.com/adverant/nexus/capture-worker/internal/transform"
)

// newCaptureCmd creates the capture subcommand.
func newCaptureCmd() *cobra.Command {
	var (
		rotation      int
		outDir        string
		quality       int
		languages     []string
		engines       []string
		visionURL     string
		topLeft, size []float32
		timeout       time.Duration
		databaseURL   string
		qdrantURL     string
		similar       int
		noProgress    bool
	)

	cmd := &cobra.Command{
		Use:   "capture <image>",
		Short: "Run one capture on an image file",
		Long: `Capture treats the image as a camera frame taken at the given sensor
rotation, rotates it upright, crops the configured region, then saves the
crop as a JPEG and recognizes its text in parallel.

With --database-url the run is recorded; with --qdrant-url as well the
crop's fingerprint is indexed and earlier look-alike captures are listed.
Ctrl-C cancels the run.`,
		Example: `  cropctl capture label.jpg --rotation 90
  cropctl capture label.png --size 0.5,0 --lang eng,deu --out ./crops`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			region, err := regionFromFlags(topLeft, size)
			if err != nil {
				return err
			}

			driver, err := camera.NewFileDriver(args[0], rotation)
			if err != nil {
				return err
			}
			store, err := artifact.NewFileStore(outDir, quality)
			if err != nil {
				return err
			}
			rec, err := recognizer.New(engines,
				&recognizer.TesseractConfig{Languages: languages},
				&recognizer.VisionConfig{BaseURL: visionURL},
			)
			if err != nil {
				return err
			}

			progress := newProgress(cmd.ErrOrStderr(), !outputJSON && !noProgress)

			var manager *storage.Manager
			if databaseURL != "" {
				manager, err = storage.NewManager(databaseURL, qdrantURL, "capture_fingerprints", transform.FingerprintSize)
				if err != nil {
					return err
				}
				defer manager.Close()
			}

			orch, err := capture.NewOrchestrator(&capture.Config{
				Driver:       driver,
				Store:        store,
				Recognizer:   rec,
				Region:       &region,
				Fingerprint:  manager != nil,
				OnTransition: progress.update,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			progress.start()
			result := orch.Capture(ctx)
			progress.stop()

			var similarRuns []*storage.SimilarRun
			if manager != nil && !result.Busy() {
				recordCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := manager.RecordRun(recordCtx, storage.NewRunRecord("", result, map[string]interface{}{"source": args[0]})); err != nil {
					return fmt.Errorf("failed to record run: %w", err)
				}
				if qdrantURL != "" && len(result.Fingerprint) > 0 && similar > 0 {
					similarRuns, err = manager.FindSimilar(recordCtx, result.Fingerprint, similar+1)
					if err != nil {
						return fmt.Errorf("failed to search similar runs: %w", err)
					}
					similarRuns = excludeRun(similarRuns, result.RunID)
				}
			}

			if outputJSON {
				if err := printJSON(cmd.OutOrStdout(), captureOutput(result, similarRuns)); err != nil {
					return err
				}
			} else {
				printCaptureResult(cmd.OutOrStdout(), result, similarRuns)
			}

			if result.Err != nil {
				return result.Err
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&rotation, "rotation", 0, "clockwise rotation from the image to upright (0, 90, 180, 270)")
	cmd.Flags().StringVar(&outDir, "out", "/tmp/capture/image", "directory for saved crops")
	cmd.Flags().IntVar(&quality, "quality", 100, "JPEG quality (1-100)")
	cmd.Flags().StringSliceVar(&languages, "lang", []string{"eng"}, "Tesseract languages")
	cmd.Flags().StringSliceVar(&engines, "engine", []string{"tesseract"}, "recognizers in cascade order (tesseract, vision)")
	cmd.Flags().StringVar(&visionURL, "vision-url", "http://localhost:8080", "MageAgent base URL for the vision engine")
	cmd.Flags().Float32SliceVar(&topLeft, "top-left", nil, "region top-left as x,y fractions")
	cmd.Flags().Float32SliceVar(&size, "size", nil, "region size as w,h fractions")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall capture deadline (0 for none)")
	cmd.Flags().StringVar(&databaseURL, "database-url", envOr("DATABASE_URL", ""), "run store URL (PostgreSQL or sqlite://<path>)")
	cmd.Flags().StringVar(&qdrantURL, "qdrant-url", envOr("QDRANT_URL", ""), "Qdrant gRPC address for fingerprints")
	cmd.Flags().IntVar(&similar, "similar", 5, "number of look-alike runs to list")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "do not show the stage spinner")

	return cmd
}

func excludeRun(runs []*storage.SimilarRun, runID string) []*storage.SimilarRun {
	out := runs[:0]
	for _, r := range runs {
		if r.Run.ID != runID {
			out = append(out, r)
		}
	}
	return out
}

func captureOutput(result *capture.Result, similarRuns []*storage.SimilarRun) map[string]interface{} {
	out := map[string]interface{}{
		"runId":          result.RunID,
		"status":         result.Status(),
		"artifactRef":    result.ArtifactRef,
		"recognizedText": result.RecognizedText,
		"durationMs":     result.Duration.Milliseconds(),
		"rect": map[string]int{
			"left": result.Rect.Left, "top": result.Rect.Top,
			"right": result.Rect.Right, "bottom": result.Rect.Bottom,
		},
	}
	if result.Err != nil {
		out["error"] = result.Err.ToMap()
	}
	if len(similarRuns) > 0 {
		var list []map[string]interface{}
		for _, s := range similarRuns {
			list = append(list, map[string]interface{}{
				"runId":          s.Run.ID,
				"score":          s.SimilarityScore,
				"recognizedText": s.Run.RecognizedText,
				"artifactRef":    s.Run.ArtifactRef,
			})
		}
		out["similar"] = list
	}
	return out
}

func printCaptureResult(w io.Writer, result *capture.Result, similarRuns []*storage.SimilarRun) {
	fmt.Fprintf(w, "Run:      %s\n", result.RunID)
	fmt.Fprintf(w, "Status:   %s (%v)\n", statusColor(result).Sprint(result.Status()), result.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Crop:     %s\n", result.Rect)
	if result.HasArtifact() {
		fmt.Fprintf(w, "Artifact: %s\n", result.ArtifactRef)
	}
	if result.HasText() {
		fmt.Fprintf(w, "Text:     %q\n", result.RecognizedText)
	}
	if result.Err != nil {
		fmt.Fprintf(w, "Error:    %s\n", result.Err.Message)
	}
	if len(similarRuns) > 0 {
		fmt.Fprintln(w, "\nSimilar captures:")
		for _, s := range similarRuns {
			fmt.Fprintf(w, "  %.3f  %s  %q\n", s.SimilarityScore, s.Run.ID, s.Run.RecognizedText)
		}
	}
}

func statusColor(result *capture.Result) *color.Color {
	switch {
	case result.Succeeded():
		return color.New(color.FgGreen, color.Bold)
	case result.Cancelled(), result.Busy():
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}

// progress shows the current pipeline stage on a spinner.
type progress struct {
	s *spinner.Spinner
}

func newProgress(w io.Writer, enabled bool) *progress {
	if !enabled {
		return &progress{}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(w))
	s.Suffix = " starting"
	return &progress{s: s}
}

func (p *progress) start() {
	if p.s != nil {
		p.s.Start()
	}
}

func (p *progress) stop() {
	if p.s != nil {
		p.s.Stop()
	}
}

func (p *progress) update(t capture.Transition) {
	if p.s == nil {
		return
	}
	p.s.Lock()
	p.s.Suffix = " " + strings.ToLower(t.To.String())
	p.s.Unlock()
}
