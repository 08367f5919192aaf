/**
 * Text recognition adapters
 *
 * The capture pipeline only needs "image in, text out". Engines:
 * - Tesseract: local, offline, free (gosseract)
 * - Vision: remote vision model behind the MageAgent internal API
 * - Cascade: tries engines in order, escalating on error or empty text
 */

package recognizer

import (
	"context"
	"fmt"
	"strings"

	"github.com/adverant/nexus/capture-worker/internal/transform"
)

// Recognizer extracts text from a normalized image. Implementations must
// return promptly with ctx.Err() once ctx is done.
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, img *transform.NormalizedImage) (string, error)
}

// Func adapts a plain function to Recognizer.
type Func struct {
	Engine string
	Fn     func(ctx context.Context, img *transform.NormalizedImage) (string, error)
}

func (f Func) Name() string { return f.Engine }

func (f Func) Recognize(ctx context.Context, img *transform.NormalizedImage) (string, error) {
	return f.Fn(ctx, img)
}

// New builds a recognizer from an engine list such as "tesseract,vision".
// A single engine is returned as is; several become a Cascade.
func New(engines []string, tess *TesseractConfig, vision *VisionConfig) (Recognizer, error) {
	var tiers []Recognizer
	for _, name := range engines {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "tesseract":
			t, err := NewTesseract(tess)
			if err != nil {
				return nil, err
			}
			tiers = append(tiers, t)
		case "vision":
			v, err := NewVision(vision)
			if err != nil {
				return nil, err
			}
			tiers = append(tiers, v)
		case "":
		default:
			return nil, fmt.Errorf("unknown recognizer engine %q", name)
		}
	}

	switch len(tiers) {
	case 0:
		return nil, fmt.Errorf("at least one recognizer engine is required")
	case 1:
		return tiers[0], nil
	default:
		return NewCascade(tiers...), nil
	}
}
