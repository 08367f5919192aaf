package recognizer

import (
	"context"
	"fmt"
	"strings"

	"github.com/adverant/nexus/capture-worker/internal/logging"
	"github.com/adverant/nexus/capture-worker/internal/transform"
)

// Cascade tries each tier in order and returns the first non-empty text.
type Cascade struct {
	tiers  []Recognizer
	logger *logging.Logger
}

// NewCascade builds a cascade over tiers, cheapest first.
func NewCascade(tiers ...Recognizer) *Cascade {
	return &Cascade{tiers: tiers, logger: logging.NewLogger("Cascade")}
}

func (c *Cascade) Name() string {
	names := make([]string, len(c.tiers))
	for i, t := range c.tiers {
		names[i] = t.Name()
	}
	return strings.Join(names, ">")
}

// Recognize escalates on error or empty text. If no tier finds text, the last
// tier error is returned, or empty text when every tier ran cleanly.
// Cancellation stops the cascade immediately.
func (c *Cascade) Recognize(ctx context.Context, img *transform.NormalizedImage) (string, error) {
	var lastErr error
	for i, tier := range c.tiers {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		text, err := tier.Recognize(ctx, img)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if err != nil {
			c.logger.Warn("Recognizer tier failed, escalating",
				"tier", i+1, "engine", tier.Name(), "error", err)
			lastErr = fmt.Errorf("%s: %w", tier.Name(), err)
			continue
		}
		if text == "" {
			c.logger.Info("Recognizer tier returned no text, escalating",
				"tier", i+1, "engine", tier.Name())
			continue
		}
		return text, nil
	}

	return "", lastErr
}
