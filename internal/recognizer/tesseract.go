package recognizer

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/capture-worker/internal/logging"
	"github.com/adverant/nexus/capture-worker/internal/transform"
)

// ocrClient is the subset of *gosseract.Client used here.
type ocrClient interface {
	SetLanguage(langs ...string) error
	SetPageSegMode(mode gosseract.PageSegMode) error
	SetWhitelist(whitelist string) error
	SetImageFromBytes(data []byte) error
	Text() (string, error)
	Close() error
}

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	Languages []string
	// PageSegMode defaults to a single text line, which is what a thin crop
	// band usually holds.
	PageSegMode int
	Whitelist   string
}

// Tesseract recognizes text locally with gosseract
type Tesseract struct {
	cfg       TesseractConfig
	newClient func() ocrClient
	logger    *logging.Logger
}

// NewTesseract creates a new Tesseract recognizer
func NewTesseract(cfg *TesseractConfig) (*Tesseract, error) {
	c := TesseractConfig{}
	if cfg != nil {
		c = *cfg
	}
	if len(c.Languages) == 0 {
		c.Languages = []string{"eng"}
	}
	if c.PageSegMode == 0 {
		c.PageSegMode = int(gosseract.PSM_SINGLE_LINE)
	}
	if c.PageSegMode < int(gosseract.PSM_OSD_ONLY) || c.PageSegMode > int(gosseract.PSM_RAW_LINE) {
		return nil, fmt.Errorf("invalid page segmentation mode %d", c.PageSegMode)
	}

	return &Tesseract{
		cfg:       c,
		newClient: func() ocrClient { return gosseract.NewClient() },
		logger:    logging.NewLogger("Tesseract"),
	}, nil
}

func (t *Tesseract) Name() string { return "tesseract" }

// Recognize runs one OCR pass. The engine call itself cannot be interrupted,
// so on cancellation it is left to finish in the background and its result
// dropped.
func (t *Tesseract) Recognize(ctx context.Context, img *transform.NormalizedImage) (string, error) {
	var buf bytes.Buffer
	if err := img.EncodePNG(&buf); err != nil {
		return "", fmt.Errorf("failed to encode image for tesseract: %w", err)
	}
	data := buf.Bytes()

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	startTime := time.Now()

	go func() {
		text, err := t.run(data)
		done <- outcome{text, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case out := <-done:
		if out.err != nil {
			return "", out.err
		}
		t.logger.Debug("Tesseract pass complete",
			"chars", len(out.text),
			"duration", time.Since(startTime).String())
		return out.text, nil
	}
}

func (t *Tesseract) run(data []byte) (string, error) {
	client := t.newClient()
	defer client.Close()

	if err := client.SetLanguage(t.cfg.Languages...); err != nil {
		return "", fmt.Errorf("failed to set language: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PageSegMode(t.cfg.PageSegMode)); err != nil {
		return "", fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	if t.cfg.Whitelist != "" {
		if err := client.SetWhitelist(t.cfg.Whitelist); err != nil {
			return "", fmt.Errorf("failed to set whitelist: %w", err)
		}
	}
	if err := client.SetImageFromBytes(data); err != nil {
		return "", fmt.Errorf("failed to set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("tesseract OCR failed: %w", err)
	}
	return strings.TrimSpace(text), nil
}
