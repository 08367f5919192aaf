/**
 * Vision recognizer - remote OCR through MageAgent
 *
 * MageAgent picks the vision model; this client only ships the cropped image
 * (base64 PNG) to the internal, rate-limit exempt endpoint and reads back the
 * text. Used when Tesseract is unavailable or returns nothing.
 */

package recognizer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adverant/nexus/capture-worker/internal/logging"
	"github.com/adverant/nexus/capture-worker/internal/transform"
)

// VisionConfig holds MageAgent connection settings
type VisionConfig struct {
	BaseURL        string
	PreferAccuracy bool
	Language       string
	Timeout        time.Duration
}

// Vision recognizes text with a remote vision model
type Vision struct {
	cfg        VisionConfig
	httpClient *http.Client
	logger     *logging.Logger
}

// VisionOCRRequest represents a request to extract text from an image
type VisionOCRRequest struct {
	Image          string                 `json:"image"`  // Base64 encoded image
	Format         string                 `json:"format"` // "base64"
	PreferAccuracy bool                   `json:"preferAccuracy"`
	Language       string                 `json:"language"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// VisionOCRResponse represents a synchronous response from the vision endpoint
type VisionOCRResponse struct {
	Success bool          `json:"success"`
	Data    VisionOCRData `json:"data"`
	Message string        `json:"message"`
}

// VisionOCRData contains the extracted text and metadata
type VisionOCRData struct {
	Text           string  `json:"text"`
	Confidence     float64 `json:"confidence"`
	ModelUsed      string  `json:"modelUsed"`
	ProcessingTime int64   `json:"processingTime"` // milliseconds
}

// NewVision creates a new vision recognizer
func NewVision(cfg *VisionConfig) (*Vision, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("MageAgent URL is required for the vision recognizer")
	}
	c := *cfg
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Language == "" {
		c.Language = "en"
	}
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second // Vision tasks can take time
	}

	return &Vision{
		cfg:        c,
		httpClient: &http.Client{Timeout: c.Timeout},
		logger:     logging.NewLogger("Vision"),
	}, nil
}

func (v *Vision) Name() string { return "vision" }

// Recognize posts the image and returns the extracted text.
func (v *Vision) Recognize(ctx context.Context, img *transform.NormalizedImage) (string, error) {
	var buf bytes.Buffer
	if err := img.EncodePNG(&buf); err != nil {
		return "", fmt.Errorf("failed to encode image for vision: %w", err)
	}

	req := &VisionOCRRequest{
		Image:          base64.StdEncoding.EncodeToString(buf.Bytes()),
		Format:         "base64",
		PreferAccuracy: v.cfg.PreferAccuracy,
		Language:       v.cfg.Language,
		Metadata: map[string]interface{}{
			"source":    "capture-worker",
			"timestamp": time.Now().Unix(),
		},
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := v.cfg.BaseURL + "/api/internal/vision/extract-text"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "capture-worker")
	httpReq.Header.Set("X-Request-ID", fmt.Sprintf("ocr-%d", time.Now().UnixNano()))

	resp, err := v.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("request to MageAgent failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("MageAgent returned error status %d: %s", resp.StatusCode, string(body))
	}

	var ocrResp VisionOCRResponse
	if err := json.Unmarshal(body, &ocrResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if !ocrResp.Success {
		return "", fmt.Errorf("MageAgent operation failed: %s", ocrResp.Message)
	}

	v.logger.Info("Text extraction complete",
		"modelUsed", ocrResp.Data.ModelUsed,
		"confidence", ocrResp.Data.Confidence,
		"processingTime", ocrResp.Data.ProcessingTime,
		"textLength", len(ocrResp.Data.Text))

	return strings.TrimSpace(ocrResp.Data.Text), nil
}
