package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/capture-worker/internal/logging"
	"github.com/adverant/nexus/capture-worker/internal/transform"
)

type sourceIDKey struct{}

// WithSourceID tags uploads made with ctx, normally with the capture run ID.
func WithSourceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sourceIDKey{}, id)
}

func sourceIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(sourceIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// HTTPStore uploads images to the FileProcess artifact API
type HTTPStore struct {
	baseURL       string
	sourceService string
	quality       int
	ttlDays       int
	httpClient    *http.Client
	logger        *logging.Logger
}

// UploadResponse represents the response from uploading an artifact
type UploadResponse struct {
	Success  bool `json:"success"`
	Artifact struct {
		ID             string `json:"id"`
		Filename       string `json:"filename"`
		FileSize       int64  `json:"file_size"`
		MimeType       string `json:"mime_type"`
		StorageBackend string `json:"storage_backend"`
		DownloadURL    string `json:"download_url"`
		CreatedAt      string `json:"created_at"`
	} `json:"artifact,omitempty"`
	Error string `json:"error,omitempty"`
}

// NewHTTPStore creates a new artifact uploader
func NewHTTPStore(baseURL string, quality, ttlDays int) (*HTTPStore, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("artifact API URL is required")
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	if ttlDays <= 0 {
		ttlDays = 36500 // ~100 years for "permanent" storage
	}
	return &HTTPStore{
		baseURL:       baseURL,
		sourceService: "capture-worker",
		quality:       quality,
		ttlDays:       ttlDays,
		httpClient:    &http.Client{Timeout: 60 * time.Second},
		logger:        logging.NewLogger("HTTPStore"),
	}, nil
}

// HealthCheck verifies the artifact API is available
func (s *HTTPStore) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("artifact service health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("artifact service health check returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Persist uploads img as JPEG and returns the download URL.
func (s *HTTPStore) Persist(ctx context.Context, img *transform.NormalizedImage) (string, error) {
	if img == nil {
		return "", fmt.Errorf("image is required")
	}

	var jpg bytes.Buffer
	if err := img.EncodeJPEG(&jpg, s.quality); err != nil {
		return "", fmt.Errorf("failed to encode jpeg: %w", err)
	}

	sourceID := sourceIDFrom(ctx)
	filename := FileName(time.Now())

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to create form file part: %w", err)
	}
	if _, err := part.Write(jpg.Bytes()); err != nil {
		return "", fmt.Errorf("failed to write file data to form: %w", err)
	}

	fields := map[string]string{
		"source_service": s.sourceService,
		"source_id":      sourceID,
		"ttl_days":       fmt.Sprintf("%d", s.ttlDays),
	}
	metadata, err := json.Marshal(map[string]interface{}{
		"width":  img.Width(),
		"height": img.Height(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata to JSON: %w", err)
	}
	fields["metadata"] = string(metadata)
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return "", fmt.Errorf("failed to write %s field: %w", k, err)
		}
	}

	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/fileprocess/api/files/upload", &body)
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	startTime := time.Now()
	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("HTTP request to artifact storage failed after %v: %w", time.Since(startTime), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("artifact upload failed with HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var result UploadResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to parse artifact upload response: %w (raw response: %s)", err, string(respBody))
	}
	if !result.Success {
		return "", fmt.Errorf("artifact upload returned success=false: %s", result.Error)
	}
	if result.Artifact.DownloadURL == "" {
		return "", fmt.Errorf("artifact upload succeeded but returned empty download URL")
	}

	s.logger.Info("Artifact uploaded",
		"id", result.Artifact.ID,
		"storage", result.Artifact.StorageBackend,
		"source_id", sourceID,
		"bytes", jpg.Len(),
		"duration", time.Since(startTime).String())

	return result.Artifact.DownloadURL, nil
}
