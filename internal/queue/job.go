package queue

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"time"

	"github.com/adverant/nexus/capture-worker/internal/camera"
)

// TaskTypeCaptureFrame is the asynq task type for capture jobs
const TaskTypeCaptureFrame = "capture-frame"

// RedisJobData represents a job from the Redis list queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    CaptureJob `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// CaptureJob is one frame submitted for capture
type CaptureJob struct {
	JobID    string                 `json:"jobId"`
	UserID   string                 `json:"userId,omitempty"`
	Frame    FramePayload           `json:"frame"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// FramePayload carries the raw frame. Data is set by UnmarshalJSON and
// marshalled back as base64.
type FramePayload struct {
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	RotationDegrees int    `json:"rotationDegrees"`
	Format          string `json:"format"`
	Data            []byte `json:"data"`
}

// UnmarshalJSON accepts data either as a base64 string or as a serialized
// Node.js Buffer object ({"type":"Buffer","data":[...]}).
func (p *FramePayload) UnmarshalJSON(data []byte) error {
	type Alias FramePayload
	aux := &struct {
		Data interface{} `json:"data,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal frame payload: %w", err)
	}

	decoded, err := decodeBuffer(aux.Data)
	if err != nil {
		return err
	}
	p.Data = decoded
	return nil
}

func decodeBuffer(raw interface{}) ([]byte, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil

	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 frame data: %w", err)
		}
		return decoded, nil

	case map[string]interface{}:
		if bufferType, ok := v["type"].(string); !ok || bufferType != "Buffer" {
			return nil, fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return nil, fmt.Errorf("Buffer object missing 'data' array")
		}
		out := make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return nil, fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			out[i] = byte(byteVal)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("frame data must be either base64 string or Buffer object, got %T", v)
	}
}

// Validate checks the job before any frame is built from it.
func (j *CaptureJob) Validate() error {
	if j.JobID == "" {
		return fmt.Errorf("jobId is required")
	}
	if len(j.Frame.Data) == 0 {
		return fmt.Errorf("frame data is required")
	}
	if !camera.ValidRotation(j.Frame.RotationDegrees) {
		return fmt.Errorf("rotationDegrees must be 0, 90, 180 or 270, got %d", j.Frame.RotationDegrees)
	}
	if _, err := camera.ParsePixelFormat(j.Frame.Format); err != nil {
		return err
	}
	if j.Frame.Width < 0 || j.Frame.Height < 0 ||
		j.Frame.Width > camera.MaxFrameDimension || j.Frame.Height > camera.MaxFrameDimension {
		return fmt.Errorf("frame dimensions %dx%d out of range (max %d)",
			j.Frame.Width, j.Frame.Height, camera.MaxFrameDimension)
	}
	return nil
}

// Driver wraps the job frame in a single-shot driver. Encoded frames always
// take their dimensions from the image header; declared ones are ignored.
func (j *CaptureJob) Driver() (*camera.StaticDriver, error) {
	if err := j.Validate(); err != nil {
		return nil, err
	}
	format, _ := camera.ParsePixelFormat(j.Frame.Format)

	width, height := j.Frame.Width, j.Frame.Height
	if format == camera.FormatEncoded {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(j.Frame.Data))
		if err != nil {
			return nil, fmt.Errorf("failed to read frame header: %w", err)
		}
		width, height = cfg.Width, cfg.Height
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("frame dimensions are required for %s frames", format)
	}
	if !camera.ValidDimensions(width, height) {
		return nil, fmt.Errorf("frame dimensions %dx%d out of range (max %d)", width, height, camera.MaxFrameDimension)
	}

	frame := camera.NewFrame(width, height, j.Frame.RotationDegrees, format, j.Frame.Data, nil)
	return camera.NewStaticDriver(frame), nil
}

// ParseCaptureJob decodes and validates a job payload
func ParseCaptureJob(payload []byte) (*CaptureJob, error) {
	var job CaptureJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal capture job: %w", err)
	}
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("invalid capture job: %w", err)
	}
	return &job, nil
}
