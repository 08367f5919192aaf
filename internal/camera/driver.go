package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Driver is the external camera boundary.
type Driver interface {
	// RequestFrame blocks until the driver delivers one frame or ctx ends.
	// A returned error is a hardware/IO failure reported by the driver.
	RequestFrame(ctx context.Context) (*Frame, error)
	// SetTorch switches the flash/torch. Pass-through only.
	SetTorch(on bool) error
}

// StaticDriver hands out a single pre-acquired frame, used when a frame
// arrives inside a queue job rather than from a live device.
type StaticDriver struct {
	mu    sync.Mutex
	frame *Frame
}

// NewStaticDriver wraps frame.
func NewStaticDriver(frame *Frame) *StaticDriver {
	return &StaticDriver{frame: frame}
}

func (d *StaticDriver) RequestFrame(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frame == nil {
		return nil, fmt.Errorf("frame already consumed")
	}
	f := d.frame
	d.frame = nil
	return f, nil
}

func (d *StaticDriver) SetTorch(bool) error {
	return fmt.Errorf("torch not available for static frames")
}

// FileDriver reads an encoded still from disk on every request.
type FileDriver struct {
	Path            string
	RotationDegrees int

	mu    sync.Mutex
	torch bool
}

// NewFileDriver creates a driver serving path with the given sensor rotation.
func NewFileDriver(path string, rotationDegrees int) (*FileDriver, error) {
	if !ValidRotation(rotationDegrees) {
		return nil, fmt.Errorf("rotation must be 0, 90, 180 or 270, got %d", rotationDegrees)
	}
	return &FileDriver{Path: path, RotationDegrees: rotationDegrees}, nil
}

func (d *FileDriver) RequestFrame(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(d.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame file: %w", err)
	}

	// Only the header is needed for the frame dimensions.
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	return NewFrame(cfg.Width, cfg.Height, d.RotationDegrees, FormatEncoded, data, nil), nil
}

func (d *FileDriver) SetTorch(on bool) error {
	d.mu.Lock()
	d.torch = on
	d.mu.Unlock()
	return nil
}

// Torch reports the last torch state set.
func (d *FileDriver) Torch() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.torch
}
