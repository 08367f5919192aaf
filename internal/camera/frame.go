// Package camera defines the boundary to the external camera driver: the raw
// Frame it delivers and the Driver contract the orchestrator consumes.
package camera

import (
	"fmt"
	"strings"
	"sync"
)

// PixelFormat identifies how Frame.Data is laid out.
type PixelFormat int

const (
	FormatUnknown PixelFormat = iota
	// FormatEncoded is a compressed still (JPEG baseline, PNG, BMP, TIFF, WebP).
	FormatEncoded
	// FormatYUV420 is planar I420: full Y plane, then quarter-size U and V planes.
	FormatYUV420
	// FormatNV21 is a full Y plane followed by one interleaved VU plane.
	FormatNV21
	// FormatRGBA8888 is tightly packed 8-bit RGBA.
	FormatRGBA8888
)

func (f PixelFormat) String() string {
	switch f {
	case FormatEncoded:
		return "encoded"
	case FormatYUV420:
		return "yuv420"
	case FormatNV21:
		return "nv21"
	case FormatRGBA8888:
		return "rgba8888"
	default:
		return "unknown"
	}
}

// ParsePixelFormat accepts the names produced by String, plus "jpeg".
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "encoded", "jpeg", "jpg":
		return FormatEncoded, nil
	case "yuv420", "i420", "yuv_420_888":
		return FormatYUV420, nil
	case "nv21":
		return FormatNV21, nil
	case "rgba8888", "rgba":
		return FormatRGBA8888, nil
	default:
		return FormatUnknown, fmt.Errorf("unknown pixel format %q", s)
	}
}

// Frame is one raw image delivered by the driver. The orchestrator owns it
// for the duration of one capture and releases it exactly once.
type Frame struct {
	Width           int
	Height          int
	RotationDegrees int
	Data            []byte
	Format          PixelFormat

	releaseOnce sync.Once
	onRelease   func()
	released    bool
	mu          sync.Mutex
}

// NewFrame builds a frame. onRelease, if non-nil, runs on the first Release.
func NewFrame(width, height, rotationDegrees int, format PixelFormat, data []byte, onRelease func()) *Frame {
	return &Frame{
		Width:           width,
		Height:          height,
		RotationDegrees: rotationDegrees,
		Data:            data,
		Format:          format,
		onRelease:       onRelease,
	}
}

// Release returns the frame buffer to the driver. Only the first call has an
// effect.
func (f *Frame) Release() {
	f.releaseOnce.Do(func() {
		f.mu.Lock()
		f.released = true
		f.Data = nil
		f.mu.Unlock()
		if f.onRelease != nil {
			f.onRelease()
		}
	})
}

// Released reports whether Release has run.
func (f *Frame) Released() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

// MaxFrameDimension bounds frame width and height so that w*h*4 fits in a
// 32-bit int.
const MaxFrameDimension = 1 << 14

// ValidDimensions reports whether both sides are in 1..MaxFrameDimension.
func ValidDimensions(width, height int) bool {
	return width > 0 && height > 0 && width <= MaxFrameDimension && height <= MaxFrameDimension
}

// ValidRotation reports whether degrees is one of 0, 90, 180, 270.
func ValidRotation(degrees int) bool {
	switch degrees {
	case 0, 90, 180, 270:
		return true
	}
	return false
}
