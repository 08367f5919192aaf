// Package transform turns a raw camera frame into an upright, cropped bitmap.
package transform

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/adverant/nexus/capture-worker/internal/camera"
	"github.com/adverant/nexus/capture-worker/internal/geometry"
)

var (
	// ErrInvalidRegion means the crop rectangle is empty after clamping.
	ErrInvalidRegion = errors.New("invalid crop region")
	// ErrBadFrame means the frame buffer could not be decoded.
	ErrBadFrame = errors.New("unusable frame")
)

// Transformer produces a NormalizedImage from a frame.
type Transformer interface {
	Transform(frame *camera.Frame, rotationDegrees int, rect geometry.PixelRect) (*NormalizedImage, error)
}

// FrameTransformer is the default Transformer. It rotates the decoded frame
// to upright first and then crops, so rect must be in upright coordinates,
// which is what geometry.Resolve produces.
type FrameTransformer struct{}

// New returns the default transformer.
func New() *FrameTransformer {
	return &FrameTransformer{}
}

// Transform decodes, rotates clockwise by rotationDegrees and crops. The
// frame is only read.
func (t *FrameTransformer) Transform(frame *camera.Frame, rotationDegrees int, rect geometry.PixelRect) (*NormalizedImage, error) {
	if frame == nil {
		return nil, fmt.Errorf("%w: nil frame", ErrBadFrame)
	}

	decoded, err := Decode(frame)
	if err != nil {
		return nil, err
	}

	upright, err := rotateClockwise(decoded, rotationDegrees)
	if err != nil {
		return nil, err
	}

	bounds := upright.Bounds()
	crop := image.Rect(rect.Left, rect.Top, rect.Right, rect.Bottom).Intersect(bounds)
	if crop.Dx() <= 0 || crop.Dy() <= 0 {
		return nil, fmt.Errorf("%w: %s clamps to nothing in %dx%d image",
			ErrInvalidRegion, rect, bounds.Dx(), bounds.Dy())
	}

	return NewNormalizedImage(imaging.Crop(upright, crop)), nil
}

// rotateClockwise returns img itself for 0.
func rotateClockwise(img *image.NRGBA, degrees int) (*image.NRGBA, error) {
	switch ((degrees % 360) + 360) % 360 {
	case 0:
		return img, nil
	case 90:
		return imaging.Rotate270(img), nil
	case 180:
		return imaging.Rotate180(img), nil
	case 270:
		return imaging.Rotate90(img), nil
	default:
		return nil, fmt.Errorf("%w: unsupported rotation %d", ErrBadFrame, degrees)
	}
}

// Decode converts the frame's pixel data into a new NRGBA bitmap in native
// sensor orientation.
func Decode(frame *camera.Frame) (*image.NRGBA, error) {
	w, h := frame.Width, frame.Height
	if frame.Format != camera.FormatEncoded && !camera.ValidDimensions(w, h) {
		return nil, fmt.Errorf("%w: bad dimensions %dx%d", ErrBadFrame, w, h)
	}

	switch frame.Format {
	case camera.FormatEncoded:
		return decodeEncoded(frame.Data, w, h)

	case camera.FormatRGBA8888:
		need := w * h * 4
		if len(frame.Data) < need {
			return nil, fmt.Errorf("%w: rgba buffer has %d bytes, need %d", ErrBadFrame, len(frame.Data), need)
		}
		pix := make([]uint8, need)
		copy(pix, frame.Data[:need])
		return &image.NRGBA{Pix: pix, Stride: 4 * w, Rect: image.Rect(0, 0, w, h)}, nil

	case camera.FormatYUV420:
		ycc, err := planarYCbCr(frame.Data, w, h)
		if err != nil {
			return nil, err
		}
		return toNRGBA(ycc), nil

	case camera.FormatNV21:
		ycc, err := semiPlanarYCbCr(frame.Data, w, h)
		if err != nil {
			return nil, err
		}
		return toNRGBA(ycc), nil

	default:
		return nil, fmt.Errorf("%w: unsupported pixel format %s", ErrBadFrame, frame.Format)
	}
}

// decodeEncoded decodes a compressed still whose header must agree with the
// declared frame size, since crop rectangles are resolved against it.
func decodeEncoded(data []byte, w, h int) (*image.NRGBA, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if !camera.ValidDimensions(cfg.Width, cfg.Height) {
		return nil, fmt.Errorf("%w: bad dimensions %dx%d", ErrBadFrame, cfg.Width, cfg.Height)
	}
	if cfg.Width != w || cfg.Height != h {
		return nil, fmt.Errorf("%w: encoded image is %dx%d, frame declares %dx%d",
			ErrBadFrame, cfg.Width, cfg.Height, w, h)
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if b := src.Bounds(); b.Dx() != w || b.Dy() != h {
		return nil, fmt.Errorf("%w: encoded image is %dx%d, frame declares %dx%d",
			ErrBadFrame, b.Dx(), b.Dy(), w, h)
	}
	return toNRGBA(src), nil
}

func toNRGBA(src image.Image) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

func chromaSize(w, h int) (int, int) {
	return (w + 1) / 2, (h + 1) / 2
}

// planarYCbCr views an I420 buffer as image.YCbCr without copying.
func planarYCbCr(data []byte, w, h int) (*image.YCbCr, error) {
	cw, ch := chromaSize(w, h)
	ySize, cSize := w*h, cw*ch
	if len(data) < ySize+2*cSize {
		return nil, fmt.Errorf("%w: yuv420 buffer has %d bytes, need %d", ErrBadFrame, len(data), ySize+2*cSize)
	}
	return &image.YCbCr{
		Y:              data[:ySize],
		Cb:             data[ySize : ySize+cSize],
		Cr:             data[ySize+cSize : ySize+2*cSize],
		YStride:        w,
		CStride:        cw,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, w, h),
	}, nil
}

// semiPlanarYCbCr de-interleaves the VU plane of an NV21 buffer.
func semiPlanarYCbCr(data []byte, w, h int) (*image.YCbCr, error) {
	cw, ch := chromaSize(w, h)
	ySize, cSize := w*h, cw*ch
	if len(data) < ySize+2*cSize {
		return nil, fmt.Errorf("%w: nv21 buffer has %d bytes, need %d", ErrBadFrame, len(data), ySize+2*cSize)
	}
	cb := make([]byte, cSize)
	cr := make([]byte, cSize)
	vu := data[ySize : ySize+2*cSize]
	for i := 0; i < cSize; i++ {
		cr[i] = vu[2*i]
		cb[i] = vu[2*i+1]
	}
	return &image.YCbCr{
		Y:              data[:ySize],
		Cb:             cb,
		Cr:             cr,
		YStride:        w,
		CStride:        cw,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, w, h),
	}, nil
}
