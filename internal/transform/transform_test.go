package transform

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/capture-worker/internal/camera"
	"github.com/adverant/nexus/capture-worker/internal/geometry"
)

var (
	red  = color.NRGBA{R: 255, A: 255}
	blue = color.NRGBA{B: 255, A: 255}
)

func rgbaFrame(w, h, rot int, px ...color.NRGBA) *camera.Frame {
	data := make([]byte, 0, w*h*4)
	for _, c := range px {
		data = append(data, c.R, c.G, c.B, c.A)
	}
	return camera.NewFrame(w, h, rot, camera.FormatRGBA8888, data, nil)
}

func full(w, h int) geometry.PixelRect {
	return geometry.PixelRect{Right: w, Bottom: h}
}

func TestFullFrameAtZeroRotationIsByteIdentical(t *testing.T) {
	data := make([]byte, 3*2*4)
	for i := range data {
		data[i] = byte(i * 7)
	}
	orig := append([]byte(nil), data...)
	frame := camera.NewFrame(3, 2, 0, camera.FormatRGBA8888, data, nil)

	out, err := New().Transform(frame, 0, full(3, 2))
	require.NoError(t, err)

	assert.Equal(t, orig, out.Image().Pix)
	assert.Equal(t, orig, frame.Data, "frame must not be mutated")
}

func TestRotationDirection(t *testing.T) {
	tests := []struct {
		rotation    int
		rect        geometry.PixelRect
		first, last color.NRGBA
		w, h        int
	}{
		{0, full(2, 1), red, blue, 2, 1},
		{90, full(1, 2), red, blue, 1, 2},
		{180, full(2, 1), blue, red, 2, 1},
		{270, full(1, 2), blue, red, 1, 2},
	}

	for _, tt := range tests {
		frame := rgbaFrame(2, 1, tt.rotation, red, blue)
		out, err := New().Transform(frame, tt.rotation, tt.rect)
		require.NoError(t, err, "rotation %d", tt.rotation)

		img := out.Image()
		assert.Equal(t, tt.w, out.Width(), "rotation %d", tt.rotation)
		assert.Equal(t, tt.h, out.Height(), "rotation %d", tt.rotation)
		assert.Equal(t, tt.first, img.NRGBAAt(0, 0), "rotation %d", tt.rotation)
		assert.Equal(t, tt.last, img.NRGBAAt(tt.w-1, tt.h-1), "rotation %d", tt.rotation)
	}
}

func TestCropIsInUprightCoordinates(t *testing.T) {
	// 4 wide, 2 tall; rotated 90 the upright image is 2 wide, 4 tall.
	px := []color.NRGBA{red, red, red, red, blue, blue, blue, blue}
	frame := rgbaFrame(4, 2, 90, px...)

	rect := geometry.Resolve(4, 2, 90, geometry.CropRegion{
		TopLeftScale: geometry.Offset{X: 0, Y: 0.5},
		SizeScale:    geometry.Size{W: 0.5, H: 0.5},
	})
	require.Equal(t, geometry.PixelRect{Left: 1, Top: 0, Right: 2, Bottom: 2}, rect)

	out, err := New().Transform(frame, 90, rect)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Width())
	assert.Equal(t, 2, out.Height())
	// Clockwise: the top sensor row becomes the right upright column.
	assert.Equal(t, red, out.Image().NRGBAAt(0, 0))
	assert.Equal(t, red, out.Image().NRGBAAt(0, 1))
}

func TestRectIsClamped(t *testing.T) {
	frame := rgbaFrame(2, 1, 0, red, blue)
	out, err := New().Transform(frame, 0, geometry.PixelRect{Left: -5, Top: -5, Right: 100, Bottom: 100})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Width())
	assert.Equal(t, 1, out.Height())
}

func TestEmptyRectIsInvalidRegion(t *testing.T) {
	for _, rect := range []geometry.PixelRect{
		{Left: 5, Top: 5, Right: 10, Bottom: 10},
		{Left: 1, Top: 0, Right: 1, Bottom: 1},
		{Left: 1, Top: 1, Right: 0, Bottom: 0},
	} {
		_, err := New().Transform(rgbaFrame(2, 1, 0, red, blue), 0, rect)
		assert.ErrorIs(t, err, ErrInvalidRegion, "rect %s", rect)
	}
}

func TestMalformedFramesAreRejected(t *testing.T) {
	side := int(math.Sqrt(math.MaxInt)) + 1 // side*side*4 wraps int
	over := camera.MaxFrameDimension + 1
	tests := map[string]*camera.Frame{
		"short rgba":    camera.NewFrame(4, 4, 0, camera.FormatRGBA8888, make([]byte, 10), nil),
		"short yuv":     camera.NewFrame(4, 4, 0, camera.FormatYUV420, make([]byte, 16), nil),
		"short nv21":    camera.NewFrame(4, 4, 0, camera.FormatNV21, make([]byte, 20), nil),
		"garbage jpeg":  camera.NewFrame(0, 0, 0, camera.FormatEncoded, []byte("not an image"), nil),
		"zero size":     camera.NewFrame(0, 4, 0, camera.FormatRGBA8888, nil, nil),
		"unknown":       camera.NewFrame(1, 1, 0, camera.FormatUnknown, make([]byte, 4), nil),
		"huge rgba":     camera.NewFrame(math.MaxInt, math.MaxInt, 0, camera.FormatRGBA8888, make([]byte, 16), nil),
		"wide rgba":     camera.NewFrame(math.MaxInt/2, math.MaxInt/8, 0, camera.FormatRGBA8888, make([]byte, 16), nil),
		"wrapping rgba": camera.NewFrame(side, side, 0, camera.FormatRGBA8888, make([]byte, 16), nil),
		"huge yuv":      camera.NewFrame(math.MaxInt, math.MaxInt, 0, camera.FormatYUV420, make([]byte, 16), nil),
		"huge nv21":     camera.NewFrame(math.MaxInt, math.MaxInt, 0, camera.FormatNV21, make([]byte, 16), nil),
		"over limit":    camera.NewFrame(over, 1, 0, camera.FormatRGBA8888, make([]byte, over*4), nil),
	}

	for name, frame := range tests {
		assert.NotPanics(t, func() {
			_, err := New().Transform(frame, 0, full(4, 4))
			assert.ErrorIs(t, err, ErrBadFrame, name)
		}, name)
	}

	_, err := New().Transform(rgbaFrame(2, 1, 0, red, blue), 45, full(2, 1))
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestDecodeYUV420(t *testing.T) {
	w, h := 4, 2
	data := bytes.Repeat([]byte{128}, w*h+2*(2*1))
	img, err := Decode(camera.NewFrame(w, h, 0, camera.FormatYUV420, data, nil))
	require.NoError(t, err)

	c := img.NRGBAAt(3, 1)
	assert.InDelta(t, 128, int(c.R), 1)
	assert.InDelta(t, 128, int(c.G), 1)
	assert.InDelta(t, 128, int(c.B), 1)
	assert.Equal(t, uint8(255), c.A)
}

func TestDecodeNV21UsesVUOrder(t *testing.T) {
	w, h := 2, 2
	data := []byte{128, 128, 128, 128, 255, 128} // Y plane, then V=255, U=128
	img, err := Decode(camera.NewFrame(w, h, 0, camera.FormatNV21, data, nil))
	require.NoError(t, err)

	c := img.NRGBAAt(0, 0)
	assert.Greater(t, int(c.R), 200)
	assert.Less(t, int(c.G), 80)
	assert.Less(t, int(c.B), 160)
}

func TestEncodedFrame(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.SetNRGBA(0, 0, red)
	src.SetNRGBA(1, 0, blue)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))

	frame := camera.NewFrame(2, 1, 180, camera.FormatEncoded, buf.Bytes(), nil)
	out, err := New().Transform(frame, 180, full(2, 1))
	require.NoError(t, err)
	assert.Equal(t, blue, out.Image().NRGBAAt(0, 0))
}

func TestEncodedFrameSizeMustMatchHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 400, 400))))

	frame := camera.NewFrame(100, 100, 0, camera.FormatEncoded, buf.Bytes(), nil)
	out, err := New().Transform(frame, 0, full(100, 100))
	assert.ErrorIs(t, err, ErrBadFrame)
	assert.Nil(t, out)
}

func TestNormalizedImageRelease(t *testing.T) {
	out, err := New().Transform(rgbaFrame(2, 1, 0, red, blue), 0, full(2, 1))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, out.EncodeJPEG(&buf, 90))
	assert.NotZero(t, buf.Len())

	out.Release()
	out.Release()
	assert.True(t, out.Released())
	assert.Nil(t, out.Image())
	assert.Zero(t, out.Width())
	assert.Error(t, out.EncodeJPEG(&buf, 90))
	assert.Error(t, out.EncodePNG(&buf))
	_, err = out.Fingerprint()
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 32, 16))
	for i := 0; i < len(img.Pix); i++ {
		img.Pix[i] = 255
	}

	vec, err := NewNormalizedImage(img).Fingerprint()
	require.NoError(t, err)
	require.Len(t, vec, FingerprintSize)
	for _, v := range vec {
		assert.InDelta(t, 1.0, v, 0.01)
	}
}
