package transform

import (
	"fmt"
	"image"
	"io"
	"sync"

	"github.com/disintegration/imaging"
)

// FingerprintSize is the length of the vector returned by Fingerprint.
const FingerprintSize = 64

// NormalizedImage is an upright, cropped bitmap. It is immutable once
// created; persistence and recognition read it concurrently.
type NormalizedImage struct {
	mu       sync.RWMutex
	img      *image.NRGBA
	released bool
}

// NewNormalizedImage takes ownership of img.
func NewNormalizedImage(img *image.NRGBA) *NormalizedImage {
	return &NormalizedImage{img: img}
}

// Image returns the underlying bitmap, or nil once released. Callers must not
// modify it.
func (n *NormalizedImage) Image() *image.NRGBA {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.img
}

// Width in pixels, 0 after release.
func (n *NormalizedImage) Width() int {
	if img := n.Image(); img != nil {
		return img.Bounds().Dx()
	}
	return 0
}

// Height in pixels, 0 after release.
func (n *NormalizedImage) Height() int {
	if img := n.Image(); img != nil {
		return img.Bounds().Dy()
	}
	return 0
}

// Release drops the pixel buffer. Safe to call more than once.
func (n *NormalizedImage) Release() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.img = nil
	n.released = true
}

// Released reports whether Release has been called.
func (n *NormalizedImage) Released() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.released
}

// EncodeJPEG writes the image as JPEG with the given quality (1-100).
func (n *NormalizedImage) EncodeJPEG(w io.Writer, quality int) error {
	img := n.Image()
	if img == nil {
		return fmt.Errorf("image already released")
	}
	return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
}

// EncodePNG writes the image as PNG.
func (n *NormalizedImage) EncodePNG(w io.Writer) error {
	img := n.Image()
	if img == nil {
		return fmt.Errorf("image already released")
	}
	return imaging.Encode(w, img, imaging.PNG)
}

// Fingerprint reduces the image to an 8x8 grayscale thumbnail, values in
// [0,1], row-major. Near-identical crops produce near-identical vectors.
func (n *NormalizedImage) Fingerprint() ([]float32, error) {
	img := n.Image()
	if img == nil {
		return nil, fmt.Errorf("image already released")
	}

	thumb := imaging.Resize(imaging.Grayscale(img), 8, 8, imaging.Box)
	vec := make([]float32, 0, FingerprintSize)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			vec = append(vec, float32(thumb.NRGBAAt(x, y).R)/255)
		}
	}
	return vec, nil
}
