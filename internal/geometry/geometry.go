// Package geometry maps scale-relative crop regions onto pixel rectangles,
// taking the sensor rotation of the frame into account.
package geometry

import (
	"fmt"
	"math"
)

// Offset is a scale-relative point, each component a fraction of a frame axis.
type Offset struct {
	X float32 `yaml:"x" json:"x"`
	Y float32 `yaml:"y" json:"y"`
}

// Size is a scale-relative extent. A zero component means "same pixel length
// as the other axis" and produces a square.
type Size struct {
	W float32 `yaml:"w" json:"w"`
	H float32 `yaml:"h" json:"h"`
}

// CropRegion describes which fraction of a frame to extract, expressed in the
// upright display orientation.
type CropRegion struct {
	TopLeftScale Offset `yaml:"topLeftScale" json:"topLeftScale"`
	SizeScale    Size   `yaml:"sizeScale" json:"sizeScale"`
}

// DefaultRegion is a thin horizontal strip across the upper-middle of the view.
var DefaultRegion = CropRegion{
	TopLeftScale: Offset{X: 0.025, Y: 0.3},
	SizeScale:    Size{W: 0.95, H: 0.1},
}

// Swap exchanges the x/y of the top-left and the w/h of the size.
func (r CropRegion) Swap() CropRegion {
	return CropRegion{
		TopLeftScale: Offset{X: r.TopLeftScale.Y, Y: r.TopLeftScale.X},
		SizeScale:    Size{W: r.SizeScale.H, H: r.SizeScale.W},
	}
}

// Validate checks the caller contract: every component in [0,1] and the
// region fitting inside the frame. Square sentinels are accepted as given.
func (r CropRegion) Validate() error {
	components := []struct {
		name  string
		value float32
	}{
		{"topLeftScale.x", r.TopLeftScale.X},
		{"topLeftScale.y", r.TopLeftScale.Y},
		{"sizeScale.w", r.SizeScale.W},
		{"sizeScale.h", r.SizeScale.H},
	}
	for _, c := range components {
		if math.IsNaN(float64(c.value)) || c.value < 0 || c.value > 1 {
			return fmt.Errorf("%s must be in [0,1], got %v", c.name, c.value)
		}
	}
	if r.TopLeftScale.X+r.SizeScale.W > 1 {
		return fmt.Errorf("region exceeds frame width: x=%v + w=%v > 1", r.TopLeftScale.X, r.SizeScale.W)
	}
	if r.TopLeftScale.Y+r.SizeScale.H > 1 {
		return fmt.Errorf("region exceeds frame height: y=%v + h=%v > 1", r.TopLeftScale.Y, r.SizeScale.H)
	}
	return nil
}

func (r CropRegion) String() string {
	return fmt.Sprintf("topLeft=(%g,%g) size=(%g,%g)",
		r.TopLeftScale.X, r.TopLeftScale.Y, r.SizeScale.W, r.SizeScale.H)
}

// PixelRect is a rectangle in pixel coordinates. Right and Bottom are
// exclusive, as in image.Rectangle.
type PixelRect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Width returns Right-Left, which may be negative or zero for degenerate rects.
func (p PixelRect) Width() int { return p.Right - p.Left }

// Height returns Bottom-Top.
func (p PixelRect) Height() int { return p.Bottom - p.Top }

func (p PixelRect) String() string {
	return fmt.Sprintf("[%d,%d %dx%d]", p.Left, p.Top, p.Width(), p.Height())
}

// IsQuarterTurn reports whether the rotation swaps the frame axes.
func IsQuarterTurn(rotationDegrees int) bool {
	r := ((rotationDegrees % 360) + 360) % 360
	return r == 90 || r == 270
}

// Resolve maps region onto a pixel rectangle for a frame of the given native
// size and sensor rotation.
//
// For quarter turns the rectangle is expressed in the upright image, whose
// axes are the frame's swapped, and the region's scales are swapped with
// them: Resolve(w, h, 90, r) == Resolve(h, w, 0, r.Swap()).
//
// Resolve never clamps. Out-of-bounds or degenerate rectangles are left for
// the transformer to reject.
func Resolve(frameWidth, frameHeight, rotationDegrees int, region CropRegion) PixelRect {
	surfaceW, surfaceH := float64(frameWidth), float64(frameHeight)
	if IsQuarterTurn(rotationDegrees) {
		surfaceW, surfaceH = surfaceH, surfaceW
		region = region.Swap()
	}

	left := surfaceW * float64(region.TopLeftScale.X)
	top := surfaceH * float64(region.TopLeftScale.Y)
	width := surfaceW * float64(region.SizeScale.W)
	height := surfaceH * float64(region.SizeScale.H)

	switch {
	case region.SizeScale.H == 0:
		height = width
	case region.SizeScale.W == 0:
		width = height
	}

	return PixelRect{
		Left:   int(math.Round(left)),
		Top:    int(math.Round(top)),
		Right:  int(math.Round(left + width)),
		Bottom: int(math.Round(top + height)),
	}
}
