package geometry

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePerRotation(t *testing.T) {
	region := CropRegion{
		TopLeftScale: Offset{X: 0.1, Y: 0.2},
		SizeScale:    Size{W: 0.5, H: 0.25},
	}

	testCases := []struct {
		name     string
		rotation int
		want     PixelRect
	}{
		// 400x800 native frame, axes unchanged
		{name: "rotation 0", rotation: 0, want: PixelRect{Left: 40, Top: 160, Right: 240, Bottom: 360}},
		{name: "rotation 180", rotation: 180, want: PixelRect{Left: 40, Top: 160, Right: 240, Bottom: 360}},
		// upright image is 800x400, scales swapped to (0.2,0.1) / (0.25,0.5)
		{name: "rotation 90", rotation: 90, want: PixelRect{Left: 160, Top: 40, Right: 360, Bottom: 240}},
		{name: "rotation 270", rotation: 270, want: PixelRect{Left: 160, Top: 40, Right: 360, Bottom: 240}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Resolve(400, 800, tc.rotation, region))
		})
	}
}

func TestResolvePortraitCaptureOracle(t *testing.T) {
	region := CropRegion{
		TopLeftScale: Offset{X: 0.025, Y: 0.3},
		SizeScale:    Size{W: 0.95, H: 0.1},
	}

	rect := Resolve(1080, 1920, 90, region)

	// left=1920*0.3, top=1080*0.025, width=1920*0.1, height=1080*0.95
	assert.Equal(t, PixelRect{Left: 576, Top: 27, Right: 768, Bottom: 1053}, rect)
	assert.Equal(t, 192, rect.Width())
	assert.Equal(t, 1026, rect.Height())
}

func TestResolveRotationSymmetry(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		w, h := 1+rng.Intn(4000), 1+rng.Intn(4000)
		region := randomRegion(rng)

		assert.Equal(t, Resolve(h, w, 0, region.Swap()), Resolve(w, h, 90, region),
			"w=%d h=%d region=%s", w, h, region)
		assert.Equal(t, Resolve(h, w, 180, region.Swap()), Resolve(w, h, 270, region),
			"w=%d h=%d region=%s", w, h, region)
	}
}

func TestResolveStaysInsideFrame(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	rotations := []int{0, 90, 180, 270}

	for i := 0; i < 2000; i++ {
		w, h := 1+rng.Intn(5000), 1+rng.Intn(5000)
		rotation := rotations[rng.Intn(len(rotations))]
		region := randomRegion(rng)
		require.NoError(t, region.Validate())

		boundW, boundH := w, h
		if IsQuarterTurn(rotation) {
			boundW, boundH = h, w
		}

		rect := Resolve(w, h, rotation, region)
		assert.GreaterOrEqual(t, rect.Left, 0)
		assert.GreaterOrEqual(t, rect.Top, 0)
		assert.LessOrEqual(t, rect.Right, boundW, "w=%d h=%d rot=%d region=%s", w, h, rotation, region)
		assert.LessOrEqual(t, rect.Bottom, boundH, "w=%d h=%d rot=%d region=%s", w, h, rotation, region)
		assert.LessOrEqual(t, rect.Left, rect.Right)
		assert.LessOrEqual(t, rect.Top, rect.Bottom)
	}
}

func TestResolveSquareSentinel(t *testing.T) {
	t.Run("height derived from width", func(t *testing.T) {
		rect := Resolve(200, 300, 0, CropRegion{SizeScale: Size{W: 0.5, H: 0}})
		assert.Equal(t, 100, rect.Width())
		assert.Equal(t, 100, rect.Height())
	})

	t.Run("width derived from height", func(t *testing.T) {
		rect := Resolve(200, 300, 0, CropRegion{SizeScale: Size{W: 0, H: 0.5}})
		assert.Equal(t, 150, rect.Width())
		assert.Equal(t, 150, rect.Height())
	})

	t.Run("sentinel applies after the quarter-turn swap", func(t *testing.T) {
		// effective size scale becomes (0, 0.5) against a 300x200 upright image
		rect := Resolve(200, 300, 90, CropRegion{SizeScale: Size{W: 0.5, H: 0}})
		assert.Equal(t, 100, rect.Width())
		assert.Equal(t, 100, rect.Height())
	})

	t.Run("both zero is degenerate but total", func(t *testing.T) {
		rect := Resolve(200, 300, 0, CropRegion{TopLeftScale: Offset{X: 0.5, Y: 0.5}})
		assert.Equal(t, PixelRect{Left: 100, Top: 150, Right: 100, Bottom: 150}, rect)
	})
}

func TestResolveRoundsHalfAwayFromZero(t *testing.T) {
	// 5 * 0.5 = 2.5 rounds up to 3
	rect := Resolve(5, 5, 0, CropRegion{TopLeftScale: Offset{X: 0.5, Y: 0.5}, SizeScale: Size{W: 0.5, H: 0.5}})
	assert.Equal(t, PixelRect{Left: 3, Top: 3, Right: 5, Bottom: 5}, rect)
}

func TestCropRegionValidate(t *testing.T) {
	testCases := []struct {
		name    string
		region  CropRegion
		wantErr bool
	}{
		{name: "default", region: DefaultRegion},
		{name: "full frame", region: CropRegion{SizeScale: Size{W: 1, H: 1}}},
		{name: "square sentinel", region: CropRegion{SizeScale: Size{W: 0.5}}},
		{name: "negative", region: CropRegion{TopLeftScale: Offset{X: -0.1}, SizeScale: Size{W: 0.5, H: 0.5}}, wantErr: true},
		{name: "above one", region: CropRegion{SizeScale: Size{W: 1.5, H: 0.5}}, wantErr: true},
		{name: "overflows width", region: CropRegion{TopLeftScale: Offset{X: 0.6}, SizeScale: Size{W: 0.5, H: 0.5}}, wantErr: true},
		{name: "overflows height", region: CropRegion{TopLeftScale: Offset{Y: 0.9}, SizeScale: Size{W: 0.5, H: 0.2}}, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.region.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIsQuarterTurn(t *testing.T) {
	assert.True(t, IsQuarterTurn(90))
	assert.True(t, IsQuarterTurn(270))
	assert.True(t, IsQuarterTurn(-90))
	assert.False(t, IsQuarterTurn(0))
	assert.False(t, IsQuarterTurn(180))
	assert.False(t, IsQuarterTurn(360))
}

// randomRegion returns a valid region with strictly positive sizes.
func randomRegion(rng *rand.Rand) CropRegion {
	x := rng.Float32() * 0.9
	y := rng.Float32() * 0.9
	w := (1 - x) * (0.05 + 0.9*rng.Float32())
	h := (1 - y) * (0.05 + 0.9*rng.Float32())
	return CropRegion{
		TopLeftScale: Offset{X: x, Y: y},
		SizeScale:    Size{W: w, H: h},
	}
}
