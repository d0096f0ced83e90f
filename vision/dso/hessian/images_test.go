package hessian

import (
	"testing"

	"go.viam.com/test"

	"go.viam.com/dso/vision/dso"
)

// rampLevel returns a w x h image whose intensity is 2*x + 3*y.
func rampLevel(w, h int) ImageLevel {
	pixels := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			pixels[x+y*w] = float32(2*x + 3*y)
		}
	}
	return ImageLevel{Width: w, Height: h, Pixels: pixels}
}

func frameWithLevels(t *testing.T, gamma bool, levels ...ImageLevel) (*Frame, error) {
	t.Helper()
	cfg := testFrameConfig(1)
	cfg.Settings.GammaWeightPixelSelect = gamma
	cfg.Levels = levels
	return NewFrame(cfg)
}

func TestMakeImagesGradients(t *testing.T) {
	f, err := frameWithLevels(t, false, rampLevel(8, 6))
	test.That(t, err, test.ShouldBeNil)

	d, err := f.Derivatives(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d, test.ShouldHaveLength, 48)

	inner := 3 + 2*8
	test.That(t, d[inner].I, test.ShouldEqual, float32(12))
	test.That(t, d[inner].Dx, test.ShouldEqual, float32(2))
	test.That(t, d[inner].Dy, test.ShouldEqual, float32(3))

	abs, err := f.AbsSquaredGrad(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, abs[inner], test.ShouldEqual, float32(13))
	// first row has no vertical neighbour above and stays zero
	test.That(t, abs[3], test.ShouldEqual, float32(0))
	test.That(t, d[3].Dx, test.ShouldEqual, float32(0))
}

func TestMakeImagesDownsamples(t *testing.T) {
	f, err := frameWithLevels(t, false, rampLevel(8, 6), ImageLevel{Width: 4, Height: 3})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.NumLevels(), test.ShouldEqual, 2)

	w, h, err := f.LevelSize(1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w, test.ShouldEqual, 4)
	test.That(t, h, test.ShouldEqual, 3)

	d, err := f.Derivatives(1)
	test.That(t, err, test.ShouldBeNil)
	// mean of the 2x2 block at (2,2): 2*2.5 + 3*2.5
	test.That(t, d[1+1*4].I, test.ShouldEqual, float32(12.5))
	test.That(t, d[1+1*4].Dx, test.ShouldEqual, float32(4))
	test.That(t, d[1+1*4].Dy, test.ShouldEqual, float32(6))

	_, err = f.Derivatives(2)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestMakeImagesGammaWeighting(t *testing.T) {
	// the identity response has unit gradient, so weighting changes nothing
	f, err := frameWithLevels(t, true, rampLevel(8, 6))
	test.That(t, err, test.ShouldBeNil)
	abs, err := f.AbsSquaredGrad(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, abs[3+2*8], test.ShouldAlmostEqual, 13, 1e-4)
}

func TestMakeImagesRejectsBadBuffers(t *testing.T) {
	_, err := frameWithLevels(t, false, ImageLevel{Width: 4, Height: 4, Pixels: make([]float32, 15)})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "15 elements but 16 were expected")

	_, err = frameWithLevels(t, false, ImageLevel{Width: 4, Height: 4})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = frameWithLevels(t, false, rampLevel(4, 4), ImageLevel{Width: 4, Height: 4})
	test.That(t, err, test.ShouldNotBeNil)

	levels := make([]ImageLevel, dso.MaxPyramidLevels+1)
	levels[0] = rampLevel(4, 4)
	_, err = frameWithLevels(t, false, levels...)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestMakeImagesHonorsPyramidLevels(t *testing.T) {
	cfg := testFrameConfig(1)
	cfg.Settings.PyramidLevels = 2
	cfg.Levels = []ImageLevel{rampLevel(16, 16), {Width: 8, Height: 8}, {Width: 4, Height: 4}}
	_, err := NewFrame(cfg)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "at most 2 configured")

	cfg.Levels = cfg.Levels[:2]
	f, err := NewFrame(cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.NumLevels(), test.ShouldEqual, 2)
}

func TestGradientStats(t *testing.T) {
	f, err := frameWithLevels(t, false, rampLevel(8, 6))
	test.That(t, err, test.ShouldBeNil)
	gs, err := f.GradientStats(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, gs.Max, test.ShouldBeGreaterThanOrEqualTo, gs.P90)
	test.That(t, gs.P90, test.ShouldBeGreaterThanOrEqualTo, gs.Median)
	test.That(t, gs.Median, test.ShouldEqual, 13.)
}
