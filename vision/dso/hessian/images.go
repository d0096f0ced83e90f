package hessian

import (
	"math"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"go.viam.com/dso/utils"
	"go.viam.com/dso/vision/dso"
	"go.viam.com/dso/vision/dso/calib"
)

// ImageLevel is one pyramid level of a photometrically corrected image, row-major. A level after the
// first may leave Pixels nil, in which case it is downsampled from the level before it.
type ImageLevel struct {
	Width  int
	Height int
	Pixels []float32
}

// Derivative is the intensity and its central-difference gradient at a pixel.
type Derivative struct {
	I  float32
	Dx float32
	Dy float32
}

type derivativeLevel struct {
	width, height  int
	dI             []Derivative
	absSquaredGrad []float32
}

// GradientStats summarizes the squared-gradient buffer of one level.
type GradientStats struct {
	Median float64
	P90    float64
	Max    float64
}

func (f *Frame) makeImages(levels []ImageLevel, c *calib.Calibration) error {
	maxLevels := f.settings.PyramidLevels
	if maxLevels <= 0 || maxLevels > dso.MaxPyramidLevels {
		maxLevels = dso.MaxPyramidLevels
	}
	if len(levels) > maxLevels {
		return errors.Errorf("%d pyramid levels given, at most %d configured", len(levels), maxLevels)
	}
	if levels[0].Pixels == nil {
		return errors.New("the finest pyramid level needs pixels")
	}
	built := make([]derivativeLevel, len(levels))
	for lvl, in := range levels {
		if in.Width <= 0 || in.Height <= 0 {
			return errors.Errorf("level %d has invalid size %dx%d", lvl, in.Width, in.Height)
		}
		wl, hl := in.Width, in.Height
		out := derivativeLevel{
			width:          wl,
			height:         hl,
			dI:             make([]Derivative, wl*hl),
			absSquaredGrad: make([]float32, wl*hl),
		}
		switch {
		case in.Pixels != nil:
			if len(in.Pixels) != wl*hl {
				return utils.NewBufferSizeError("pyramid level", wl*hl, len(in.Pixels))
			}
			for i, v := range in.Pixels {
				out.dI[i].I = v
			}
		case lvl > 0:
			prev := built[lvl-1]
			if prev.width < 2*wl || prev.height < 2*hl {
				return errors.Errorf("level %d (%dx%d) cannot be downsampled from %dx%d",
					lvl, wl, hl, prev.width, prev.height)
			}
			wlm1 := prev.width
			for y := 0; y < hl; y++ {
				for x := 0; x < wl; x++ {
					src := 2*x + 2*y*wlm1
					out.dI[x+y*wl].I = 0.25 * (prev.dI[src].I + prev.dI[src+1].I +
						prev.dI[src+wlm1].I + prev.dI[src+wlm1+1].I)
				}
			}
		}

		// the first and last rows are skipped; row ends wrap into the neighbouring row
		for idx := wl; idx < wl*(hl-1); idx++ {
			dx := 0.5 * (out.dI[idx+1].I - out.dI[idx-1].I)
			dy := 0.5 * (out.dI[idx+wl].I - out.dI[idx-wl].I)
			if !utils.IsFinite32(dx) {
				dx = 0
			}
			if !utils.IsFinite32(dy) {
				dy = 0
			}
			out.dI[idx].Dx = dx
			out.dI[idx].Dy = dy
			abs := dx*dx + dy*dy
			if f.settings.GammaWeightPixelSelect && c != nil {
				gw := c.GradOnly(out.dI[idx].I)
				abs *= gw * gw
			}
			out.absSquaredGrad[idx] = abs
		}
		built[lvl] = out
	}
	f.levels = built
	return nil
}

// NumLevels returns the number of pyramid levels the frame holds derivatives for.
func (f *Frame) NumLevels() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.levels)
}

// LevelSize returns the width and height of a pyramid level.
func (f *Frame) LevelSize(level int) (int, int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	l, err := f.levelLocked(level)
	if err != nil {
		return 0, 0, err
	}
	return l.width, l.height, nil
}

// Derivatives returns a copy of the intensity and gradient buffer of a level.
func (f *Frame) Derivatives(level int) ([]Derivative, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	l, err := f.levelLocked(level)
	if err != nil {
		return nil, err
	}
	return append([]Derivative(nil), l.dI...), nil
}

// AbsSquaredGrad returns a copy of the squared-gradient buffer of a level.
func (f *Frame) AbsSquaredGrad(level int) ([]float32, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	l, err := f.levelLocked(level)
	if err != nil {
		return nil, err
	}
	return append([]float32(nil), l.absSquaredGrad...), nil
}

// GradientStats computes the median, 90th percentile and maximum of a level's squared gradients.
func (f *Frame) GradientStats(level int) (GradientStats, error) {
	f.mu.RLock()
	l, err := f.levelLocked(level)
	if err != nil {
		f.mu.RUnlock()
		return GradientStats{}, err
	}
	data := make(stats.Float64Data, 0, len(l.absSquaredGrad))
	for _, v := range l.absSquaredGrad {
		if !math.IsNaN(float64(v)) {
			data = append(data, float64(v))
		}
	}
	f.mu.RUnlock()

	var gs GradientStats
	if gs.Median, err = data.Median(); err != nil {
		return GradientStats{}, errors.Wrapf(err, "level %d median", level)
	}
	if gs.P90, err = data.Percentile(90); err != nil {
		return GradientStats{}, errors.Wrapf(err, "level %d percentile", level)
	}
	if gs.Max, err = data.Max(); err != nil {
		return GradientStats{}, errors.Wrapf(err, "level %d max", level)
	}
	return gs, nil
}

func (f *Frame) levelLocked(level int) (*derivativeLevel, error) {
	if f.released {
		return nil, utils.NewPreconditionError("frame %d image buffers used after release", f.id)
	}
	if level < 0 || level >= len(f.levels) {
		return nil, errors.Errorf("frame %d has no pyramid level %d", f.id, level)
	}
	return &f.levels[level], nil
}
