// Package dso holds what every part of the direct sparse odometry backend agrees on: the fixed
// per-component scale factors that map solver units to physical units, the size of the residual
// pattern, and the injected Settings.
package dso

// The solver works on "raw" unknowns whose magnitudes are roughly unit scale. Geometry and photometry
// consume the "scaled" form, which is the raw value multiplied by one of these factors.
const (
	ScaleIdepth  = 1.0
	ScaleXiRot   = 1.0
	ScaleXiTrans = 0.5
	ScaleF       = 50.0
	ScaleC       = 50.0
	ScaleA       = 10.0
	ScaleB       = 1000.0

	ScaleIdepthInverse  = 1 / ScaleIdepth
	ScaleXiRotInverse   = 1 / ScaleXiRot
	ScaleXiTransInverse = 1 / ScaleXiTrans
	ScaleFInverse       = 1 / ScaleF
	ScaleCInverse       = 1 / ScaleC
	ScaleAInverse       = 1 / ScaleA
	ScaleBInverse       = 1 / ScaleB
)

const (
	// PatternNum is the number of pixels sampled around each point for its photometric residual.
	PatternNum = 8
	// MaxPyramidLevels bounds the number of image pyramid levels a frame keeps derivatives for.
	MaxPyramidLevels = 6
	// MaxActiveFrames bounds the size of the sliding window.
	MaxActiveFrames = 100
)
