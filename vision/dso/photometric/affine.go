// Package photometric models brightness: per-frame affine (gain, bias) transforms and the camera's
// nonlinear response curve.
package photometric

import (
	"math"
)

// AffLight is a frame's affine brightness relative to a common reference, I_frame = exp(A)*I + B
// in the exposure-aware form.
type AffLight struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// Vec returns the (a, b) pair.
func (l AffLight) Vec() [2]float64 {
	return [2]float64{l.A, l.B}
}

// AffFromTo composes two (gain, bias) pairs that are each given relative to a common reference into
// the transform that maps the from frame's brightness directly into the to frame's, without going
// through the reference: (g_a/g_b, (o_a-o_b)/g_b).
func AffFromTo(from, to [2]float64) [2]float64 {
	return [2]float64{from[0] / to[0], (from[1] - to[1]) / to[0]}
}

// FromToVecExposure returns the (a, b) pair mapping brightness in frame F to brightness in frame T
// given both exposure times and both frames' affine parameters. A zero exposure on either side means
// exposures are unknown, and both are taken as 1.
func FromToVecExposure(exposureF, exposureT float64, g2F, g2T AffLight) [2]float64 {
	if exposureF == 0 || exposureT == 0 {
		exposureF, exposureT = 1, 1
	}
	a := math.Exp(g2T.A-g2F.A) * exposureT / exposureF
	b := g2T.B - a*g2F.B
	return [2]float64{a, b}
}
