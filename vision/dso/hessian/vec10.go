package hessian

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/dso/spatialmath"
	"go.viam.com/dso/vision/dso"
)

// Vec10 is a frame's state vector: [0:3] translation and [3:6] rotation of the left-multiplied pose
// increment, [6] affine a, [7] affine b, [8:10] unused slack.
type Vec10 [10]float64

// vec10Scale maps raw components to physical ones.
var vec10Scale = Vec10{
	dso.ScaleXiTrans, dso.ScaleXiTrans, dso.ScaleXiTrans,
	dso.ScaleXiRot, dso.ScaleXiRot, dso.ScaleXiRot,
	dso.ScaleA, dso.ScaleB, dso.ScaleA, dso.ScaleB,
}

// Add returns v + o.
func (v Vec10) Add(o Vec10) Vec10 {
	floats.Add(v[:], o[:])
	return v
}

// Sub returns v - o.
func (v Vec10) Sub(o Vec10) Vec10 {
	floats.Sub(v[:], o[:])
	return v
}

// Scale returns s*v.
func (v Vec10) Scale(s float64) Vec10 {
	floats.Scale(s, v[:])
	return v
}

// MulElem returns the element-wise product of v and o.
func (v Vec10) MulElem(o Vec10) Vec10 {
	floats.Mul(v[:], o[:])
	return v
}

// Norm returns the euclidean norm of v.
func (v Vec10) Norm() float64 {
	return floats.Norm(v[:], 2)
}

// Pose returns the pose increment part.
func (v Vec10) Pose() spatialmath.Tangent {
	var xi spatialmath.Tangent
	copy(xi[:], v[:6])
	return xi
}

// VecDense returns a copy of v as a gonum vector, the form the solver consumes.
func (v Vec10) VecDense() *mat.VecDense {
	data := make([]float64, len(v))
	copy(data, v[:])
	return mat.NewVecDense(len(v), data)
}

// ToScaled converts a raw state to physical units.
func (v Vec10) ToScaled() Vec10 {
	return v.MulElem(vec10Scale)
}

// ToRaw converts a physical state to raw solver units.
func (v Vec10) ToRaw() Vec10 {
	floats.Div(v[:], vec10Scale[:])
	return v
}
