// Package spatialmath defines the rigid body group used by the odometry backend: SE(3) poses with
// their exponential and logarithm maps, and 3x3 rotation matrices.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/dso/utils"
)

// Below this rotation angle the exponential and logarithm maps switch to their Taylor expansions.
const smallAngle = 1e-10

// Tangent is an element of the Lie algebra se(3): [0:3] translational part, [3:6] rotational part.
type Tangent [6]float64

// SE3 is a rigid body transform. It is immutable; every operation returns a new value, so an SE3
// can be copied freely between goroutines.
type SE3 struct {
	rotation    quat.Number
	translation r3.Vector
}

// NewZeroSE3 returns the identity transform.
func NewZeroSE3() SE3 {
	return SE3{rotation: quat.Number{Real: 1}}
}

// NewSE3 returns the transform that rotates by rotation and then translates by translation.
// The rotation is normalized.
func NewSE3(rotation quat.Number, translation r3.Vector) SE3 {
	return SE3{rotation: Normalize(rotation), translation: translation}
}

// Rotation returns the unit quaternion of the transform.
func (p SE3) Rotation() quat.Number {
	return p.rotation
}

// Translation returns the translation of the transform.
func (p SE3) Translation() r3.Vector {
	return p.translation
}

// RotationMatrix returns the rotation part as a matrix.
func (p SE3) RotationMatrix() *RotationMatrix {
	return QuatToRotationMatrix(p.rotation)
}

// WithTranslation returns a copy of p with its translation replaced.
func (p SE3) WithTranslation(translation r3.Vector) SE3 {
	return SE3{rotation: p.rotation, translation: translation}
}

// Rotate applies only the rotation part of p to v.
func (p SE3) Rotate(v r3.Vector) r3.Vector {
	rotated := quat.Mul(quat.Mul(p.rotation, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(p.rotation))
	return r3.Vector{X: rotated.Imag, Y: rotated.Jmag, Z: rotated.Kmag}
}

// Transform maps a point through p: R*pt + t.
func (p SE3) Transform(pt r3.Vector) r3.Vector {
	return p.Rotate(pt).Add(p.translation)
}

// Inverse returns the inverse transform.
func (p SE3) Inverse() SE3 {
	inv := SE3{rotation: quat.Conj(p.rotation)}
	inv.translation = inv.Rotate(p.translation).Mul(-1)
	return inv
}

// Compose returns a∘b, the transform that applies b first and then a.
func Compose(a, b SE3) SE3 {
	return SE3{
		rotation:    Normalize(quat.Mul(a.rotation, b.rotation)),
		translation: a.Rotate(b.translation).Add(a.translation),
	}
}

// ExpSO3 maps a rotation vector (axis scaled by angle) to a unit quaternion.
func ExpSO3(omega r3.Vector) quat.Number {
	theta2 := omega.Dot(omega)
	theta := math.Sqrt(theta2)

	if theta >= smallAngle {
		return R3ToR4(omega).ToQuat()
	}
	theta4 := theta2 * theta2
	re := 1 - theta2/8 + theta4/384
	imagFactor := 0.5 - theta2/48 + theta4/3840
	return quat.Number{Real: re, Imag: imagFactor * omega.X, Jmag: imagFactor * omega.Y, Kmag: imagFactor * omega.Z}
}

// LogSO3 maps a unit quaternion to its rotation vector.
func LogSO3(q quat.Number) r3.Vector {
	imag := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	squaredN := imag.Dot(imag)
	n := math.Sqrt(squaredN)
	w := q.Real

	var twoAtanNbyWbyN float64
	switch {
	case squaredN < smallAngle*smallAngle:
		twoAtanNbyWbyN = 2/w - 2*squaredN/(w*w*w)
	case math.Abs(w) < smallAngle:
		if w > 0 {
			twoAtanNbyWbyN = math.Pi / n
		} else {
			twoAtanNbyWbyN = -math.Pi / n
		}
	default:
		twoAtanNbyWbyN = 2 * math.Atan(n/w) / n
	}
	return imag.Mul(twoAtanNbyWbyN)
}

// ExpSE3 maps a tangent vector to a transform.
func ExpSE3(xi Tangent) SE3 {
	upsilon := r3.Vector{X: xi[0], Y: xi[1], Z: xi[2]}
	omega := r3.Vector{X: xi[3], Y: xi[4], Z: xi[5]}
	theta := omega.Norm()
	omegaHat := hat3(omega)
	omegaHat2 := mul3(omegaHat, omegaHat)

	v := identity3
	if theta < smallAngle {
		v = axpy3(v, 0.5, omegaHat)
		v = axpy3(v, 1./6, omegaHat2)
	} else {
		theta2 := theta * theta
		v = axpy3(v, (1-math.Cos(theta))/theta2, omegaHat)
		v = axpy3(v, (theta-math.Sin(theta))/(theta2*theta), omegaHat2)
	}
	return SE3{rotation: Normalize(ExpSO3(omega)), translation: mulVec3(v, upsilon)}
}

// Log maps the transform back to its tangent vector. It is the inverse of ExpSE3.
func (p SE3) Log() Tangent {
	omega := LogSO3(p.rotation)
	theta := omega.Norm()
	omegaHat := hat3(omega)
	omegaHat2 := mul3(omegaHat, omegaHat)

	vInv := axpy3(identity3, -0.5, omegaHat)
	if theta < smallAngle {
		vInv = axpy3(vInv, 1./12, omegaHat2)
	} else {
		half := 0.5 * theta
		vInv = axpy3(vInv, (1-0.5*theta*math.Cos(half)/math.Sin(half))/(theta*theta), omegaHat2)
	}
	upsilon := mulVec3(vInv, p.translation)
	return Tangent{upsilon.X, upsilon.Y, upsilon.Z, omega.X, omega.Y, omega.Z}
}

// SE3AlmostEqual reports whether two transforms are equal up to tol on every component.
// q and -q are the same rotation.
func SE3AlmostEqual(a, b SE3, tol float64) bool {
	if a.translation.Sub(b.translation).Norm() > tol {
		return false
	}
	d := quat.Mul(a.rotation, quat.Conj(b.rotation))
	return utils.Float64AlmostEqual(math.Abs(d.Real), 1, tol)
}
