package hessian

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/dso/spatialmath"
	"go.viam.com/dso/vision/dso"
	"go.viam.com/dso/vision/dso/calib"
	"go.viam.com/dso/vision/dso/photometric"
)

// Mat33f is a row-major single precision 3x3 matrix.
type Mat33f [9]float32

// At returns the element at row, col.
func (m Mat33f) At(row, col int) float32 {
	return m[3*row+col]
}

// MulVec returns m*v.
func (m Mat33f) MulVec(v Vec3f) Vec3f {
	return Vec3f{
		m[0]*v[0] + m[1]*v[1] + m[2]*v[2],
		m[3]*v[0] + m[4]*v[1] + m[5]*v[2],
		m[6]*v[0] + m[7]*v[1] + m[8]*v[2],
	}
}

// Vec3f is a single precision 3-vector.
type Vec3f [3]float32

// FramePairPrecalc is the geometry and photometry relating a host frame to a target frame, cached so
// a residual can project a host pixel with inverse depth into the target with one matrix-vector
// product.
type FramePairPrecalc struct {
	HostID   int
	TargetID int

	// RTll and TTll are the rotation and translation from host camera to target camera at the
	// current state; the 0 variants are at the linearization points.
	RTll  Mat33f
	TTll  Vec3f
	RTll0 Mat33f
	TTll0 Vec3f

	// KRKiTll is K*RTll*K^-1, RKiTll is RTll*K^-1 and KtTll is K*TTll.
	KRKiTll Mat33f
	RKiTll  Mat33f
	KtTll   Vec3f

	// AffMode maps host brightness to target brightness.
	AffMode [2]float32
	// B0Mode is the host's brightness bias at its linearization point.
	B0Mode float32
	// DistanceLL is the distance between the two camera centers.
	DistanceLL float32

	hostVersion   uint64
	targetVersion uint64
	calibVersion  uint64
	valid         bool
}

// Set refreshes the entry from the current state of both frames and the calibration.
func (p *FramePairPrecalc) Set(host, target *Frame, c *calib.Calibration) error {
	if host == nil || target == nil || c == nil {
		return errors.New("precalc needs a host, a target and a calibration")
	}
	hs := host.Snapshot()
	ts := target.Snapshot()
	cs := c.Snapshot()

	leftToLeft0 := spatialmath.Compose(ts.WorldToCamEvalPT, hs.WorldToCamEvalPT.Inverse())
	leftToLeft := spatialmath.Compose(ts.WorldToCam, hs.CamToWorld)

	rot0 := leftToLeft0.RotationMatrix().Dense()
	rot := leftToLeft.RotationMatrix().Dense()
	t := leftToLeft.Translation()

	k := mat.NewDense(3, 3, []float64{
		float64(cs.ValueScaledF[0]), 0, float64(cs.ValueScaledF[2]),
		0, float64(cs.ValueScaledF[1]), float64(cs.ValueScaledF[3]),
		0, 0, 1,
	})
	var kInv mat.Dense
	if err := kInv.Inverse(k); err != nil {
		return errors.Wrap(err, "intrinsics are singular")
	}

	var rKi, kRKi mat.Dense
	rKi.Mul(rot, &kInv)
	kRKi.Mul(k, &rKi)
	var kt mat.VecDense
	kt.MulVec(k, mat.NewVecDense(3, []float64{t.X, t.Y, t.Z}))

	hostAff := photometric.AffLight{A: hs.StateScaled[6], B: hs.StateScaled[7]}
	targetAff := photometric.AffLight{A: ts.StateScaled[6], B: ts.StateScaled[7]}
	affMode := photometric.FromToVecExposure(host.ExposureTime(), target.ExposureTime(), hostAff, targetAff)

	t0 := leftToLeft0.Translation()
	*p = FramePairPrecalc{
		HostID:        host.ID(),
		TargetID:      target.ID(),
		RTll:          toMat33f(rot),
		TTll:          Vec3f{float32(t.X), float32(t.Y), float32(t.Z)},
		RTll0:         toMat33f(rot0),
		TTll0:         Vec3f{float32(t0.X), float32(t0.Y), float32(t0.Z)},
		KRKiTll:       toMat33f(&kRKi),
		RKiTll:        toMat33f(&rKi),
		KtTll:         Vec3f{float32(kt.AtVec(0)), float32(kt.AtVec(1)), float32(kt.AtVec(2))},
		AffMode:       [2]float32{float32(affMode[0]), float32(affMode[1])},
		B0Mode:        float32(hs.StateZero[7] * dso.ScaleB),
		DistanceLL:    float32(t.Norm()),
		hostVersion:   hs.Version,
		targetVersion: ts.Version,
		calibVersion:  cs.Version,
		valid:         true,
	}
	return nil
}

// IsFresh reports whether the entry was refreshed against the current state of host, target and
// calibration. An entry that was never refreshed is never fresh.
func (p *FramePairPrecalc) IsFresh(host, target *Frame, c *calib.Calibration) bool {
	if !p.valid || host == nil || target == nil || c == nil {
		return false
	}
	return p.HostID == host.ID() && p.TargetID == target.ID() &&
		p.hostVersion == host.Version() && p.targetVersion == target.Version() &&
		p.calibVersion == c.Version()
}

func toMat33f(m mat.Matrix) Mat33f {
	var out Mat33f
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[3*r+c] = float32(m.At(r, c))
		}
	}
	return out
}
