package hessian

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/dso/spatialmath"
	"go.viam.com/dso/vision/dso/calib"
	"go.viam.com/dso/vision/dso/photometric"
)

func TestPrecalcNeverFreshBeforeRefresh(t *testing.T) {
	host := newTestFrame(t, 0)
	target := newTestFrame(t, 1)
	var p FramePairPrecalc
	test.That(t, p.IsFresh(host, target, testCalib()), test.ShouldBeFalse)
}

func TestPrecalcRelativeGeometry(t *testing.T) {
	c := calib.New(calib.Intrinsics{10, 10, 6, 4}, nil)
	host := newTestFrame(t, 0)
	cfg := testFrameConfig(1)
	cfg.WorldToCam = spatialmath.NewSE3(quat.Number{Real: 1}, r3.Vector{X: -1})
	cfg.ExposureTime = 2
	cfg.AffG2L = photometric.AffLight{A: 0.1, B: 3}
	target, err := NewFrame(cfg)
	test.That(t, err, test.ShouldBeNil)

	var p FramePairPrecalc
	test.That(t, p.Set(host, target, c), test.ShouldBeNil)
	test.That(t, p.IsFresh(host, target, c), test.ShouldBeTrue)
	test.That(t, p.HostID, test.ShouldEqual, 0)
	test.That(t, p.TargetID, test.ShouldEqual, 1)

	for r := 0; r < 3; r++ {
		for col := 0; col < 3; col++ {
			expected := float32(0)
			if r == col {
				expected = 1
			}
			test.That(t, p.RTll.At(r, col), test.ShouldAlmostEqual, expected, 1e-6)
			test.That(t, p.RTll0.At(r, col), test.ShouldAlmostEqual, expected, 1e-6)
			test.That(t, p.KRKiTll.At(r, col), test.ShouldAlmostEqual, expected, 1e-5)
		}
	}
	test.That(t, p.TTll, test.ShouldResemble, Vec3f{-1, 0, 0})
	test.That(t, p.TTll0, test.ShouldResemble, Vec3f{-1, 0, 0})
	test.That(t, p.DistanceLL, test.ShouldAlmostEqual, 1, 1e-6)
	test.That(t, p.KtTll[0], test.ShouldAlmostEqual, -500, 1e-3)

	// RKiTll * (u, v, 1) back projects the principal point onto the optical axis
	ray := p.RKiTll.MulVec(Vec3f{300, 200, 1})
	test.That(t, ray[0], test.ShouldAlmostEqual, 0, 1e-5)
	test.That(t, ray[1], test.ShouldAlmostEqual, 0, 1e-5)
	test.That(t, ray[2], test.ShouldAlmostEqual, 1, 1e-6)

	test.That(t, p.AffMode[0], test.ShouldAlmostEqual, math.Exp(0.1)*2, 1e-5)
	test.That(t, p.AffMode[1], test.ShouldAlmostEqual, 3, 1e-5)
	test.That(t, p.B0Mode, test.ShouldEqual, float32(0))
}

func TestPrecalcGoesStale(t *testing.T) {
	c := testCalib()
	host := newTestFrame(t, 0)
	target := newTestFrame(t, 1)
	var p FramePairPrecalc
	test.That(t, p.Set(host, target, c), test.ShouldBeNil)

	target.SetStateScaled(Vec10{0.1})
	test.That(t, p.IsFresh(host, target, c), test.ShouldBeFalse)
	test.That(t, p.Set(host, target, c), test.ShouldBeNil)
	test.That(t, p.IsFresh(host, target, c), test.ShouldBeTrue)
	test.That(t, p.TTll[0], test.ShouldAlmostEqual, 0.1, 1e-6)

	host.SetEvalPT(somePose(), Vec10{})
	test.That(t, p.IsFresh(host, target, c), test.ShouldBeFalse)
	test.That(t, p.Set(host, target, c), test.ShouldBeNil)

	c.SetValue(calib.Intrinsics{501, 500, 320, 240})
	test.That(t, p.IsFresh(host, target, c), test.ShouldBeFalse)

	test.That(t, p.IsFresh(target, host, c), test.ShouldBeFalse)
	test.That(t, p.Set(nil, target, c), test.ShouldNotBeNil)
}
