package hessian

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/dso/metrics"
	"go.viam.com/dso/spatialmath"
	"go.viam.com/dso/utils"
	"go.viam.com/dso/vision/dso"
	"go.viam.com/dso/vision/dso/calib"
	"go.viam.com/dso/vision/dso/photometric"
)

func testCalib() *calib.Calibration {
	return calib.New(calib.Intrinsics{500, 500, 320, 240}, nil)
}

func testFrameConfig(id int) FrameConfig {
	return FrameConfig{
		ID:           id,
		ExposureTime: 1,
		WorldToCam:   spatialmath.NewZeroSE3(),
		Calib:        testCalib(),
		Settings:     dso.DefaultSettings(),
	}
}

func newTestFrame(t *testing.T, id int) *Frame {
	t.Helper()
	f, err := NewFrame(testFrameConfig(id))
	test.That(t, err, test.ShouldBeNil)
	return f
}

func somePose() spatialmath.SE3 {
	rot := spatialmath.ExpSO3(r3.Vector{X: 0.1, Y: -0.2, Z: 0.3})
	return spatialmath.NewSE3(rot, r3.Vector{X: 1, Y: 2, Z: -0.5})
}

func TestNewFrameIsInitialized(t *testing.T) {
	cfg := testFrameConfig(3)
	cfg.WorldToCam = somePose()
	cfg.AffG2L = photometric.AffLight{A: 0.2, B: -5}
	f, err := NewFrame(cfg)
	test.That(t, err, test.ShouldBeNil)

	scaled := f.StateScaled()
	test.That(t, scaled[6], test.ShouldEqual, 0.2)
	test.That(t, scaled[7], test.ShouldEqual, -5.)
	for _, i := range []int{0, 1, 2, 3, 4, 5, 8, 9} {
		test.That(t, scaled[i], test.ShouldEqual, 0.)
	}
	test.That(t, f.StateMinusStateZero(), test.ShouldResemble, Vec10{})
	test.That(t, spatialmath.SE3AlmostEqual(f.WorldToCam(), cfg.WorldToCam, 1e-12), test.ShouldBeTrue)
	test.That(t, spatialmath.SE3AlmostEqual(
		spatialmath.Compose(f.WorldToCam(), f.CamToWorld()), spatialmath.NewZeroSE3(), 1e-12), test.ShouldBeTrue)
	test.That(t, f.AffG2L(), test.ShouldResemble, cfg.AffG2L)
	test.That(t, f.AffG2L0().A, test.ShouldAlmostEqual, 0.2)
	test.That(t, f.AffG2L0().B, test.ShouldAlmostEqual, -5.)
	test.That(t, f.FrameEnergyTH(), test.ShouldEqual, float64(8*8*dso.PatternNum))
	test.That(t, f.NullspacesPose(), test.ShouldNotBeNil)
}

func TestNewFrameRejectsBadExposure(t *testing.T) {
	for _, exposure := range []float64{-1, math.NaN(), math.Inf(1)} {
		cfg := testFrameConfig(1)
		cfg.ExposureTime = exposure
		_, err := NewFrame(cfg)
		test.That(t, err, test.ShouldNotBeNil)
	}
}

func TestNewFrameUnknownExposure(t *testing.T) {
	cfg := testFrameConfig(1)
	cfg.ExposureTime = 0
	cfg.AffG2L = photometric.AffLight{A: 0.3}
	target, err := NewFrame(cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, target.ExposureTime(), test.ShouldEqual, 0.)
	test.That(t, target.NullspacesAffine().At(1, 1), test.ShouldEqual, 0.)

	hostCfg := testFrameConfig(0)
	hostCfg.ExposureTime = 4
	host, err := NewFrame(hostCfg)
	test.That(t, err, test.ShouldBeNil)

	// an unknown exposure on either side drops the exposure ratio
	var p FramePairPrecalc
	test.That(t, p.Set(host, target, testCalib()), test.ShouldBeNil)
	test.That(t, p.AffMode[0], test.ShouldAlmostEqual, math.Exp(0.3), 1e-5)
}

func TestFrameStateRoundTrip(t *testing.T) {
	f := newTestFrame(t, 1)
	raw := Vec10{0.01, -0.02, 0.03, 0.001, 0.002, -0.003, 0.05, 0.004, 0.7, 0.8}

	f.SetState(raw)
	scaled := f.StateScaled()
	for i := range raw {
		test.That(t, scaled[i], test.ShouldAlmostEqual, vec10Scale[i]*raw[i])
	}

	f.SetState(Vec10{})
	f.SetStateScaled(raw.ToScaled())
	back := f.State()
	for i := range raw {
		test.That(t, back[i], test.ShouldAlmostEqual, raw[i])
	}
}

func TestFrameWorldToCamFollowsScaledState(t *testing.T) {
	f := newTestFrame(t, 1)
	evalPT := somePose()
	f.SetEvalPT(evalPT, Vec10{})

	raw := Vec10{0.2, 0, 0, 0, 0.1, 0}
	f.SetState(raw)
	expected := spatialmath.Compose(spatialmath.ExpSE3(raw.ToScaled().Pose()), evalPT)
	test.That(t, spatialmath.SE3AlmostEqual(f.WorldToCam(), expected, 1e-12), test.ShouldBeTrue)
	test.That(t, f.W2CLeftEps(), test.ShouldResemble, raw.ToScaled().Pose())
}

func TestFirstEstimateOnlyMovesWithEvalPT(t *testing.T) {
	f := newTestFrame(t, 1)
	r := Vec10{0.1, 0.2, 0.3, 0.01, 0.02, 0.03, 0.4, 0.5, 0, 0}

	f.SetEvalPT(somePose(), r)
	test.That(t, f.StateMinusStateZero(), test.ShouldResemble, Vec10{})
	test.That(t, f.StateZero(), test.ShouldResemble, r)

	f.SetState(Vec10{1})
	f.SetStateScaled(Vec10{2})
	test.That(t, f.StateZero(), test.ShouldResemble, r)
	delta := f.StateMinusStateZero()
	test.That(t, delta[0], test.ShouldAlmostEqual, 2/dso.ScaleXiTrans-0.1)

	v := f.Version()
	f.SetState(Vec10{})
	test.That(t, f.Version(), test.ShouldBeGreaterThan, v)
}

func TestFrameSnapshotIsConsistent(t *testing.T) {
	f := newTestFrame(t, 1)
	raw := Vec10{0.3}
	f.SetState(raw)
	s := f.Snapshot()
	test.That(t, s.State, test.ShouldResemble, raw)
	test.That(t, s.StateScaled, test.ShouldResemble, raw.ToScaled())
	test.That(t, s.Version, test.ShouldEqual, f.Version())
}

func TestNullspaces(t *testing.T) {
	cfg := testFrameConfig(1)
	cfg.ExposureTime = 2
	cfg.AffG2L = photometric.AffLight{A: 0.5}
	f, err := NewFrame(cfg)
	test.That(t, err, test.ShouldBeNil)

	// at the identity the pose nullspace is the identity
	pose := f.NullspacesPose()
	for r := 0; r < 6; r++ {
		for c := 0; c < 6; c++ {
			expected := 0.
			if r == c {
				expected = 1
			}
			test.That(t, pose.At(r, c), test.ShouldAlmostEqual, expected, 1e-6)
		}
	}

	aff := f.NullspacesAffine()
	rows, cols := aff.Dims()
	test.That(t, rows, test.ShouldEqual, 4)
	test.That(t, cols, test.ShouldEqual, 2)
	test.That(t, aff.At(0, 0), test.ShouldEqual, 1.)
	test.That(t, aff.At(1, 0), test.ShouldEqual, 0.)
	test.That(t, aff.At(0, 1), test.ShouldEqual, 0.)
	test.That(t, aff.At(1, 1), test.ShouldAlmostEqual, math.Exp(0.5)*2)

	// no translation, nothing to scale
	test.That(t, f.NullspacesScale().Norm(2), test.ShouldAlmostEqual, 0, 1e-12)

	f.SetEvalPT(spatialmath.NewSE3(quat.Number{Real: 1}, r3.Vector{X: 1}), Vec10{})
	scale := f.NullspacesScale()
	// ((1.00001 - 1) + (1 - 1/1.00001)) / 2e-3
	test.That(t, scale.AtVec(0), test.ShouldAlmostEqual, 0.00999995, 1e-8)
	test.That(t, scale.AtVec(1), test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, scale.AtVec(3), test.ShouldAlmostEqual, 0, 1e-9)
}

func TestGetPrior(t *testing.T) {
	s := dso.DefaultSettings()

	cfg := testFrameConfig(0)
	anchor, err := NewFrame(cfg)
	test.That(t, err, test.ShouldBeNil)
	p := anchor.GetPrior()
	test.That(t, p, test.ShouldResemble, Vec10{
		s.InitialTransPrior, s.InitialTransPrior, s.InitialTransPrior,
		s.InitialRotPrior, s.InitialRotPrior, s.InitialRotPrior,
		s.InitialAffAPrior, s.InitialAffBPrior, s.InitialAffAPrior, s.InitialAffBPrior,
	})
	test.That(t, anchor.GetPriorZero(), test.ShouldResemble, Vec10{})

	cfg.Settings.RemovePosePrior = true
	anchor, err = NewFrame(cfg)
	test.That(t, err, test.ShouldBeNil)
	p = anchor.GetPrior()
	test.That(t, p.Pose(), test.ShouldResemble, spatialmath.Tangent{})
	test.That(t, p[6], test.ShouldEqual, s.InitialAffAPrior)

	later := newTestFrame(t, 4)
	p = later.GetPrior()
	test.That(t, p.Pose(), test.ShouldResemble, spatialmath.Tangent{})
	test.That(t, p[6], test.ShouldEqual, s.AffineOptModeA)
	test.That(t, p[7], test.ShouldEqual, s.AffineOptModeB)
	test.That(t, p[8], test.ShouldEqual, s.InitialAffAPrior)
	test.That(t, p[9], test.ShouldEqual, s.InitialAffBPrior)

	cfg = testFrameConfig(4)
	cfg.Settings.AffineOptModeA = -1
	cfg.Settings.AffineOptModeB = -1
	fixed, err := NewFrame(cfg)
	test.That(t, err, test.ShouldBeNil)
	p = fixed.GetPrior()
	test.That(t, p[6], test.ShouldEqual, s.InitialAffAPrior)
	test.That(t, p[7], test.ShouldEqual, s.InitialAffBPrior)
}

func TestFrameStepAndBackup(t *testing.T) {
	f := newTestFrame(t, 1)
	start := Vec10{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	f.SetState(start)
	f.Backup()
	f.SetStep(Vec10{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})

	f.ApplyStepFromBackup(StepFactors{Trans: 0.5, Rot: 2, Aff: 1})
	test.That(t, f.State(), test.ShouldResemble, Vec10{1.5, 2, 2.5, 9, 11, 13, 8, 9, 1, 1})

	f.SetStep(Vec10{})
	f.RestoreBackup()
	test.That(t, f.State(), test.ShouldResemble, start)
	test.That(t, f.Step(), test.ShouldResemble, Vec10{})
}

func TestFrameBuckets(t *testing.T) {
	f := newTestFrame(t, 1)
	f.AddPoint(BucketActive, 1)
	f.AddPoint(BucketActive, 2)
	f.AddPoint(BucketImmature, 3)

	test.That(t, f.MovePoint(2, BucketActive, BucketMarginalized), test.ShouldBeTrue)
	test.That(t, f.MovePoint(2, BucketActive, BucketOutlier), test.ShouldBeFalse)
	test.That(t, f.Points(BucketActive), test.ShouldResemble, []PointID{1})
	test.That(t, f.Points(BucketMarginalized), test.ShouldResemble, []PointID{2})
	test.That(t, f.RemovePoint(BucketImmature, 3), test.ShouldBeTrue)
	test.That(t, f.RemovePoint(BucketImmature, 3), test.ShouldBeFalse)
	test.That(t, f.Points(BucketImmature), test.ShouldBeEmpty)
	test.That(t, BucketOutlier.String(), test.ShouldEqual, "outlier")
}

func TestFrameReleaseNeedsDetachedCompanion(t *testing.T) {
	m := metrics.NewRegistry()
	cfg := testFrameConfig(1)
	cfg.Metrics = m
	cfg.Levels = []ImageLevel{{Width: 4, Height: 4, Pixels: make([]float32, 16)}}
	f, err := NewFrame(cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Snapshot().Frames, test.ShouldEqual, int64(1))

	f.AttachCompanion("ef")
	test.That(t, f.HasCompanion(), test.ShouldBeTrue)
	err = f.Release()
	test.That(t, utils.IsPreconditionError(err), test.ShouldBeTrue)
	test.That(t, f.Released(), test.ShouldBeFalse)
	test.That(t, f.NumLevels(), test.ShouldEqual, 1)

	f.DetachCompanion()
	test.That(t, f.Release(), test.ShouldBeNil)
	test.That(t, f.Released(), test.ShouldBeTrue)
	test.That(t, m.Snapshot().Frames, test.ShouldEqual, int64(0))
	test.That(t, f.Release(), test.ShouldBeNil)
	test.That(t, m.Snapshot().Frames, test.ShouldEqual, int64(0))

	_, err = f.Derivatives(0)
	test.That(t, utils.IsPreconditionError(err), test.ShouldBeTrue)
}
