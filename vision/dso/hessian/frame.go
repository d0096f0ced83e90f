// Package hessian holds the optimizable state of the sliding window: keyframes, map points, the
// relative geometry cached between every pair of keyframes, and the rules deciding which points stay.
package hessian

import (
	"image"
	"math"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/dso/metrics"
	"go.viam.com/dso/spatialmath"
	"go.viam.com/dso/utils"
	"go.viam.com/dso/vision/dso"
	"go.viam.com/dso/vision/dso/calib"
	"go.viam.com/dso/vision/dso/photometric"
)

// PointID identifies a point (mature or immature) within a Window.
type PointID uint64

// PointBucket is one of the lifecycle lists a frame keeps of the points it hosts.
type PointBucket int

// The buckets a hosted point can be in.
const (
	BucketActive PointBucket = iota
	BucketMarginalized
	BucketOutlier
	BucketImmature
	numBuckets
)

func (b PointBucket) String() string {
	switch b {
	case BucketActive:
		return "active"
	case BucketMarginalized:
		return "marginalized"
	case BucketOutlier:
		return "outlier"
	case BucketImmature:
		return "immature"
	case numBuckets:
	}
	return "unknown"
}

// StepFactors scale the parts of a frame step when it is applied.
type StepFactors struct {
	Trans float64
	Rot   float64
	Aff   float64
}

// FrameConfig is everything a frame needs to be valid from the moment it exists.
type FrameConfig struct {
	// ID is the keyframe id. The frame with id 0 anchors the window and receives the strong prior.
	ID           int
	ExposureTime float64
	// WorldToCam is the linearization pose.
	WorldToCam spatialmath.SE3
	AffG2L     photometric.AffLight
	// Levels are the image pyramid levels, finest first. Ownership moves to the frame.
	Levels   []ImageLevel
	Calib    *calib.Calibration
	Settings dso.Settings
	Metrics  *metrics.Registry
}

// Frame is the state of one keyframe in the window. State setters and getters are safe to call
// concurrently with each other; window bookkeeping (buckets, slot, cache) is driven by the
// optimizer thread only.
type Frame struct {
	mu sync.RWMutex

	id             int
	idx            int
	exposureTime   float64
	frameEnergyTH  float64
	flaggedForMarg bool

	worldToCamEvalPT spatialmath.SE3
	stateZero        Vec10
	state            Vec10
	stateScaled      Vec10
	step             Vec10
	stepBackup       Vec10
	stateBackup      Vec10

	preWorldToCam spatialmath.SE3
	preCamToWorld spatialmath.SE3
	version       uint64

	nullspacesPose   *mat.Dense
	nullspacesAffine *mat.Dense
	nullspacesScale  *mat.VecDense

	levels     []derivativeLevel
	debugImage image.Image

	buckets       [numBuckets][]PointID
	targetPrecalc []FramePairPrecalc

	settings  dso.Settings
	companion Companion
	metrics   *metrics.Registry
	released  bool
}

// NewFrame builds a keyframe at its linearization point: the pose is fixed as evalPT, the affine
// brightness seeds the scaled state, and the first-estimate snapshot and nullspaces are taken.
func NewFrame(cfg FrameConfig) (*Frame, error) {
	// Zero means the exposure is unknown.
	if !(cfg.ExposureTime >= 0) || math.IsInf(cfg.ExposureTime, 1) {
		return nil, errors.Errorf("frame %d: exposure time must be finite and non-negative, got %g", cfg.ID, cfg.ExposureTime)
	}
	f := &Frame{
		id:            cfg.ID,
		exposureTime:  cfg.ExposureTime,
		frameEnergyTH: 8 * 8 * dso.PatternNum,
		settings:      cfg.Settings,
		metrics:       cfg.Metrics,
	}
	if len(cfg.Levels) > 0 {
		if err := f.makeImages(cfg.Levels, cfg.Calib); err != nil {
			return nil, errors.Wrapf(err, "frame %d", cfg.ID)
		}
	}
	f.SetEvalPTScaled(cfg.WorldToCam, cfg.AffG2L)
	cfg.Metrics.FrameCreated()
	return f, nil
}

// ID returns the keyframe id.
func (f *Frame) ID() int {
	return f.id
}

// Idx returns the slot of the frame in the window.
func (f *Frame) Idx() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.idx
}

func (f *Frame) setIdx(idx int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idx = idx
}

// ExposureTime returns the exposure of the frame's image.
func (f *Frame) ExposureTime() float64 {
	return f.exposureTime
}

// FrameEnergyTH returns the energy threshold of the frame's residuals.
func (f *Frame) FrameEnergyTH() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.frameEnergyTH
}

// SetFrameEnergyTH sets the energy threshold of the frame's residuals.
func (f *Frame) SetFrameEnergyTH(th float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frameEnergyTH = th
}

// FlaggedForMarginalization reports whether the frame is about to leave the window.
func (f *Frame) FlaggedForMarginalization() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.flaggedForMarg
}

// FlagForMarginalization marks or unmarks the frame as about to leave the window.
func (f *Frame) FlagForMarginalization(flag bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flaggedForMarg = flag
}

// SetState sets the raw state, derives the scaled one and recomputes the current pose.
func (f *Frame) SetState(state Vec10) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setStateLocked(state)
}

// SetStateScaled sets the scaled state, derives the raw one and recomputes the current pose.
func (f *Frame) SetStateScaled(stateScaled Vec10) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setStateScaledLocked(stateScaled)
}

// SetEvalPT starts a new linearization cycle at pose with the given raw state. It is the only way,
// together with SetEvalPTScaled, to move the first-estimate snapshot.
func (f *Frame) SetEvalPT(worldToCamEvalPT spatialmath.SE3, state Vec10) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.worldToCamEvalPT = worldToCamEvalPT
	f.setStateLocked(state)
	f.setStateZeroLocked(state)
}

// SetEvalPTScaled starts a new linearization cycle at pose with a zero pose increment and the given
// affine brightness as the scaled state.
func (f *Frame) SetEvalPTScaled(worldToCamEvalPT spatialmath.SE3, affG2L photometric.AffLight) {
	var initial Vec10
	initial[6] = affG2L.A
	initial[7] = affG2L.B

	f.mu.Lock()
	defer f.mu.Unlock()
	f.worldToCamEvalPT = worldToCamEvalPT
	f.setStateScaledLocked(initial)
	f.setStateZeroLocked(f.state)
}

func (f *Frame) setStateLocked(state Vec10) {
	f.state = state
	f.stateScaled = state.ToScaled()
	f.updatePoseLocked()
}

func (f *Frame) setStateScaledLocked(stateScaled Vec10) {
	f.stateScaled = stateScaled
	f.state = stateScaled.ToRaw()
	f.updatePoseLocked()
}

func (f *Frame) updatePoseLocked() {
	f.preWorldToCam = spatialmath.Compose(spatialmath.ExpSE3(f.stateScaled.Pose()), f.worldToCamEvalPT)
	f.preCamToWorld = f.preWorldToCam.Inverse()
	f.version++
}

const (
	nullspaceEps      = 1e-3
	nullspaceScaleEps = 1.00001
)

// setStateZeroLocked fixes the first-estimate snapshot and recomputes the unobservable directions
// around it.
func (f *Frame) setStateZeroLocked(stateZero Vec10) {
	f.stateZero = stateZero
	evalPT := f.worldToCamEvalPT
	evalPTInv := evalPT.Inverse()

	f.nullspacesPose = mat.NewDense(6, 6, nil)
	for i := 0; i < 6; i++ {
		var eps spatialmath.Tangent
		eps[i] = nullspaceEps
		plus := spatialmath.Compose(spatialmath.Compose(evalPT, spatialmath.ExpSE3(eps)), evalPTInv).Log()
		eps[i] = -nullspaceEps
		minus := spatialmath.Compose(spatialmath.Compose(evalPT, spatialmath.ExpSE3(eps)), evalPTInv).Log()
		for r := 0; r < 6; r++ {
			f.nullspacesPose.Set(r, i, (plus[r]-minus[r])/(2*nullspaceEps))
		}
	}

	// scale change
	plus := spatialmath.Compose(evalPT.WithTranslation(evalPT.Translation().Mul(nullspaceScaleEps)), evalPTInv).Log()
	minus := spatialmath.Compose(evalPT.WithTranslation(evalPT.Translation().Mul(1/nullspaceScaleEps)), evalPTInv).Log()
	f.nullspacesScale = mat.NewVecDense(6, nil)
	for r := 0; r < 6; r++ {
		f.nullspacesScale.SetVec(r, (plus[r]-minus[r])/(2*nullspaceEps))
	}

	f.nullspacesAffine = mat.NewDense(4, 2, nil)
	f.nullspacesAffine.Set(0, 0, 1)
	f.nullspacesAffine.Set(1, 1, math.Exp(f.affG2L0Locked().A)*f.exposureTime)
}

// Version increases with every change of the scaled state or the linearization pose.
func (f *Frame) Version() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.version
}

// WorldToCamEvalPT returns the linearization pose.
func (f *Frame) WorldToCamEvalPT() spatialmath.SE3 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.worldToCamEvalPT
}

// State returns the raw state.
func (f *Frame) State() Vec10 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// StateScaled returns the scaled state.
func (f *Frame) StateScaled() Vec10 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.stateScaled
}

// StateZero returns the first-estimate raw state.
func (f *Frame) StateZero() Vec10 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.stateZero
}

// StateMinusStateZero returns state - zero, the only update marginalization may consume.
func (f *Frame) StateMinusStateZero() Vec10 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state.Sub(f.stateZero)
}

// FrameSnapshot is a consistent copy of a frame's state.
type FrameSnapshot struct {
	State            Vec10
	StateScaled      Vec10
	StateZero        Vec10
	WorldToCamEvalPT spatialmath.SE3
	WorldToCam       spatialmath.SE3
	CamToWorld       spatialmath.SE3
	Version          uint64
}

// Snapshot returns the frame's state as observed at a single instant.
func (f *Frame) Snapshot() FrameSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return FrameSnapshot{
		State:            f.state,
		StateScaled:      f.stateScaled,
		StateZero:        f.stateZero,
		WorldToCamEvalPT: f.worldToCamEvalPT,
		WorldToCam:       f.preWorldToCam,
		CamToWorld:       f.preCamToWorld,
		Version:          f.version,
	}
}

// WorldToCam returns exp(scaled pose increment) ∘ evalPT.
func (f *Frame) WorldToCam() spatialmath.SE3 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.preWorldToCam
}

// CamToWorld returns the inverse of WorldToCam.
func (f *Frame) CamToWorld() spatialmath.SE3 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.preCamToWorld
}

// W2CLeftEps returns the scaled pose increment.
func (f *Frame) W2CLeftEps() spatialmath.Tangent {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.stateScaled.Pose()
}

// AffG2L returns the live affine brightness.
func (f *Frame) AffG2L() photometric.AffLight {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return photometric.AffLight{A: f.stateScaled[6], B: f.stateScaled[7]}
}

// AffG2L0 returns the affine brightness at the linearization point.
func (f *Frame) AffG2L0() photometric.AffLight {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.affG2L0Locked()
}

func (f *Frame) affG2L0Locked() photometric.AffLight {
	return photometric.AffLight{A: f.stateZero[6] * dso.ScaleA, B: f.stateZero[7] * dso.ScaleB}
}

// NullspacesPose returns a copy of the 6x6 pose nullspace basis.
func (f *Frame) NullspacesPose() *mat.Dense {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return mat.DenseCopyOf(f.nullspacesPose)
}

// NullspacesAffine returns a copy of the 4x2 affine nullspace basis.
func (f *Frame) NullspacesAffine() *mat.Dense {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return mat.DenseCopyOf(f.nullspacesAffine)
}

// NullspacesScale returns a copy of the scale nullspace direction.
func (f *Frame) NullspacesScale() *mat.VecDense {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return mat.VecDenseCopyOf(f.nullspacesScale)
}

// GetPrior returns the prior strength of every state component. The anchor frame gets strong pose and
// affine priors; later frames only get affine priors whose strength depends on the optimization mode.
func (f *Frame) GetPrior() Vec10 {
	s := f.settings
	var p Vec10
	if f.id == 0 {
		for i := 0; i < 3; i++ {
			p[i] = s.InitialTransPrior
			p[3+i] = s.InitialRotPrior
		}
		if s.RemovePosePrior {
			for i := 0; i < 6; i++ {
				p[i] = 0
			}
		}
		p[6] = s.InitialAffAPrior
		p[7] = s.InitialAffBPrior
	} else {
		if s.AffineOptModeA < 0 {
			p[6] = s.InitialAffAPrior
		} else {
			p[6] = s.AffineOptModeA
		}
		if s.AffineOptModeB < 0 {
			p[7] = s.InitialAffBPrior
		} else {
			p[7] = s.AffineOptModeB
		}
	}
	p[8] = s.InitialAffAPrior
	p[9] = s.InitialAffBPrior
	return p
}

// GetPriorZero returns the mean of the prior, which is always zero.
func (f *Frame) GetPriorZero() Vec10 {
	return Vec10{}
}

// SetStep stores the solver increment for the next step.
func (f *Frame) SetStep(step Vec10) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.step = step
}

// Step returns the solver increment.
func (f *Frame) Step() Vec10 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.step
}

// Backup saves the current raw state and step.
func (f *Frame) Backup() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stepBackup = f.step
	f.stateBackup = f.state
}

// RestoreBackup restores the raw state and step saved by Backup.
func (f *Frame) RestoreBackup() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.step = f.stepBackup
	f.setStateLocked(f.stateBackup)
}

// ApplyStepFromBackup sets the raw state to backup + factors*step. The slack components of the step
// are never applied.
func (f *Frame) ApplyStepFromBackup(factors StepFactors) {
	f.mu.Lock()
	defer f.mu.Unlock()
	step := f.step
	for i := 0; i < 3; i++ {
		step[i] *= factors.Trans
		step[3+i] *= factors.Rot
	}
	step[6] *= factors.Aff
	step[7] *= factors.Aff
	step[8], step[9] = 0, 0
	f.setStateLocked(f.stateBackup.Add(step))
}

// AddPoint appends a point to one of the frame's buckets.
func (f *Frame) AddPoint(bucket PointBucket, id PointID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[bucket] = append(f.buckets[bucket], id)
}

// RemovePoint removes a point from a bucket and reports whether it was there.
func (f *Frame) RemovePoint(bucket PointBucket, id PointID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !lo.Contains(f.buckets[bucket], id) {
		return false
	}
	f.buckets[bucket] = lo.Without(f.buckets[bucket], id)
	return true
}

// MovePoint moves a point between buckets. It reports false, and changes nothing, if the point is
// not in the from bucket.
func (f *Frame) MovePoint(id PointID, from, to PointBucket) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !lo.Contains(f.buckets[from], id) {
		return false
	}
	f.buckets[from] = lo.Without(f.buckets[from], id)
	f.buckets[to] = append(f.buckets[to], id)
	return true
}

// Points returns a copy of the ids in a bucket.
func (f *Frame) Points(bucket PointBucket) []PointID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]PointID(nil), f.buckets[bucket]...)
}

// TargetPrecalc returns the cached geometry from this frame to the frame in the given slot.
func (f *Frame) TargetPrecalc(targetIdx int) (FramePairPrecalc, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if targetIdx < 0 || targetIdx >= len(f.targetPrecalc) {
		return FramePairPrecalc{}, false
	}
	return f.targetPrecalc[targetIdx], true
}

func (f *Frame) resizePrecalc(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	old := len(f.targetPrecalc)
	if n <= old {
		f.targetPrecalc = f.targetPrecalc[:n]
	} else {
		f.targetPrecalc = append(f.targetPrecalc, make([]FramePairPrecalc, n-old)...)
	}
	f.metrics.PrecalcsResized(n - old)
}

// dropPrecalc removes the entry for the target in slot targetIdx, shifting later slots down.
func (f *Frame) dropPrecalc(targetIdx int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if targetIdx < 0 || targetIdx >= len(f.targetPrecalc) {
		return
	}
	f.targetPrecalc = append(f.targetPrecalc[:targetIdx], f.targetPrecalc[targetIdx+1:]...)
	f.metrics.PrecalcsResized(-1)
}

func (f *Frame) setPrecalc(targetIdx int, p FramePairPrecalc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targetPrecalc[targetIdx] = p
}

// SetDebugImage hands an image to the frame for visualization.
func (f *Frame) SetDebugImage(img image.Image) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debugImage = img
}

// DebugImage returns the visualization image, if any.
func (f *Frame) DebugImage() image.Image {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.debugImage
}

// AttachCompanion records the solver-side mirror of the frame.
func (f *Frame) AttachCompanion(c Companion) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.companion = c
}

// DetachCompanion forgets the solver-side mirror. It must be called before Release.
func (f *Frame) DetachCompanion() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.companion = nil
}

// HasCompanion reports whether a solver-side mirror is attached.
func (f *Frame) HasCompanion() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.companion != nil
}

// Companion returns the attached solver-side mirror, or nil.
func (f *Frame) Companion() Companion {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.companion
}

// Released reports whether the frame's buffers have been freed.
func (f *Frame) Released() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.released
}

// Release frees the frame's image buffers, debug image and cache. The companion must be detached
// first. Releasing twice is a no-op.
func (f *Frame) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.companion != nil {
		return utils.NewPreconditionError("frame %d released while its energy companion is attached", f.id)
	}
	if f.released {
		return nil
	}
	f.released = true
	f.levels = nil
	f.debugImage = nil
	for b := range f.buckets {
		f.buckets[b] = nil
	}
	f.metrics.PrecalcsResized(-len(f.targetPrecalc))
	f.targetPrecalc = nil
	f.metrics.FrameReleased()
	return nil
}
