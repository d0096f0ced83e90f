package hessian

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/dso/metrics"
	"go.viam.com/dso/utils"
	"go.viam.com/dso/vision/dso"
)

// PointStatus is the lifecycle status of a point.
type PointStatus int

// The lifecycle statuses of a point.
const (
	PointActive PointStatus = iota
	PointInactive
	PointOutlier
	PointOOB
	PointMarginalized
)

func (s PointStatus) String() string {
	switch s {
	case PointActive:
		return "ACTIVE"
	case PointInactive:
		return "INACTIVE"
	case PointOutlier:
		return "OUTLIER"
	case PointOOB:
		return "OOB"
	case PointMarginalized:
		return "MARGINALIZED"
	}
	return "UNKNOWN"
}

// bucket is the host-frame bucket a point with this status belongs in.
func (s PointStatus) bucket() PointBucket {
	switch s {
	case PointMarginalized:
		return BucketMarginalized
	case PointOutlier, PointOOB:
		return BucketOutlier
	case PointActive, PointInactive:
	}
	return BucketActive
}

// ResState is the outcome of evaluating one residual.
type ResState int

// The residual outcomes reported by residual evaluation.
const (
	ResIn ResState = iota
	ResOOB
	ResOutlier
)

func (s ResState) String() string {
	switch s {
	case ResIn:
		return "IN"
	case ResOOB:
		return "OOB"
	case ResOutlier:
		return "OUTLIER"
	}
	return "UNKNOWN"
}

// Residual is the view of a point-to-frame residual the point keeps in its good-residual list.
type Residual interface {
	// Target is the id of the frame the residual projects into.
	Target() int
	// State is the outcome of the latest evaluation.
	State() ResState
}

// TargetResidual is the minimal Residual: a target frame and its latest outcome.
type TargetResidual struct {
	TargetID int
	Outcome  ResState
}

// Target implements Residual.
func (r TargetResidual) Target() int { return r.TargetID }

// State implements Residual.
func (r TargetResidual) State() ResState { return r.Outcome }

// Outcome is one slot of a point's recent-outcome cache. An unset slot is neither OOB nor OUTLIER.
type Outcome struct {
	Set    bool
	Target int
	State  ResState
}

// PointConfig is everything a point needs at activation.
type PointConfig struct {
	HostID  int
	U, V    float32
	Color   [dso.PatternNum]float32
	Weights [dso.PatternNum]float32
	// EnergyTH is the quality threshold of the point's residuals.
	EnergyTH      float32
	Type          float32
	Idepth        float64
	HasDepthPrior bool
	Metrics       *metrics.Registry
}

// Point is the state of one mature map point.
type Point struct {
	mu sync.RWMutex

	id     PointID
	hostID int

	u, v          float32
	color         [dso.PatternNum]float32
	weights       [dso.PatternNum]float32
	energyTH      float32
	pointType     float32
	hasDepthPrior bool

	idepth           float64
	idepthScaled     float64
	idepthZero       float64
	idepthZeroScaled float64
	nullspacesScale  float64
	step             float64
	idepthBackup     float64
	stepBackup       float64

	idepthHessian  float64
	maxRelBaseline float64

	status           PointStatus
	residuals        []Residual
	numGoodResiduals int
	lastOutcomes     [2]Outcome

	companion Companion
	metrics   *metrics.Registry
	released  bool
}

// NewPoint activates a point with its raw, scaled and first-estimate inverse depth set. The point
// starts INACTIVE.
func NewPoint(cfg PointConfig) *Point {
	p := &Point{
		hostID:        cfg.HostID,
		u:             cfg.U,
		v:             cfg.V,
		color:         cfg.Color,
		weights:       cfg.Weights,
		energyTH:      cfg.EnergyTH,
		pointType:     cfg.Type,
		hasDepthPrior: cfg.HasDepthPrior,
		status:        PointInactive,
		metrics:       cfg.Metrics,
	}
	p.setIdepthLocked(cfg.Idepth)
	p.setIdepthZeroLocked(cfg.Idepth)
	cfg.Metrics.PointCreated()
	return p
}

// ID returns the point id assigned by the window, or 0 outside a window.
func (p *Point) ID() PointID {
	return p.id
}

// HostID returns the id of the frame hosting the point.
func (p *Point) HostID() int {
	return p.hostID
}

// Pixel returns the host-image coordinates of the point.
func (p *Point) Pixel() (float32, float32) {
	return p.u, p.v
}

// Color returns the residual-pattern sample intensities.
func (p *Point) Color() [dso.PatternNum]float32 {
	return p.color
}

// Weights returns the residual-pattern sample weights.
func (p *Point) Weights() [dso.PatternNum]float32 {
	return p.weights
}

// EnergyTH returns the quality threshold.
func (p *Point) EnergyTH() float32 {
	return p.energyTH
}

// Type returns the pixel-selection type of the point.
func (p *Point) Type() float32 {
	return p.pointType
}

// HasDepthPrior reports whether the point was seeded with a depth prior.
func (p *Point) HasDepthPrior() bool {
	return p.hasDepthPrior
}

// SetIdepth sets the raw inverse depth and derives the scaled one.
func (p *Point) SetIdepth(idepth float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setIdepthLocked(idepth)
}

// SetIdepthScaled sets the scaled inverse depth and derives the raw one.
func (p *Point) SetIdepthScaled(idepthScaled float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idepthScaled = idepthScaled
	p.idepth = dso.ScaleIdepthInverse * idepthScaled
}

func (p *Point) setIdepthLocked(idepth float64) {
	p.idepth = idepth
	p.idepthScaled = dso.ScaleIdepth * idepth
}

// SetIdepthZero fixes the first-estimate inverse depth and the scale nullspace derived from it.
func (p *Point) SetIdepthZero(idepth float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setIdepthZeroLocked(idepth)
}

func (p *Point) setIdepthZeroLocked(idepth float64) {
	p.idepthZero = idepth
	p.idepthZeroScaled = dso.ScaleIdepth * idepth
	// explicit conversions keep the products rounded separately (no fused multiply-add)
	p.nullspacesScale = -(float64(idepth*1.001) - float64(idepth/1.001)) * 500
}

// Idepth returns the raw inverse depth.
func (p *Point) Idepth() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.idepth
}

// IdepthScaled returns the scaled inverse depth.
func (p *Point) IdepthScaled() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.idepthScaled
}

// IdepthZero returns the first-estimate inverse depth.
func (p *Point) IdepthZero() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.idepthZero
}

// IdepthZeroScaled returns the scaled first-estimate inverse depth.
func (p *Point) IdepthZeroScaled() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.idepthZeroScaled
}

// IdepthMinusIdepthZero returns idepth - idepthZero.
func (p *Point) IdepthMinusIdepthZero() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.idepth - p.idepthZero
}

// NullspacesScale returns the scale nullspace derived at the last SetIdepthZero.
func (p *Point) NullspacesScale() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nullspacesScale
}

// PointSnapshot is a consistent copy of a point's depth state.
type PointSnapshot struct {
	Idepth          float64
	IdepthScaled    float64
	IdepthZero      float64
	NullspacesScale float64
	Status          PointStatus
}

// Snapshot returns the depth state as observed at a single instant.
func (p *Point) Snapshot() PointSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PointSnapshot{
		Idepth:          p.idepth,
		IdepthScaled:    p.idepthScaled,
		IdepthZero:      p.idepthZero,
		NullspacesScale: p.nullspacesScale,
		Status:          p.status,
	}
}

// SetIdepthHessian stores the inverse-depth Hessian from the last solve.
func (p *Point) SetIdepthHessian(h float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idepthHessian = h
}

// IdepthHessian returns the inverse-depth Hessian.
func (p *Point) IdepthHessian() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.idepthHessian
}

// SetMaxRelBaseline stores the largest baseline relative to depth among the point's residuals.
func (p *Point) SetMaxRelBaseline(b float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxRelBaseline = b
}

// MaxRelBaseline returns the largest relative baseline.
func (p *Point) MaxRelBaseline() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.maxRelBaseline
}

// SetStep stores the solver increment.
func (p *Point) SetStep(step float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.step = step
}

// Step returns the solver increment.
func (p *Point) Step() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.step
}

// Backup saves the raw inverse depth and step.
func (p *Point) Backup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idepthBackup = p.idepth
	p.stepBackup = p.step
}

// RestoreBackup restores the raw inverse depth and step saved by Backup.
func (p *Point) RestoreBackup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.step = p.stepBackup
	p.setIdepthLocked(p.idepthBackup)
}

// ApplyStepFromBackup sets the raw inverse depth to backup + factor*step.
func (p *Point) ApplyStepFromBackup(factor float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setIdepthLocked(p.idepthBackup + factor*p.step)
}

// Status returns the lifecycle status.
func (p *Point) Status() PointStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// SetStatus sets the lifecycle status. Inside a window use Window.SetPointStatus, which also moves the
// point between its host's buckets.
func (p *Point) SetStatus(s PointStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
}

// AddResidual appends to the good-residual list.
func (p *Point) AddResidual(r Residual) error {
	if r == nil {
		return errors.New("nil residual")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.residuals = append(p.residuals, r)
	return nil
}

// RemoveResidual drops every good residual projecting into target and returns how many were dropped.
func (p *Point) RemoveResidual(target int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := lo.Reject(p.residuals, func(r Residual, _ int) bool { return r.Target() == target })
	n := len(p.residuals) - len(kept)
	p.residuals = kept
	return n
}

// Residuals returns a copy of the good-residual list.
func (p *Point) Residuals() []Residual {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Residual(nil), p.residuals...)
}

// NumResiduals returns the current number of good residuals.
func (p *Point) NumResiduals() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.residuals)
}

// ClearResiduals empties the good-residual list.
func (p *Point) ClearResiduals() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.residuals = nil
}

// NumGoodResiduals returns the lifetime count of good residuals.
func (p *Point) NumGoodResiduals() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.numGoodResiduals
}

// IncrementGoodResiduals adds n to the lifetime count of good residuals.
func (p *Point) IncrementGoodResiduals(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.numGoodResiduals += n
}

// RecordOutcome pushes the outcome of a residual against target into slot 0, shifting the previous
// slot 0 into slot 1.
func (p *Point) RecordOutcome(target int, state ResState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastOutcomes[1] = p.lastOutcomes[0]
	p.lastOutcomes[0] = Outcome{Set: true, Target: target, State: state}
}

// LastOutcomes returns the two most recent outcomes, latest first.
func (p *Point) LastOutcomes() [2]Outcome {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastOutcomes
}

// AttachCompanion records the solver-side mirror of the point.
func (p *Point) AttachCompanion(c Companion) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.companion = c
}

// DetachCompanion forgets the solver-side mirror. It must be called before Release.
func (p *Point) DetachCompanion() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.companion = nil
}

// HasCompanion reports whether a solver-side mirror is attached.
func (p *Point) HasCompanion() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.companion != nil
}

// Companion returns the attached solver-side mirror, or nil.
func (p *Point) Companion() Companion {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.companion
}

// Release drops the point's residual references. The companion must be detached first. Releasing
// twice is a no-op.
func (p *Point) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.companion != nil {
		return utils.NewPreconditionError("point %d released while its energy companion is attached", p.id)
	}
	if p.released {
		return nil
	}
	p.released = true
	p.residuals = nil
	p.metrics.PointReleased()
	return nil
}
