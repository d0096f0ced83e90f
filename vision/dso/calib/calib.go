// Package calib holds the camera calibration state optimized alongside the window: pinhole
// intrinsics in solver and physical units, and the photometric response curves.
package calib

import (
	"sync"

	"gonum.org/v1/gonum/mat"

	"go.viam.com/dso/metrics"
	"go.viam.com/dso/vision/dso"
	"go.viam.com/dso/vision/dso/photometric"
)

// Intrinsics is the vector [fx, fy, cx, cy].
type Intrinsics [4]float64

// Sub returns v - o.
func (v Intrinsics) Sub(o Intrinsics) Intrinsics {
	for i := range v {
		v[i] -= o[i]
	}
	return v
}

// Add returns v + o.
func (v Intrinsics) Add(o Intrinsics) Intrinsics {
	for i := range v {
		v[i] += o[i]
	}
	return v
}

// Scale returns s*v.
func (v Intrinsics) Scale(s float64) Intrinsics {
	for i := range v {
		v[i] *= s
	}
	return v
}

var intrinsicsScale = Intrinsics{dso.ScaleF, dso.ScaleF, dso.ScaleC, dso.ScaleC}

// Calibration is the calibration state. The raw value, its scaled forms and the inverse form are
// always updated together under the lock, so concurrent readers never see a torn pair.
type Calibration struct {
	mu sync.RWMutex

	valueZero    Intrinsics
	value        Intrinsics
	valueScaled  Intrinsics
	valueScaledF [4]float32
	// 1/fx, 1/fy, -cx/fx, -cy/fy
	valueScaledI   [4]float32
	valueMinusZero Intrinsics

	step        Intrinsics
	stepBackup  Intrinsics
	valueBackup Intrinsics

	response *photometric.Response
	version  uint64

	metrics  *metrics.Registry
	released bool
}

// New returns a calibration seeded with intrinsics in raw solver units. The first-estimate snapshot
// is taken here and never again.
func New(raw Intrinsics, m *metrics.Registry) *Calibration {
	c := &Calibration{response: photometric.NewIdentityResponse(), metrics: m}
	c.setValueLocked(raw)
	c.valueZero = c.value
	c.valueMinusZero = Intrinsics{}
	m.CalibrationCreated()
	return c
}

// NewFromScaled returns a calibration seeded with physical intrinsics in pixels, as produced by a
// calibration loader.
func NewFromScaled(scaled Intrinsics, m *metrics.Registry) *Calibration {
	c := &Calibration{response: photometric.NewIdentityResponse(), metrics: m}
	c.setValueScaledLocked(scaled)
	c.valueZero = c.value
	c.valueMinusZero = Intrinsics{}
	m.CalibrationCreated()
	return c
}

// SetValue sets the raw intrinsics and derives the physical ones.
func (c *Calibration) SetValue(raw Intrinsics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setValueLocked(raw)
}

// SetValueScaled sets the physical intrinsics and derives the raw ones.
func (c *Calibration) SetValueScaled(scaled Intrinsics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setValueScaledLocked(scaled)
}

func (c *Calibration) setValueLocked(raw Intrinsics) {
	c.value = raw
	for i := range raw {
		c.valueScaled[i] = intrinsicsScale[i] * raw[i]
	}
	c.derivedLocked()
}

func (c *Calibration) setValueScaledLocked(scaled Intrinsics) {
	c.valueScaled = scaled
	for i := range scaled {
		c.value[i] = scaled[i] / intrinsicsScale[i]
	}
	c.derivedLocked()
}

func (c *Calibration) derivedLocked() {
	for i := range c.valueScaled {
		c.valueScaledF[i] = float32(c.valueScaled[i])
	}
	c.valueScaledI[0] = 1 / c.valueScaledF[0]
	c.valueScaledI[1] = 1 / c.valueScaledF[1]
	c.valueScaledI[2] = -c.valueScaledF[2] / c.valueScaledF[0]
	c.valueScaledI[3] = -c.valueScaledF[3] / c.valueScaledF[1]
	c.valueMinusZero = c.value.Sub(c.valueZero)
	c.version++
}

// Snapshot is a consistent copy of every form of the intrinsics.
type Snapshot struct {
	Value              Intrinsics
	ValueScaled        Intrinsics
	ValueScaledF       [4]float32
	ValueScaledInverse [4]float32
	ValueZero          Intrinsics
	Version            uint64
}

// Snapshot returns all forms of the intrinsics as observed at a single instant.
func (c *Calibration) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Value:              c.value,
		ValueScaled:        c.valueScaled,
		ValueScaledF:       c.valueScaledF,
		ValueScaledInverse: c.valueScaledI,
		ValueZero:          c.valueZero,
		Version:            c.version,
	}
}

// Value returns the raw intrinsics.
func (c *Calibration) Value() Intrinsics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// ValueScaled returns the physical intrinsics.
func (c *Calibration) ValueScaled() Intrinsics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.valueScaled
}

// ValueScaledF returns the physical intrinsics in single precision.
func (c *Calibration) ValueScaledF() [4]float32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.valueScaledF
}

// ValueScaledInverse returns (1/fx, 1/fy, -cx/fx, -cy/fy) for back projection.
func (c *Calibration) ValueScaledInverse() [4]float32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.valueScaledI
}

// ValueZero returns the first-estimate raw intrinsics.
func (c *Calibration) ValueZero() Intrinsics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.valueZero
}

// ValueMinusValueZero returns value - zero, the only update marginalization may consume.
func (c *Calibration) ValueMinusValueZero() Intrinsics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.valueMinusZero
}

// Fxl returns the physical focal length in x.
func (c *Calibration) Fxl() float32 { return c.ValueScaledF()[0] }

// Fyl returns the physical focal length in y.
func (c *Calibration) Fyl() float32 { return c.ValueScaledF()[1] }

// Cxl returns the physical principal point x.
func (c *Calibration) Cxl() float32 { return c.ValueScaledF()[2] }

// Cyl returns the physical principal point y.
func (c *Calibration) Cyl() float32 { return c.ValueScaledF()[3] }

// Version increases with every change of the scaled intrinsics. Derived caches compare it to decide
// whether they are stale.
func (c *Calibration) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// CameraMatrix returns the physical K matrix.
func (c *Calibration) CameraMatrix() *mat.Dense {
	s := c.ValueScaled()
	return mat.NewDense(3, 3, []float64{
		s[0], 0, s[2],
		0, s[1], s[3],
		0, 0, 1,
	})
}

// SetStep stores the solver increment for the next step.
func (c *Calibration) SetStep(step Intrinsics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = step
}

// Step returns the solver increment.
func (c *Calibration) Step() Intrinsics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.step
}

// Backup saves the current raw value and step.
func (c *Calibration) Backup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepBackup = c.step
	c.valueBackup = c.value
}

// RestoreBackup restores the raw value and step saved by Backup.
func (c *Calibration) RestoreBackup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = c.stepBackup
	c.setValueLocked(c.valueBackup)
}

// ApplyStepFromBackup sets the raw value to backup + factor*step.
func (c *Calibration) ApplyStepFromBackup(factor float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setValueLocked(c.valueBackup.Add(c.step.Scale(factor)))
}

// Response returns the current response curves.
func (c *Calibration) Response() *photometric.Response {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.response
}

// SetResponse replaces the response curves wholesale. A nil response resets to identity.
func (c *Calibration) SetResponse(r *photometric.Response) {
	if r == nil {
		r = photometric.NewIdentityResponse()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.response = r
}

// GradOnly returns the response gradient at color, see photometric.Response.GradOnly.
func (c *Calibration) GradOnly(color float32) float32 {
	return c.Response().GradOnly(color)
}

// InvGradOnly returns the inverse response gradient at color.
func (c *Calibration) InvGradOnly(color float32) float32 {
	return c.Response().InvGradOnly(color)
}

// Close releases the calibration from the metrics registry. Calling it twice is a no-op.
func (c *Calibration) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true
	c.metrics.CalibrationReleased()
}
