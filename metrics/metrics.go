// Package metrics holds the process-scoped instance counters of the odometry backend. A Registry is
// created once per session and handed to every constructor that wants to be counted.
package metrics

import (
	"go.uber.org/atomic"
)

// Registry counts live state objects. A nil *Registry is valid and counts nothing.
type Registry struct {
	frames       atomic.Int64
	points       atomic.Int64
	calibrations atomic.Int64
	precalcs     atomic.Int64
}

// Snapshot is a point-in-time copy of a Registry.
type Snapshot struct {
	Frames       int64 `json:"frames"`
	Points       int64 `json:"points"`
	Calibrations int64 `json:"calibrations"`
	Precalcs     int64 `json:"precalcs"`
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// FrameCreated records a new frame.
func (r *Registry) FrameCreated() {
	if r != nil {
		r.frames.Inc()
	}
}

// FrameReleased records a released frame.
func (r *Registry) FrameReleased() {
	if r != nil {
		r.frames.Dec()
	}
}

// PointCreated records a new point.
func (r *Registry) PointCreated() {
	if r != nil {
		r.points.Inc()
	}
}

// PointReleased records a released point.
func (r *Registry) PointReleased() {
	if r != nil {
		r.points.Dec()
	}
}

// CalibrationCreated records a new calibration.
func (r *Registry) CalibrationCreated() {
	if r != nil {
		r.calibrations.Inc()
	}
}

// CalibrationReleased records a released calibration.
func (r *Registry) CalibrationReleased() {
	if r != nil {
		r.calibrations.Dec()
	}
}

// PrecalcsResized adjusts the precalc counter by delta entries.
func (r *Registry) PrecalcsResized(delta int) {
	if r != nil && delta != 0 {
		r.precalcs.Add(int64(delta))
	}
}

// Snapshot returns the current counts.
func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	return Snapshot{
		Frames:       r.frames.Load(),
		Points:       r.points.Load(),
		Calibrations: r.calibrations.Load(),
		Precalcs:     r.precalcs.Load(),
	}
}
