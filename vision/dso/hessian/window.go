package hessian

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/dso/logging"
	"go.viam.com/dso/metrics"
	"go.viam.com/dso/utils"
	"go.viam.com/dso/vision/dso"
	"go.viam.com/dso/vision/dso/calib"
)

// Window owns the keyframes and points of the sliding window. Frames and points refer to each other
// by id only; the window resolves ids. Mutations are expected from one goroutine at a time (the
// optimizer); lookups may come from any goroutine.
type Window struct {
	mu sync.RWMutex

	calib      *calib.Calibration
	settings   dso.Settings
	classifier Classifier
	logger     logging.Logger
	metrics    *metrics.Registry

	frames      map[int]*Frame
	slots       []*Frame
	points      map[PointID]*Point
	nextPointID PointID
}

// NewWindow returns an empty window over the given calibration. The window does not own the
// calibration.
func NewWindow(c *calib.Calibration, settings dso.Settings, logger logging.Logger, m *metrics.Registry) (*Window, error) {
	if c == nil {
		return nil, errors.New("window needs a calibration")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewBlankLogger("window")
	}
	return &Window{
		calib:      c,
		settings:   settings,
		classifier: NewClassifier(settings),
		logger:     logger,
		metrics:    m,
		frames:     map[int]*Frame{},
		points:     map[PointID]*Point{},
	}, nil
}

// Calibration returns the calibration the window evaluates against.
func (w *Window) Calibration() *calib.Calibration {
	return w.calib
}

// Classifier returns the point lifecycle classifier built from the window's settings.
func (w *Window) Classifier() Classifier {
	return w.classifier
}

// AdmitFrame creates a keyframe from cfg and appends it to the window. The window fills in its own
// calibration, settings and metrics.
func (w *Window) AdmitFrame(cfg FrameConfig) (*Frame, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.frames[cfg.ID]; ok {
		return nil, errors.Errorf("frame %d is already in the window", cfg.ID)
	}
	if len(w.slots) >= dso.MaxActiveFrames {
		return nil, errors.Errorf("window is full with %d frames", len(w.slots))
	}
	cfg.Calib = w.calib
	cfg.Settings = w.settings
	cfg.Metrics = w.metrics
	f, err := NewFrame(cfg)
	if err != nil {
		return nil, err
	}
	f.setIdx(len(w.slots))
	w.slots = append(w.slots, f)
	w.frames[f.ID()] = f
	for _, host := range w.slots {
		host.resizePrecalc(len(w.slots))
	}
	w.logger.Debugw("frame admitted", "id", f.ID(), "idx", f.Idx(), "frames", len(w.slots))
	return f, nil
}

// Frame returns the frame with the given id.
func (w *Window) Frame(id int) (*Frame, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	f, ok := w.frames[id]
	return f, ok
}

// Frames returns the frames in slot order.
func (w *Window) Frames() []*Frame {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]*Frame(nil), w.slots...)
}

// NumFrames returns the number of frames in the window.
func (w *Window) NumFrames() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.slots)
}

// RemoveFrame takes a frame out of the window and releases it together with every point it hosts.
// Residuals of other points into the frame are dropped. The frame and its points must have their
// companions detached; otherwise nothing changes and a precondition error is returned.
func (w *Window) RemoveFrame(id int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, ok := w.frames[id]
	if !ok {
		return errors.Errorf("frame %d is not in the window", id)
	}
	if f.HasCompanion() {
		return utils.NewPreconditionError("frame %d removed while its energy companion is attached", id)
	}
	var hosted []PointID
	for b := PointBucket(0); b < numBuckets; b++ {
		hosted = append(hosted, f.Points(b)...)
	}
	for _, pid := range hosted {
		if p, ok := w.points[pid]; ok && p.HasCompanion() {
			return utils.NewPreconditionError("frame %d removed while its point %d has an energy companion attached", id, pid)
		}
	}

	for _, pid := range hosted {
		if p, ok := w.points[pid]; ok {
			if err := p.Release(); err != nil {
				return err
			}
			delete(w.points, pid)
		}
	}
	dropped := 0
	for _, p := range w.points {
		dropped += p.RemoveResidual(id)
	}

	idx := f.Idx()
	w.slots = append(w.slots[:idx], w.slots[idx+1:]...)
	delete(w.frames, id)
	for i, other := range w.slots {
		other.setIdx(i)
		other.dropPrecalc(idx)
	}
	if err := f.Release(); err != nil {
		return err
	}
	w.logger.Debugw("frame removed", "id", id, "points", len(hosted), "residuals", dropped, "frames", len(w.slots))
	return nil
}

// ActivatePoint creates a point hosted by cfg.HostID and puts it in the host's active bucket.
func (w *Window) ActivatePoint(cfg PointConfig) (*Point, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	host, ok := w.frames[cfg.HostID]
	if !ok {
		return nil, errors.Errorf("host frame %d is not in the window", cfg.HostID)
	}
	cfg.Metrics = w.metrics
	p := NewPoint(cfg)
	w.nextPointID++
	p.id = w.nextPointID
	w.points[p.id] = p
	host.AddPoint(BucketActive, p.id)
	return p, nil
}

// Point returns the point with the given id.
func (w *Window) Point(id PointID) (*Point, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	p, ok := w.points[id]
	return p, ok
}

// NumPoints returns the number of points in the window.
func (w *Window) NumPoints() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.points)
}

// SetPointStatus changes a point's status and moves it to the matching bucket of its host.
func (w *Window) SetPointStatus(id PointID, status PointStatus) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.setPointStatusLocked(id, status)
}

func (w *Window) setPointStatusLocked(id PointID, status PointStatus) error {
	p, ok := w.points[id]
	if !ok {
		return errors.Errorf("point %d is not in the window", id)
	}
	if host, ok := w.frames[p.HostID()]; ok {
		from, to := p.Status().bucket(), status.bucket()
		if from != to {
			host.MovePoint(id, from, to)
		}
	}
	p.SetStatus(status)
	return nil
}

// RemovePoint takes a point out of the window and releases it. Its companion must be detached.
func (w *Window) RemovePoint(id PointID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.points[id]
	if !ok {
		return errors.Errorf("point %d is not in the window", id)
	}
	if err := p.Release(); err != nil {
		return err
	}
	if host, ok := w.frames[p.HostID()]; ok {
		for b := PointBucket(0); b < numBuckets; b++ {
			host.RemovePoint(b, id)
		}
	}
	delete(w.points, id)
	return nil
}

// RefreshPrecalc recomputes the cache entry of every ordered pair of frames in the window. It must
// run after any frame's scaled state changes and before residuals are evaluated again.
func (w *Window) RefreshPrecalc() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, host := range w.slots {
		for j, target := range w.slots {
			var p FramePairPrecalc
			if err := p.Set(host, target, w.calib); err != nil {
				return errors.Wrapf(err, "precalc %d->%d", host.ID(), target.ID())
			}
			host.setPrecalc(j, p)
		}
	}
	return nil
}

// Precalc returns the cache entry from host to target. The entry may be stale; check IsFresh.
func (w *Window) Precalc(hostID, targetID int) (FramePairPrecalc, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	host, ok := w.frames[hostID]
	if !ok {
		return FramePairPrecalc{}, false
	}
	target, ok := w.frames[targetID]
	if !ok {
		return FramePairPrecalc{}, false
	}
	return host.TargetPrecalc(target.Idx())
}

// FlagPointsForRemoval classifies every active point ahead of marginalizing the frames in toMarg.
// A point with negative inverse depth or no residuals is dropped. A point the classifier removes, or
// whose host is flagged for marginalization, is marginalized if it is a good inlier and dropped
// otherwise. Marginalized points move to their host's marginalized bucket and dropped points to its
// outlier bucket.
func (w *Window) FlagPointsForRemoval(toKeep, toMarg []int) (marg, drop []PointID, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, host := range w.slots {
		for _, id := range host.Points(BucketActive) {
			p, ok := w.points[id]
			if !ok {
				continue
			}
			switch {
			case p.IdepthScaled() < 0 || p.NumResiduals() == 0:
				drop = append(drop, id)
				err = multierr.Append(err, w.setPointStatusLocked(id, PointOutlier))
			case w.classifier.IsOOB(p, toKeep, toMarg) || host.FlaggedForMarginalization():
				if w.classifier.IsInlierNew(p) {
					marg = append(marg, id)
					err = multierr.Append(err, w.setPointStatusLocked(id, PointMarginalized))
				} else {
					drop = append(drop, id)
					err = multierr.Append(err, w.setPointStatusLocked(id, PointOutlier))
				}
			}
		}
	}
	w.logger.Debugw("points flagged", "marginalize", len(marg), "drop", len(drop), "toMarg", toMarg)
	return marg, drop, err
}

// Close releases every point and frame whose companion is detached. Entities with an attached
// companion stay in the window and are reported in the returned error.
func (w *Window) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var err error
	for id, p := range w.points {
		if perr := p.Release(); perr != nil {
			err = multierr.Append(err, perr)
			continue
		}
		delete(w.points, id)
	}
	kept := w.slots[:0]
	for _, f := range w.slots {
		if ferr := f.Release(); ferr != nil {
			err = multierr.Append(err, ferr)
			kept = append(kept, f)
			continue
		}
		delete(w.frames, f.ID())
	}
	w.slots = kept
	for i, f := range w.slots {
		f.setIdx(i)
	}
	return err
}
