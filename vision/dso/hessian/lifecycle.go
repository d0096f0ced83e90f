package hessian

import (
	"go.viam.com/dso/vision/dso"
)

// lifetimeMargin is added to the lifetime good-residual threshold before a point is considered
// well established enough to be dropped for losing its marginalized observations.
const lifetimeMargin = 10

// Classifier decides whether a point leaves the window. It reads the point and never mutates it.
type Classifier struct {
	minGoodActiveRes int
	minGoodRes       int
}

// NewClassifier returns a classifier with the thresholds from settings.
func NewClassifier(settings dso.Settings) Classifier {
	return Classifier{
		minGoodActiveRes: settings.MinGoodActiveResForMarg,
		minGoodRes:       settings.MinGoodResForMarg,
	}
}

// IsOOB reports whether the point should be removed given the frames about to be marginalized.
// toKeep is accepted for future policies and currently ignored. The first matching rule wins:
//  1. the latest outcome is OOB: remove.
//  2. the point is well established but would fall below the active-residual threshold once its
//     residuals into toMarg are gone: remove.
//  3. fewer than two residuals: keep.
//  4. both recent outcomes are OUTLIER: remove.
func (c Classifier) IsOOB(p *Point, toKeep, toMarg []int) bool {
	_ = toKeep
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.lastOutcomes[0].Set && p.lastOutcomes[0].State == ResOOB {
		return true
	}

	if len(p.residuals) >= c.minGoodActiveRes && p.numGoodResiduals >= c.minGoodRes+lifetimeMargin {
		good := len(p.residuals)
		for _, r := range p.residuals {
			if r.State() != ResIn {
				continue
			}
			for _, id := range toMarg {
				if r.Target() == id {
					good--
				}
			}
		}
		if good < c.minGoodActiveRes {
			return true
		}
	}

	if len(p.residuals) < 2 {
		return false
	}

	return p.lastOutcomes[0].Set && p.lastOutcomes[0].State == ResOutlier &&
		p.lastOutcomes[1].Set && p.lastOutcomes[1].State == ResOutlier
}

// IsInlierNew reports whether the point has enough current and lifetime good residuals to be
// marginalized rather than dropped.
func (c Classifier) IsInlierNew(p *Point) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.residuals) >= c.minGoodActiveRes && p.numGoodResiduals >= c.minGoodRes
}
