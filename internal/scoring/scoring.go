// Package scoring compares two keypoint sets and aggregates per-frame accuracy.
package scoring

import (
	"errors"
	"fmt"

	"github.com/dj-oyu/pose-coach/scoring-server/pkg/types"
	"gonum.org/v1/gonum/floats"
)

// Weighting selects how landmark confidence turns into a comparison weight.
// Confidence never moves the tolerance threshold.
type Weighting string

const (
	WeightMin     Weighting = "min"     // min(user, reference)
	WeightProduct Weighting = "product" // user * reference
	WeightNone    Weighting = "none"    // every compared landmark counts 1
)

// Config controls the comparator.
type Config struct {
	// Tolerance is the global deviation threshold in normalized frame units.
	Tolerance float64
	// ClassTolerances overrides Tolerance per body segment.
	ClassTolerances map[types.LandmarkClass]float64
	// ConfidenceFloor skips a landmark for the frame when either side is below it.
	ConfidenceFloor float64
	Weighting       Weighting
	// UseDepth includes Z in the deviation.
	UseDepth bool
}

// DefaultConfig mirrors the built-in configuration.
func DefaultConfig() Config {
	return Config{
		Tolerance:       0.1,
		ConfidenceFloor: 0.5,
		Weighting:       WeightMin,
	}
}

// ParseClassTolerances converts config keys ("head", "legs", ...) to classes.
func ParseClassTolerances(in map[string]float64) (map[types.LandmarkClass]float64, error) {
	out := make(map[types.LandmarkClass]float64, len(in))
	for k, v := range in {
		class := types.LandmarkClass(k)
		switch class {
		case types.ClassHead, types.ClassTorso, types.ClassArms, types.ClassLegs:
		default:
			return nil, fmt.Errorf("unknown landmark class %q", k)
		}
		out[class] = v
	}
	return out, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Tolerance <= 0 {
		errs = append(errs, errors.New("tolerance must be positive"))
	}
	for class, tol := range c.ClassTolerances {
		if tol <= 0 {
			errs = append(errs, fmt.Errorf("tolerance for %s must be positive", class))
		}
	}
	if c.ConfidenceFloor < 0 || c.ConfidenceFloor > 1 {
		errs = append(errs, errors.New("confidence floor must be within [0,1]"))
	}
	switch c.Weighting {
	case WeightMin, WeightProduct, WeightNone:
	default:
		errs = append(errs, fmt.Errorf("unsupported weighting %q", c.Weighting))
	}
	return errors.Join(errs...)
}

// LandmarkResult is the comparison of one landmark present on both sides.
type LandmarkResult struct {
	ID        types.LandmarkID `json:"id"`
	Deviation float64          `json:"deviation"`
	Within    bool             `json:"within"`
	Weight    float64          `json:"weight"`
}

// FrameScore is the result for one aligned frame pair.
// Scored is false when either side had no detection or nothing was comparable;
// such frames are excluded from aggregation.
type FrameScore struct {
	Scored    bool
	Score     float64
	Landmarks []LandmarkResult
}

// Compared returns the number of landmarks that took part in the score.
func (f FrameScore) Compared() int { return len(f.Landmarks) }

// Correct returns the number of landmarks within tolerance.
func (f FrameScore) Correct() int {
	n := 0
	for _, lm := range f.Landmarks {
		if lm.Within {
			n++
		}
	}
	return n
}

// Wrong lists the landmarks that failed the tolerance check, in ascending order.
func (f FrameScore) Wrong() []types.LandmarkID {
	wrong := []types.LandmarkID{}
	for _, lm := range f.Landmarks {
		if !lm.Within {
			wrong = append(wrong, lm.ID)
		}
	}
	return wrong
}

// Within returns the per-landmark tolerance flags.
func (f FrameScore) Within() map[types.LandmarkID]bool {
	m := make(map[types.LandmarkID]bool, len(f.Landmarks))
	for _, lm := range f.Landmarks {
		m[lm.ID] = lm.Within
	}
	return m
}

// Comparator scores aligned keypoint pairs. It holds no mutable state.
type Comparator struct {
	cfg Config
}

// NewComparator validates cfg and builds a comparator.
func NewComparator(cfg Config) (*Comparator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scoring config: %w", err)
	}
	return &Comparator{cfg: cfg}, nil
}

// Config returns the comparator's configuration.
func (c *Comparator) Config() Config { return c.cfg }

// WithTolerance returns a copy using a different global tolerance.
func (c *Comparator) WithTolerance(tol float64) (*Comparator, error) {
	cfg := c.cfg
	cfg.Tolerance = tol
	return NewComparator(cfg)
}

// ToleranceFor returns the threshold applied to a landmark.
func (c *Comparator) ToleranceFor(id types.LandmarkID) float64 {
	if tol, ok := c.cfg.ClassTolerances[id.Class()]; ok {
		return tol
	}
	return c.cfg.Tolerance
}

// Compare scores one frame pair.
func (c *Comparator) Compare(user, ref types.KeypointSet) FrameScore {
	if user.Empty() || ref.Empty() {
		return FrameScore{}
	}

	var (
		results     []LandmarkResult
		totalWeight float64
		okWeight    float64
	)
	for _, id := range user.IDs() {
		u, _ := user.Get(id)
		r, ok := ref.Get(id)
		if !ok {
			continue
		}
		if u.Confidence < c.cfg.ConfidenceFloor || r.Confidence < c.cfg.ConfidenceFloor {
			continue
		}

		dev := c.deviation(u, r)
		w := c.weight(u.Confidence, r.Confidence)
		within := dev <= c.ToleranceFor(id)
		results = append(results, LandmarkResult{ID: id, Deviation: dev, Within: within, Weight: w})
		totalWeight += w
		if within {
			okWeight += w
		}
	}

	if totalWeight <= 0 {
		return FrameScore{Landmarks: results}
	}
	score := 100 * okWeight / totalWeight
	if score > 100 {
		score = 100
	}
	return FrameScore{Scored: true, Score: score, Landmarks: results}
}

func (c *Comparator) deviation(u, r types.Landmark) float64 {
	if c.cfg.UseDepth {
		return floats.Distance([]float64{u.X, u.Y, u.Z}, []float64{r.X, r.Y, r.Z}, 2)
	}
	return floats.Distance([]float64{u.X, u.Y}, []float64{r.X, r.Y}, 2)
}

func (c *Comparator) weight(cu, cr float64) float64 {
	switch c.cfg.Weighting {
	case WeightProduct:
		return cu * cr
	case WeightNone:
		return 1
	default:
		return min(cu, cr)
	}
}

// SessionScore is the running aggregate over a run or live session.
// The mean is updated incrementally, so per-frame scores need not be kept.
type SessionScore struct {
	Processed int
	Scored    int
	mean      float64
}

// Add folds one frame into the aggregate. Unscored frames count as processed only.
func (s *SessionScore) Add(f FrameScore) {
	s.Processed++
	if !f.Scored {
		return
	}
	s.Scored++
	s.mean += (f.Score - s.mean) / float64(s.Scored)
}

// Overall returns the mean score over scored frames, 0 when none were scored.
func (s *SessionScore) Overall() float64 { return s.mean }

// Excluded returns the number of processed frames left out of the mean.
func (s *SessionScore) Excluded() int { return s.Processed - s.Scored }
