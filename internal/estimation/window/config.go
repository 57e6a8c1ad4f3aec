package window

import (
	"fmt"

	"github.com/banshee-data/pose.window/internal/config"
	"github.com/banshee-data/pose.window/internal/estimation/state"
)

// Policy selects what triggers a new keyframe.
type Policy int

const (
	PolicyTime     Policy = iota // sensor time since the last frame
	PolicyDistance               // integrated travel distance
	PolicyRotation               // integrated heading change
	PolicyAny                    // whichever threshold trips first
)

func (p Policy) String() string {
	switch p {
	case PolicyTime:
		return config.KeyframePolicyTime
	case PolicyDistance:
		return config.KeyframePolicyDistance
	case PolicyRotation:
		return config.KeyframePolicyRotation
	case PolicyAny:
		return config.KeyframePolicyAny
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy maps a keyframe_policy name to a Policy.
func ParsePolicy(s string) (Policy, error) {
	for _, p := range []Policy{PolicyTime, PolicyDistance, PolicyRotation, PolicyAny} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("window: unknown keyframe policy %q", s)
}

// Config holds configuration parameters for the window manager.
type Config struct {
	WindowSize       int     // non-fixed frames kept in the window
	Policy           Policy  // keyframe trigger
	KeyframeTime     float64 // seconds; a frame is due when elapsed time exceeds it
	KeyframeDistance float64 // metres of integrated travel
	KeyframeRotation float64 // radians of integrated heading change
	ComplexAngle     bool    // store frame headings as (cos, sin)

	HitsToEstimate int // hits before a Candidate landmark becomes Estimated
	MissesToOld    int // misses before an OutOfView landmark becomes Old

	// Active search. GridCols or GridRows below 2 disables it.
	GridCols       int
	GridRows       int
	GridMargin     int
	GridSeparation int
	MaxNewFeatures int    // new landmarks per capture through active search
	Seed           uint64 // grid jitter seed; zero draws a random seed
}

// DefaultConfig returns window configuration loaded from the canonical
// tuning defaults file (config/tuning.defaults.json). Panics if the file
// cannot be found.
func DefaultConfig() Config {
	return ConfigFromTuning(config.MustLoadDefaultConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	policy, err := ParsePolicy(cfg.GetKeyframePolicy())
	if err != nil {
		policy = PolicyTime
	}
	return Config{
		WindowSize:       cfg.GetWindowSize(),
		Policy:           policy,
		KeyframeTime:     cfg.GetKeyframeTime(),
		KeyframeDistance: cfg.GetKeyframeDistance(),
		KeyframeRotation: cfg.GetKeyframeRotation(),
		ComplexAngle:     cfg.GetComplexAngle(),
		HitsToEstimate:   cfg.GetHitsToEstimate(),
		MissesToOld:      cfg.GetMissesToOld(),
		GridCols:         cfg.GetGridCols(),
		GridRows:         cfg.GetGridRows(),
		GridMargin:       cfg.GetGridMargin(),
		GridSeparation:   cfg.GetGridSeparation(),
		MaxNewFeatures:   cfg.GetMaxNewFeatures(),
	}
}

// Validate checks the fields the manager relies on.
func (c Config) Validate() error {
	if c.WindowSize < 1 {
		return fmt.Errorf("window: window size must be at least 1, got %d", c.WindowSize)
	}
	if c.HitsToEstimate < 1 || c.MissesToOld < 1 {
		return fmt.Errorf("window: hits_to_estimate and misses_to_old must be positive")
	}
	needTime := c.Policy == PolicyTime || c.Policy == PolicyAny
	needDist := c.Policy == PolicyDistance || c.Policy == PolicyAny
	needRot := c.Policy == PolicyRotation || c.Policy == PolicyAny
	switch {
	case c.Policy < PolicyTime || c.Policy > PolicyAny:
		return fmt.Errorf("window: invalid keyframe %s", c.Policy)
	case needTime && c.KeyframeTime <= 0:
		return fmt.Errorf("window: keyframe time must be positive")
	case needDist && c.KeyframeDistance <= 0:
		return fmt.Errorf("window: keyframe distance must be positive")
	case needRot && c.KeyframeRotation <= 0:
		return fmt.Errorf("window: keyframe rotation must be positive")
	}
	return nil
}

func (c Config) activeSearch() bool { return c.GridCols >= 2 && c.GridRows >= 2 }

func (c Config) orientation() state.Manifold {
	if c.ComplexAngle {
		return state.ComplexAngle
	}
	return state.Angle
}
