package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// Keyframe policy names accepted by keyframe_policy.
const (
	KeyframePolicyTime     = "time"
	KeyframePolicyDistance = "distance"
	KeyframePolicyRotation = "rotation"
	KeyframePolicyAny      = "any"
)

// TuningConfig represents the root configuration for an estimation session.
// Every field is optional; the Get* accessors supply defaults.
type TuningConfig struct {
	// State arena
	StateCapacity    *int  `json:"state_capacity,omitempty"`
	MaxStateCapacity *int  `json:"max_state_capacity,omitempty"`
	StrictTree       *bool `json:"strict_tree,omitempty"`

	// Sliding window
	WindowSize       *int     `json:"window_size,omitempty"`
	KeyframePolicy   *string  `json:"keyframe_policy,omitempty"`
	KeyframeTime     *float64 `json:"keyframe_time,omitempty"` // seconds of sensor time
	KeyframeDistance *float64 `json:"keyframe_distance,omitempty"`
	KeyframeRotation *float64 `json:"keyframe_rotation,omitempty"` // radians
	ComplexAngle     *bool    `json:"complex_angle,omitempty"`

	// Landmark tracking
	HitsToEstimate        *int     `json:"hits_to_estimate,omitempty"`
	MissesToOld           *int     `json:"misses_to_old,omitempty"`
	GatingDistanceSquared *float64 `json:"gating_distance_squared,omitempty"`

	// Active search
	GridCols       *int `json:"grid_cols,omitempty"`
	GridRows       *int `json:"grid_rows,omitempty"`
	GridMargin     *int `json:"grid_margin,omitempty"`
	GridSeparation *int `json:"grid_separation,omitempty"`
	MaxNewFeatures *int `json:"max_new_features,omitempty"`

	// Solver
	SolverMaxIterations *int     `json:"solver_max_iterations,omitempty"`
	SolverTolerance     *float64 `json:"solver_tolerance,omitempty"`
	SolverTimeout       *string  `json:"solver_timeout,omitempty"` // duration string like "250ms"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated from
// the Get* defaults.
func DefaultTuningConfig() *TuningConfig {
	e := EmptyTuningConfig()
	return &TuningConfig{
		StateCapacity:         ptrInt(e.GetStateCapacity()),
		MaxStateCapacity:      ptrInt(e.GetMaxStateCapacity()),
		StrictTree:            ptrBool(e.GetStrictTree()),
		WindowSize:            ptrInt(e.GetWindowSize()),
		KeyframePolicy:        ptrString(e.GetKeyframePolicy()),
		KeyframeTime:          ptrFloat64(e.GetKeyframeTime()),
		KeyframeDistance:      ptrFloat64(e.GetKeyframeDistance()),
		KeyframeRotation:      ptrFloat64(e.GetKeyframeRotation()),
		ComplexAngle:          ptrBool(e.GetComplexAngle()),
		HitsToEstimate:        ptrInt(e.GetHitsToEstimate()),
		MissesToOld:           ptrInt(e.GetMissesToOld()),
		GatingDistanceSquared: ptrFloat64(e.GetGatingDistanceSquared()),
		GridCols:              ptrInt(e.GetGridCols()),
		GridRows:              ptrInt(e.GetGridRows()),
		GridMargin:            ptrInt(e.GetGridMargin()),
		GridSeparation:        ptrInt(e.GetGridSeparation()),
		MaxNewFeatures:        ptrInt(e.GetMaxNewFeatures()),
		SolverMaxIterations:   ptrInt(e.GetSolverMaxIterations()),
		SolverTolerance:       ptrFloat64(e.GetSolverTolerance()),
		SolverTimeout:         ptrString(e.GetSolverTimeout().String()),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	// Try paths from current dir up to repo root
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,          // from internal/config/
		"../../../" + DefaultConfigPath,       // from internal/estimation/window/
		"../../../../" + DefaultConfigPath,    // from internal/estimation/storage/sqlite/
		"../../../../../" + DefaultConfigPath, // even deeper
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	positive := []struct {
		name string
		v    *int
	}{
		{"state_capacity", c.StateCapacity},
		{"window_size", c.WindowSize},
		{"hits_to_estimate", c.HitsToEstimate},
		{"misses_to_old", c.MissesToOld},
		{"solver_max_iterations", c.SolverMaxIterations},
	}
	for _, p := range positive {
		if p.v != nil && *p.v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, *p.v)
		}
	}

	nonNegative := []struct {
		name string
		v    *int
	}{
		{"grid_cols", c.GridCols},
		{"grid_rows", c.GridRows},
		{"grid_margin", c.GridMargin},
		{"grid_separation", c.GridSeparation},
		{"max_new_features", c.MaxNewFeatures},
	}
	for _, p := range nonNegative {
		if p.v != nil && *p.v < 0 {
			return fmt.Errorf("%s must be non-negative, got %d", p.name, *p.v)
		}
	}

	if c.MaxStateCapacity != nil && *c.MaxStateCapacity < c.GetStateCapacity() {
		return fmt.Errorf("max_state_capacity %d is below state_capacity %d", *c.MaxStateCapacity, c.GetStateCapacity())
	}

	if c.KeyframePolicy != nil {
		switch *c.KeyframePolicy {
		case KeyframePolicyTime, KeyframePolicyDistance, KeyframePolicyRotation, KeyframePolicyAny:
		default:
			return fmt.Errorf("unknown keyframe_policy %q", *c.KeyframePolicy)
		}
	}

	for name, v := range map[string]*float64{
		"keyframe_time":           c.KeyframeTime,
		"keyframe_distance":       c.KeyframeDistance,
		"keyframe_rotation":       c.KeyframeRotation,
		"gating_distance_squared": c.GatingDistanceSquared,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", name, *v)
		}
	}

	if c.SolverTolerance != nil && *c.SolverTolerance < 0 {
		return fmt.Errorf("solver_tolerance must be non-negative, got %f", *c.SolverTolerance)
	}

	// Validate SolverTimeout can be parsed if set
	if c.SolverTimeout != nil && *c.SolverTimeout != "" {
		if _, err := time.ParseDuration(*c.SolverTimeout); err != nil {
			return fmt.Errorf("invalid solver_timeout '%s': %w", *c.SolverTimeout, err)
		}
	}

	return nil
}

// GetStateCapacity returns the state_capacity value or the default.
func (c *TuningConfig) GetStateCapacity() int {
	if c.StateCapacity == nil {
		return 1024
	}
	return *c.StateCapacity
}

// GetMaxStateCapacity returns the max_state_capacity value or the default.
func (c *TuningConfig) GetMaxStateCapacity() int {
	if c.MaxStateCapacity == nil {
		return 1 << 24
	}
	return *c.MaxStateCapacity
}

// GetStrictTree returns the strict_tree value or the default.
func (c *TuningConfig) GetStrictTree() bool {
	if c.StrictTree == nil {
		return false // default: dangling references are returned, not panicked
	}
	return *c.StrictTree
}

// GetWindowSize returns the window_size value or the default.
func (c *TuningConfig) GetWindowSize() int {
	if c.WindowSize == nil {
		return 10
	}
	return *c.WindowSize
}

// GetKeyframePolicy returns the keyframe_policy value or the default.
func (c *TuningConfig) GetKeyframePolicy() string {
	if c.KeyframePolicy == nil || *c.KeyframePolicy == "" {
		return KeyframePolicyTime
	}
	return *c.KeyframePolicy
}

// GetKeyframeTime returns the keyframe_time value or the default.
func (c *TuningConfig) GetKeyframeTime() float64 {
	if c.KeyframeTime == nil {
		return 0.1
	}
	return *c.KeyframeTime
}

// GetKeyframeDistance returns the keyframe_distance value or the default.
func (c *TuningConfig) GetKeyframeDistance() float64 {
	if c.KeyframeDistance == nil {
		return 1.0
	}
	return *c.KeyframeDistance
}

// GetKeyframeRotation returns the keyframe_rotation value or the default.
func (c *TuningConfig) GetKeyframeRotation() float64 {
	if c.KeyframeRotation == nil {
		return 0.35
	}
	return *c.KeyframeRotation
}

// GetComplexAngle returns the complex_angle value or the default.
func (c *TuningConfig) GetComplexAngle() bool {
	if c.ComplexAngle == nil {
		return false
	}
	return *c.ComplexAngle
}

// GetHitsToEstimate returns the hits_to_estimate value or the default.
func (c *TuningConfig) GetHitsToEstimate() int {
	if c.HitsToEstimate == nil {
		return 3
	}
	return *c.HitsToEstimate
}

// GetMissesToOld returns the misses_to_old value or the default.
func (c *TuningConfig) GetMissesToOld() int {
	if c.MissesToOld == nil {
		return 5
	}
	return *c.MissesToOld
}

// GetGatingDistanceSquared returns the gating_distance_squared value or the default.
func (c *TuningConfig) GetGatingDistanceSquared() float64 {
	if c.GatingDistanceSquared == nil {
		return 9.21
	}
	return *c.GatingDistanceSquared
}

// GetGridCols returns the grid_cols value or the default.
func (c *TuningConfig) GetGridCols() int {
	if c.GridCols == nil {
		return 4
	}
	return *c.GridCols
}

// GetGridRows returns the grid_rows value or the default.
func (c *TuningConfig) GetGridRows() int {
	if c.GridRows == nil {
		return 4
	}
	return *c.GridRows
}

// GetGridMargin returns the grid_margin value or the default.
func (c *TuningConfig) GetGridMargin() int {
	if c.GridMargin == nil {
		return 5
	}
	return *c.GridMargin
}

// GetGridSeparation returns the grid_separation value or the default.
func (c *TuningConfig) GetGridSeparation() int {
	if c.GridSeparation == nil {
		return 10
	}
	return *c.GridSeparation
}

// GetMaxNewFeatures returns the max_new_features value or the default.
func (c *TuningConfig) GetMaxNewFeatures() int {
	if c.MaxNewFeatures == nil {
		return 5
	}
	return *c.MaxNewFeatures
}

// GetSolverMaxIterations returns the solver_max_iterations value or the default.
func (c *TuningConfig) GetSolverMaxIterations() int {
	if c.SolverMaxIterations == nil {
		return 20
	}
	return *c.SolverMaxIterations
}

// GetSolverTolerance returns the solver_tolerance value or the default.
func (c *TuningConfig) GetSolverTolerance() float64 {
	if c.SolverTolerance == nil {
		return 1e-6
	}
	return *c.SolverTolerance
}

// GetSolverTimeout parses and returns the SolverTimeout as a time.Duration.
func (c *TuningConfig) GetSolverTimeout() time.Duration {
	if c.SolverTimeout == nil || *c.SolverTimeout == "" {
		return 500 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.SolverTimeout)
	if err != nil {
		return 500 * time.Millisecond // default on parse error
	}
	return d
}
