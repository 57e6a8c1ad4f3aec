// Package sensors registers the measurement sources of a session and the
// detectors and matchers that turn their captures into features,
// landmarks and correspondences.
//
// A Registry replaces process-wide sensor lookup: the window manager is
// handed one and resolves every capture's sensor id through it.
package sensors

import (
	"errors"
	"fmt"
	"image"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/pose.window/internal/estimation/graph"
)

// Role says how the window manager processes a sensor's captures.
type Role int

const (
	// RoleMotion captures are integrated into the open frame and drive
	// keyframe creation.
	RoleMotion Role = iota
	// RoleLandmark captures are detected, matched against landmarks and
	// used to initialise new ones.
	RoleLandmark
	// RoleAbsolute captures constrain the frame directly.
	RoleAbsolute
)

func (r Role) String() string {
	switch r {
	case RoleMotion:
		return "motion"
	case RoleLandmark:
		return "landmark"
	case RoleAbsolute:
		return "absolute"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Measurement is one detection extracted from a capture.
type Measurement struct {
	Values     []float64
	Covariance *mat.SymDense
	Descriptor []float64
}

// Detector extracts measurements from a capture.
type Detector interface {
	Detect(c *graph.Capture) ([]Measurement, error)
}

// RegionDetector is a Detector that can also search a region of interest.
// Sensors implementing it get active search.
type RegionDetector interface {
	Detector
	// Pixel returns the image location of a measurement.
	Pixel(m Measurement) image.Point
	// DetectIn returns the best measurement inside roi.
	DetectIn(c *graph.Capture, roi image.Rectangle) (Measurement, bool)
	// ImageSize returns the sensor resolution.
	ImageSize() image.Point
}

// Matcher associates measurements with landmarks and builds constraints.
type Matcher interface {
	// Distance returns the squared Mahalanobis distance between m and the
	// landmark's predicted measurement. ok is false when l is gated out.
	Distance(c *graph.Capture, m Measurement, l *graph.Landmark) (d2 float64, ok bool)
	// Constrain links a feature to a landmark.
	Constrain(c *graph.Capture, f *graph.Feature, l *graph.Landmark) (graph.ConstraintSpec, error)
	// Initialize proposes a landmark for an unmatched measurement.
	Initialize(c *graph.Capture, m Measurement) (graph.LandmarkSpec, error)
}

// Visibility is implemented by matchers that know which landmarks a capture
// could have seen. Only visible landmarks accumulate misses.
type Visibility interface {
	Visible(c *graph.Capture, l *graph.Landmark) bool
}

// FrameConstrainer builds constraints that tie a feature to its own frame.
type FrameConstrainer interface {
	ConstrainFrame(c *graph.Capture, f *graph.Feature, fr *graph.Frame) (graph.ConstraintSpec, error)
}

// Entry is one registered sensor.
type Entry struct {
	Sensor   *graph.Sensor
	Role     Role
	Detector Detector
	Matcher  Matcher
	Absolute FrameConstrainer
}

var (
	// ErrUnknownSensor is returned for ids that were never registered.
	ErrUnknownSensor = errors.New("sensors: unknown sensor")
	// ErrIncompleteEntry is returned when an entry lacks what its role needs.
	ErrIncompleteEntry = errors.New("sensors: incomplete entry")
)

// Registry maps sensor ids to entries.
type Registry struct {
	entries map[string]Entry
	motion  string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds an entry. Exactly one motion sensor may be registered.
func (r *Registry) Register(e Entry) error {
	if e.Sensor == nil || e.Sensor.ID == "" {
		opsf("rejected entry without sensor")
		return fmt.Errorf("%w: missing sensor", ErrIncompleteEntry)
	}
	id := e.Sensor.ID
	if _, dup := r.entries[id]; dup {
		return fmt.Errorf("sensors: %q registered twice", id)
	}
	switch e.Role {
	case RoleMotion:
		if r.motion != "" {
			return fmt.Errorf("sensors: motion sensor already registered (%s)", r.motion)
		}
		r.motion = id
	case RoleLandmark:
		if e.Detector == nil || e.Matcher == nil {
			return fmt.Errorf("%w: %s needs a detector and a matcher", ErrIncompleteEntry, id)
		}
	case RoleAbsolute:
		if e.Detector == nil || e.Absolute == nil {
			return fmt.Errorf("%w: %s needs a detector and a frame constrainer", ErrIncompleteEntry, id)
		}
	default:
		return fmt.Errorf("%w: %s has role %s", ErrIncompleteEntry, id, e.Role)
	}
	r.entries[id] = e
	tracef("registered %s as %s", id, e.Role)
	return nil
}

// Lookup resolves a sensor id.
func (r *Registry) Lookup(id string) (Entry, error) {
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownSensor, id)
	}
	return e, nil
}

// Motion returns the motion sensor entry.
func (r *Registry) Motion() (Entry, bool) {
	e, ok := r.entries[r.motion]
	return e, ok
}

// IDs returns the registered sensor ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Install registers every sensor with the problem.
func (r *Registry) Install(p *graph.Problem) error {
	for _, id := range r.IDs() {
		if err := p.InstallSensor(r.entries[id].Sensor); err != nil {
			return fmt.Errorf("install %s: %w", id, err)
		}
	}
	return nil
}
