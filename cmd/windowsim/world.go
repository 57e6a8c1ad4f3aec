package main

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/pose.window/internal/estimation/constraints"
	"github.com/banshee-data/pose.window/internal/estimation/report"
	"github.com/banshee-data/pose.window/internal/estimation/state"
)

// worldConfig describes the simulated vehicle and its sensors.
type worldConfig struct {
	Radius       float64 // circle the vehicle drives, metres
	Speed        float64 // m/s
	Rate         float64 // odometry rate, Hz
	Duration     float64 // seconds of sensor time
	Landmarks    int
	MaxRange     float64
	OdoSigmaD    float64 // per-step distance noise
	OdoSigmaR    float64 // per-step rotation noise
	RangeSigma   float64
	BearingSigma float64
	FixSigma     float64
	FixEvery     float64 // seconds between fixes; zero disables
	Seed         uint64
}

func defaultWorldConfig() worldConfig {
	return worldConfig{
		Radius:       10,
		Speed:        1,
		Rate:         50,
		Duration:     60,
		Landmarks:    40,
		MaxRange:     8,
		OdoSigmaD:    0.002,
		OdoSigmaR:    0.001,
		RangeSigma:   0.05,
		BearingSigma: 0.01,
		FixSigma:     0.5,
		FixEvery:     5,
		Seed:         1,
	}
}

// world holds the ground truth and draws noisy readings from it. Odometry
// and exteroceptive readings are drawn on different goroutines, so each has
// its own generator.
type world struct {
	cfg       worldConfig
	odo       *rand.Rand
	obs       *rand.Rand
	landmarks []report.Point
}

func newWorld(cfg worldConfig) *world {
	w := &world{
		cfg: cfg,
		odo: rand.New(rand.NewPCG(cfg.Seed, 1)),
		obs: rand.New(rand.NewPCG(cfg.Seed, 2)),
	}
	for i := 0; i < cfg.Landmarks; i++ {
		a := w.obs.Float64() * 2 * math.Pi
		r := cfg.Radius + (w.obs.Float64()*2-1)*cfg.MaxRange*0.6
		w.landmarks = append(w.landmarks, report.Point{X: r * math.Cos(a), Y: r * math.Sin(a)})
	}
	return w
}

// truth returns the vehicle pose at time t. The vehicle starts at the
// origin heading +x and circles counter-clockwise.
func (w *world) truth(t float64) constraints.Pose2D {
	omega := w.cfg.Speed / w.cfg.Radius
	a := omega * t
	return constraints.Pose2D{
		X:     w.cfg.Radius * math.Sin(a),
		Y:     w.cfg.Radius * (1 - math.Cos(a)),
		Theta: state.WrapAngle(a),
	}
}

func (w *world) steps() int { return int(w.cfg.Duration * w.cfg.Rate) }

// odometry returns one (distance, rotation) reading and its covariance.
func (w *world) odometry() ([]float64, *mat.SymDense) {
	dt := 1 / w.cfg.Rate
	d := w.cfg.Speed*dt + w.odo.NormFloat64()*w.cfg.OdoSigmaD
	r := w.cfg.Speed/w.cfg.Radius*dt + w.odo.NormFloat64()*w.cfg.OdoSigmaR
	return []float64{d, r}, diag(w.cfg.OdoSigmaD, w.cfg.OdoSigmaR)
}

// rangeBearing returns the flattened (range, bearing) pairs of every
// landmark within range of pose.
func (w *world) rangeBearing(pose constraints.Pose2D) []float64 {
	var out []float64
	for _, l := range w.landmarks {
		lx, ly := pose.ToLocal(l.X, l.Y)
		rng := math.Hypot(lx, ly)
		if rng > w.cfg.MaxRange {
			continue
		}
		out = append(out,
			rng+w.obs.NormFloat64()*w.cfg.RangeSigma,
			state.WrapAngle(math.Atan2(ly, lx)+w.obs.NormFloat64()*w.cfg.BearingSigma))
	}
	return out
}

func (w *world) fix(pose constraints.Pose2D) []float64 {
	return []float64{
		pose.X + w.obs.NormFloat64()*w.cfg.FixSigma,
		pose.Y + w.obs.NormFloat64()*w.cfg.FixSigma,
	}
}

func diag(a, b float64) *mat.SymDense {
	return mat.NewSymDense(2, []float64{a * a, 0, 0, b * b})
}
