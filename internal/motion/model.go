// Package motion supplies the per-sensor Kalman matrices and the conversion
// from a Measurement into filter space.
//
// Every noise parameter is configured as a physical ± tolerance and turned
// into a standard deviation by dividing by the configured z-score, so that
// the tolerance is the 95% bound of a Gaussian. Variances are the squares
// of those deviations.
package motion

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/kejingjing/sensible/internal/config"
	"github.com/kejingjing/sensible/internal/measurement"
)

// Kind names a motion hypothesis.
type Kind string

const (
	ConstantVelocity     Kind = config.MotionCV
	ConstantAcceleration Kind = config.MotionCA
)

// ParseKind validates a configured motion model name.
func ParseKind(s string) (Kind, error) {
	if !config.KnownMotionModel(s) {
		return "", fmt.Errorf("%w %q", config.ErrUnknownMotionModel, s)
	}
	return Kind(s), nil
}

// MeasDim is the dimension of the measurement vector z = [x, y, vx, vy]
// shared by both sensors. It is also the chi-squared degrees of freedom used
// for gating.
const MeasDim = 4

// Indices into the measurement vector.
const (
	ZX = iota
	ZY
	ZVX
	ZVY
)

// Model holds the fixed matrices for one sensor and hypothesis. It is
// immutable after construction; per-message covariances are returned as
// fresh matrices.
type Model struct {
	Topic measurement.Topic
	Kind  Kind
	DT    float64

	F  *mat.Dense
	Q  *mat.SymDense
	P0 *mat.SymDense
	H  *mat.Dense
	// R is the configured measurement covariance before any per-message
	// adjustment.
	R  *mat.SymDense

	z            float64
	bias         float64
	spherical    bool
	speedStd     float64
	headingStdRd float64
	layout       layout
}

// layout maps the filter state onto positions and velocities.
type layout struct {
	dim       int
	x, vx, ax int
	y, vy, ay int
	hasAccel  bool
}

var (
	cvLayout = layout{dim: 4, x: 0, vx: 1, y: 2, vy: 3, ax: -1, ay: -1}
	caLayout = layout{dim: 6, x: 0, vx: 1, ax: 2, y: 3, vy: 4, ay: 5, hasAccel: true}
)

// New builds the model for a sensor from the models section of the config.
func New(topic measurement.Topic, cfg config.ModelsConfig, dt float64) (*Model, error) {
	name := cfg.Radar
	if topic == measurement.TopicDSRC {
		name = cfg.DSRC
	}
	kind, err := ParseKind(name)
	if err != nil {
		return nil, fmt.Errorf("%s motion model: %w", topic, err)
	}
	if dt <= 0 {
		return nil, fmt.Errorf("%s motion model: dt must be positive, got %v", topic, dt)
	}

	F, Q, P0 := Build(kind, dt, cfg.MaxAccel/cfg.ZScore, cfg.JerkStd)
	m := &Model{
		Topic: topic,
		Kind:  kind,
		DT:    dt,
		F:     F,
		Q:     Q,
		P0:    P0,
		z:     cfg.ZScore,
	}
	if kind == ConstantAcceleration {
		m.layout = caLayout
	} else {
		m.layout = cvLayout
	}
	m.H = observation(m.layout)

	switch topic {
	case measurement.TopicDSRC:
		m.bias = cfg.BiasConstant
		m.spherical = cfg.SphericalR
		m.speedStd = cfg.DSRCSpeedTolerance / cfg.ZScore
		m.headingStdRd = cfg.DSRCHeadingTolerance / cfg.ZScore * math.Pi / 180
		posMax := cfg.DSRCPosMaxTolerance / cfg.ZScore
		posMin := cfg.DSRCPosMinTolerance / cfg.ZScore
		if m.spherical {
			posMin = posMax
		}
		m.R = diag(posMax*posMax, posMin*posMin, m.speedStd*m.speedStd, m.speedStd*m.speedStd)
	default:
		pos := cfg.RadarPosTolerance / cfg.ZScore
		m.speedStd = cfg.RadarSpeedTolerance / cfg.ZScore
		m.R = diag(pos*pos, pos*pos, m.speedStd*m.speedStd, m.speedStd*m.speedStd)
	}
	return m, nil
}

// Dim returns the state dimension: 4 for CV, 6 for CA.
func (m *Model) Dim() int { return m.layout.dim }

// Build returns the dynamics F, process noise Q and initial covariance P0
// for a hypothesis. accelStd scales the white-acceleration model used by CV;
// jerkStd scales the white-jerk model used by CA.
func Build(kind Kind, dt, accelStd, jerkStd float64) (F *mat.Dense, Q, P0 *mat.SymDense) {
	dt2 := dt * dt
	dt3 := dt2 * dt
	dt4 := dt3 * dt
	dt5 := dt4 * dt

	if kind == ConstantAcceleration {
		F = mat.NewDense(6, 6, nil)
		Q = mat.NewSymDense(6, nil)
		block := [3][3]float64{
			{dt5 / 20, dt4 / 8, dt3 / 6},
			{dt4 / 8, dt3 / 3, dt2 / 2},
			{dt3 / 6, dt2 / 2, dt},
		}
		q := jerkStd * jerkStd
		for _, off := range []int{0, 3} {
			F.Set(off, off, 1)
			F.Set(off+1, off+1, 1)
			F.Set(off+2, off+2, 1)
			F.Set(off, off+1, dt)
			F.Set(off, off+2, dt2/2)
			F.Set(off+1, off+2, dt)
			for i := 0; i < 3; i++ {
				for j := i; j < 3; j++ {
					Q.SetSym(off+i, off+j, q*block[i][j])
				}
			}
		}
		P0 = mat.NewSymDense(6, nil)
		for i := 0; i < 6; i++ {
			P0.SetSym(i, i, 10*Q.At(i, i))
		}
		return F, Q, P0
	}

	F = mat.NewDense(4, 4, nil)
	Q = mat.NewSymDense(4, nil)
	q := accelStd * accelStd
	for _, off := range []int{0, 2} {
		F.Set(off, off, 1)
		F.Set(off+1, off+1, 1)
		F.Set(off, off+1, dt)
		Q.SetSym(off, off, q*dt3/3)
		Q.SetSym(off, off+1, q*dt2/2)
		Q.SetSym(off+1, off+1, q*dt)
	}
	P0 = mat.NewSymDense(4, nil)
	for i := 0; i < 4; i++ {
		P0.SetSym(i, i, 1)
	}
	return F, Q, P0
}

func observation(l layout) *mat.Dense {
	H := mat.NewDense(MeasDim, l.dim, nil)
	H.Set(ZX, l.x, 1)
	H.Set(ZY, l.y, 1)
	H.Set(ZVX, l.vx, 1)
	H.Set(ZVY, l.vy, 1)
	return H
}

func diag(v ...float64) *mat.SymDense {
	s := mat.NewSymDense(len(v), nil)
	for i, x := range v {
		s.SetSym(i, i, x)
	}
	return s
}

// Position returns the easting/northing held in a state vector.
func (m *Model) Position(x mat.Vector) (float64, float64) {
	return x.AtVec(m.layout.x), x.AtVec(m.layout.y)
}

// Velocity returns the easting/northing velocity held in a state vector.
func (m *Model) Velocity(x mat.Vector) (float64, float64) {
	return x.AtVec(m.layout.vx), x.AtVec(m.layout.vy)
}
