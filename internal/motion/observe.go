package motion

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/kejingjing/sensible/internal/geo"
	"github.com/kejingjing/sensible/internal/measurement"
)

// Observe converts a measurement into the measurement vector z and the
// covariance R to use for it. DSRC fixes are shifted by the bias estimate,
// take their position variance from the reported RMS when present, and have
// the position block rotated into the heading frame unless the model uses a
// spherical R.
func (m *Model) Observe(meas measurement.Measurement) (*mat.VecDense, *mat.SymDense) {
	theta := geo.HeadingToFrame(meas.Heading)
	x, y := meas.X, meas.Y
	vx, vy := velocity(meas.Speed, theta)

	if m.Topic != measurement.TopicDSRC {
		r := mat.NewSymDense(MeasDim, nil)
		r.CopySym(m.R)
		return mat.NewVecDense(MeasDim, []float64{x, y, vx, vy}), r
	}

	dx, dy := m.BiasEstimate(meas.Speed, theta)
	x += dx
	y += dy

	r := m.R
	if meas.HasRMS && !m.spherical {
		r = m.MeasurementCovariance(meas.RMSX, meas.RMSY)
	}
	var out *mat.SymDense
	if m.spherical {
		out = mat.NewSymDense(MeasDim, nil)
		out.CopySym(r)
	} else {
		out = RotatePosition(r, theta)
		vxx, vxy, vyy := velocityCovariance(meas.Speed, theta, m.speedStd, m.headingStdRd)
		out.SetSym(ZVX, ZVX, vxx)
		out.SetSym(ZVX, ZVY, vxy)
		out.SetSym(ZVY, ZVY, vyy)
	}
	return mat.NewVecDense(MeasDim, []float64{x, y, vx, vy}), out
}

// Parse builds the initial state for a new track from its first
// measurement. For CA models the acceleration is the finite difference of
// the decomposed velocity against prev divided by the elapsed time; prev may
// be nil, in which case acceleration starts at zero.
func (m *Model) Parse(meas measurement.Measurement, prev *measurement.Measurement) *mat.VecDense {
	z, _ := m.Observe(meas)

	x := mat.NewVecDense(m.layout.dim, nil)
	x.SetVec(m.layout.x, z.AtVec(ZX))
	x.SetVec(m.layout.y, z.AtVec(ZY))
	x.SetVec(m.layout.vx, z.AtVec(ZVX))
	x.SetVec(m.layout.vy, z.AtVec(ZVY))

	if !m.layout.hasAccel || prev == nil {
		return x
	}
	dt := meas.Timestamp - prev.Timestamp
	if dt <= 0 {
		dt = m.DT
	}
	pvx, pvy := velocity(prev.Speed, geo.HeadingToFrame(prev.Heading))
	x.SetVec(m.layout.ax, (z.AtVec(ZVX)-pvx)/dt)
	x.SetVec(m.layout.ay, (z.AtVec(ZVY)-pvy)/dt)
	return x
}

func velocity(speed, theta float64) (float64, float64) {
	sin, cos := math.Sincos(theta)
	return speed * cos, speed * sin
}
