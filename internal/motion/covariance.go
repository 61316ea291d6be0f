package motion

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/kejingjing/sensible/internal/measurement"
)

// MeasurementCovariance returns R with its position diagonal replaced by the
// per-message RMS errors reported by the radio. The configured R is left
// untouched. Radar models ignore the RMS terms and return a copy of R.
func (m *Model) MeasurementCovariance(rmsX, rmsY float64) *mat.SymDense {
	r := mat.NewSymDense(MeasDim, nil)
	r.CopySym(m.R)
	if m.Topic != measurement.TopicDSRC {
		return r
	}
	sx, sy := rmsX/m.z, rmsY/m.z
	r.SetSym(ZX, ZX, sx*sx)
	r.SetSym(ZY, ZY, sy*sy)
	r.SetSym(ZX, ZY, 0)
	return r
}

// RotateCovariance rotates the position block of the configured R into the
// heading frame given by theta (radians from easting).
func (m *Model) RotateCovariance(theta float64) *mat.SymDense {
	return RotatePosition(m.R, theta)
}

// BatchRotateCovariance applies RotateCovariance for every heading.
func (m *Model) BatchRotateCovariance(thetas []float64) []*mat.SymDense {
	out := make([]*mat.SymDense, len(thetas))
	for i, theta := range thetas {
		out[i] = m.RotateCovariance(theta)
	}
	return out
}

// RotatePosition returns a copy of r whose leading 2×2 block is
// rot(θ)·r[0:2,0:2]·rot(θ)ᵀ. The remaining entries are copied unchanged.
func RotatePosition(r mat.Symmetric, theta float64) *mat.SymDense {
	n := r.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	out.CopySym(r)

	sin, cos := math.Sincos(theta)
	rot := mat.NewDense(2, 2, []float64{cos, -sin, sin, cos})
	block := mat.NewDense(2, 2, []float64{
		r.At(0, 0), r.At(0, 1),
		r.At(1, 0), r.At(1, 1),
	})

	var tmp, rotated mat.Dense
	tmp.Mul(rot, block)
	rotated.Mul(&tmp, rot.T())

	out.SetSym(0, 0, rotated.At(0, 0))
	out.SetSym(1, 1, rotated.At(1, 1))
	out.SetSym(0, 1, (rotated.At(0, 1)+rotated.At(1, 0))/2)
	return out
}

// velocityCovariance returns the covariance of a velocity decomposed from a
// speed with deviation speedStd and a heading with deviation headingStd
// (radians), aligned with theta.
func velocityCovariance(speed, theta, speedStd, headingStd float64) (vxx, vxy, vyy float64) {
	along := speedStd * speedStd
	cross := speed * headingStd
	cross *= cross
	sin, cos := math.Sincos(theta)
	vxx = cos*cos*along + sin*sin*cross
	vyy = sin*sin*along + cos*cos*cross
	vxy = sin * cos * (along - cross)
	return vxx, vxy, vyy
}

// BiasEstimate returns the correction for the fixed forward bias of the
// reported GPS antenna position: the bias vector b·v·(cos θ, sin θ) rotated
// by π.
func (m *Model) BiasEstimate(speed, theta float64) (dx, dy float64) {
	bx := m.bias * speed * math.Cos(theta)
	by := m.bias * speed * math.Sin(theta)
	sin, cos := math.Sincos(math.Pi)
	return cos*bx - sin*by, sin*bx + cos*by
}
