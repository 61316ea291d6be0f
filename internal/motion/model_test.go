package motion

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/kejingjing/sensible/internal/config"
	"github.com/kejingjing/sensible/internal/measurement"
)

const dt = 0.2

func newModel(t *testing.T, topic measurement.Topic, kind string) *Model {
	t.Helper()
	cfg := config.Defaults().Models
	cfg.Radar, cfg.DSRC = kind, kind
	m, err := New(topic, cfg, dt)
	require.NoError(t, err)
	return m
}

func assertSymmetric(t *testing.T, s mat.Matrix) {
	t.Helper()
	r, c := s.Dims()
	require.Equal(t, r, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			assert.InDelta(t, s.At(i, j), s.At(j, i), 1e-12, "(%d,%d)", i, j)
		}
	}
}

// ----------------------------------------------------------------------------
// Build
// ----------------------------------------------------------------------------

func TestBuild_ConstantVelocity(t *testing.T) {
	accel := 4 / 3.49
	F, Q, P0 := Build(ConstantVelocity, dt, accel, 0.01)

	r, c := F.Dims()
	require.Equal(t, 4, r)
	require.Equal(t, 4, c)
	assert.Equal(t, dt, F.At(0, 1))
	assert.Equal(t, dt, F.At(2, 3))
	assert.Equal(t, 0.0, F.At(1, 0))
	for i := 0; i < 4; i++ {
		assert.Equal(t, 1.0, F.At(i, i))
		assert.Equal(t, 1.0, P0.At(i, i))
	}

	q := accel * accel
	assert.InDelta(t, q*math.Pow(dt, 3)/3, Q.At(0, 0), 1e-15)
	assert.InDelta(t, q*dt*dt/2, Q.At(0, 1), 1e-15)
	assert.InDelta(t, q*dt, Q.At(1, 1), 1e-15)
	assert.Equal(t, 0.0, Q.At(0, 2))
	assertSymmetric(t, Q)
}

func TestBuild_ConstantAcceleration(t *testing.T) {
	F, Q, P0 := Build(ConstantAcceleration, dt, 1, 0.01)

	r, _ := F.Dims()
	require.Equal(t, 6, r)
	assert.Equal(t, dt, F.At(0, 1))
	assert.InDelta(t, dt*dt/2, F.At(0, 2), 1e-15)
	assert.Equal(t, dt, F.At(1, 2))
	assert.Equal(t, dt, F.At(3, 4))
	assert.InDelta(t, dt*dt/2, F.At(3, 5), 1e-15)

	// Jerk deviation 0.01 gives the 1e-4 scale.
	assert.InDelta(t, 1e-4*math.Pow(dt, 5)/20, Q.At(0, 0), 1e-18)
	assert.InDelta(t, 1e-4*math.Pow(dt, 4)/8, Q.At(0, 1), 1e-18)
	assert.InDelta(t, 1e-4*math.Pow(dt, 3)/6, Q.At(0, 2), 1e-18)
	assert.InDelta(t, 1e-4*dt, Q.At(5, 5), 1e-18)
	assert.Equal(t, 0.0, Q.At(0, 3))
	assertSymmetric(t, Q)

	for i := 0; i < 6; i++ {
		assert.InDelta(t, 10*Q.At(i, i), P0.At(i, i), 1e-18)
		for j := 0; j < 6; j++ {
			if i != j {
				assert.Equal(t, 0.0, P0.At(i, j))
			}
		}
	}
}

func TestNew(t *testing.T) {
	cv := newModel(t, measurement.TopicDSRC, "CV")
	assert.Equal(t, 4, cv.Dim())
	ca := newModel(t, measurement.TopicRadar, "CA")
	assert.Equal(t, 6, ca.Dim())

	cfg := config.Defaults().Models
	cfg.DSRC = "IMM"
	_, err := New(measurement.TopicDSRC, cfg, dt)
	assert.True(t, errors.Is(err, config.ErrUnknownMotionModel))

	_, err = New(measurement.TopicRadar, config.Defaults().Models, 0)
	assert.Error(t, err)
}

func TestNew_MeasurementCovarianceFromTolerances(t *testing.T) {
	z := 3.49
	dsrc := newModel(t, measurement.TopicDSRC, "CV")
	assert.InDelta(t, math.Pow(1.85/z, 2), dsrc.R.At(ZX, ZX), 1e-12)
	assert.InDelta(t, math.Pow(0.51/z, 2), dsrc.R.At(ZY, ZY), 1e-12)
	assert.InDelta(t, math.Pow(0.25/z, 2), dsrc.R.At(ZVX, ZVX), 1e-12)

	radar := newModel(t, measurement.TopicRadar, "CV")
	assert.InDelta(t, math.Pow(5/z, 2), radar.R.At(ZX, ZX), 1e-12)
	assert.InDelta(t, math.Pow(5/z, 2), radar.R.At(ZY, ZY), 1e-12)
	assert.InDelta(t, math.Pow(0.5/z, 2), radar.R.At(ZVY, ZVY), 1e-12)

	cfg := config.Defaults().Models
	cfg.SphericalR = true
	sph, err := New(measurement.TopicDSRC, cfg, dt)
	require.NoError(t, err)
	assert.Equal(t, sph.R.At(ZX, ZX), sph.R.At(ZY, ZY))
}

func TestH_SelectsPositionAndVelocity(t *testing.T) {
	for _, kind := range []string{"CV", "CA"} {
		t.Run(kind, func(t *testing.T) {
			m := newModel(t, measurement.TopicRadar, kind)
			x := mat.NewVecDense(m.Dim(), nil)
			for i := 0; i < m.Dim(); i++ {
				x.SetVec(i, float64(i+1))
			}
			var z mat.VecDense
			z.MulVec(m.H, x)
			px, py := m.Position(x)
			vx, vy := m.Velocity(x)
			assert.Equal(t, []float64{px, py, vx, vy}, z.RawVector().Data)
		})
	}
}

// ----------------------------------------------------------------------------
// Covariance helpers
// ----------------------------------------------------------------------------

func TestRotateCovariance_ZeroIsIdentity(t *testing.T) {
	m := newModel(t, measurement.TopicDSRC, "CV")
	got := m.RotateCovariance(0)
	assert.True(t, mat.EqualApprox(m.R, got, 1e-15))
}

func TestRotateCovariance_InverseRestores(t *testing.T) {
	m := newModel(t, measurement.TopicDSRC, "CV")
	for _, theta := range []float64{0.3, math.Pi / 2, -2.1, math.Pi} {
		rotated := m.RotateCovariance(theta)
		back := RotatePosition(rotated, -theta)
		assert.True(t, mat.EqualApprox(m.R, back, 1e-12), "theta %v", theta)
		assertSymmetric(t, rotated)
	}

	// A quarter turn swaps the major and minor axes.
	q := m.RotateCovariance(math.Pi / 2)
	assert.InDelta(t, m.R.At(ZY, ZY), q.At(ZX, ZX), 1e-12)
	assert.InDelta(t, m.R.At(ZX, ZX), q.At(ZY, ZY), 1e-12)
}

func TestBatchRotateCovariance(t *testing.T) {
	m := newModel(t, measurement.TopicDSRC, "CV")
	thetas := []float64{0, 0.5, 1.0}
	batch := m.BatchRotateCovariance(thetas)
	require.Len(t, batch, 3)
	for i, theta := range thetas {
		assert.True(t, mat.EqualApprox(m.RotateCovariance(theta), batch[i], 1e-15))
	}
}

func TestMeasurementCovariance(t *testing.T) {
	m := newModel(t, measurement.TopicDSRC, "CV")
	before := mat.DenseCopyOf(m.R)

	r := m.MeasurementCovariance(1.2, 0.4)
	assert.InDelta(t, math.Pow(1.2/3.49, 2), r.At(ZX, ZX), 1e-12)
	assert.InDelta(t, math.Pow(0.4/3.49, 2), r.At(ZY, ZY), 1e-12)
	assert.Equal(t, m.R.At(ZVX, ZVX), r.At(ZVX, ZVX))
	assert.True(t, mat.Equal(before, m.R), "configured R must not change")

	radar := newModel(t, measurement.TopicRadar, "CV")
	assert.True(t, mat.Equal(radar.R, radar.MeasurementCovariance(9, 9)))
}

func TestBiasEstimate(t *testing.T) {
	m := newModel(t, measurement.TopicDSRC, "CV")
	dx, dy := m.BiasEstimate(10, 0)
	assert.InDelta(t, -1.67, dx, 1e-12)
	assert.InDelta(t, 0, dy, 1e-12)

	dx, dy = m.BiasEstimate(10, math.Pi/2)
	assert.InDelta(t, 0, dx, 1e-12)
	assert.InDelta(t, -1.67, dy, 1e-12)
}

// ----------------------------------------------------------------------------
// Observe / Parse
// ----------------------------------------------------------------------------

func TestObserve_Radar(t *testing.T) {
	m := newModel(t, measurement.TopicRadar, "CV")
	z, r := m.Observe(measurement.Measurement{
		Topic: measurement.TopicRadar, VehicleID: "3",
		X: 100, Y: 200, Speed: 10, Heading: 90,
	})
	assert.InDeltaSlice(t, []float64{100, 200, 10, 0}, z.RawVector().Data, 1e-9)
	assert.True(t, mat.Equal(m.R, r))
}

func TestObserve_DSRC(t *testing.T) {
	m := newModel(t, measurement.TopicDSRC, "CV")
	meas := measurement.Measurement{
		Topic: measurement.TopicDSRC, VehicleID: "a1",
		X: 100, Y: 200, Speed: 10, Heading: 0, HasHeading: true,
	}
	z, r := m.Observe(meas)
	// Heading north: velocity along +y, bias pulls the fix back south.
	assert.InDeltaSlice(t, []float64{100, 200 - 1.67, 0, 10}, z.RawVector().Data, 1e-9)
	assertSymmetric(t, r)
	// Along-track variance ends up on the northing axis.
	assert.InDelta(t, m.R.At(ZX, ZX), r.At(ZY, ZY), 1e-12)
	assert.InDelta(t, math.Pow(0.25/3.49, 2), r.At(ZVY, ZVY), 1e-12)

	meas.HasRMS, meas.RMSX, meas.RMSY = true, 3.49, 3.49
	_, r = m.Observe(meas)
	assert.InDelta(t, 1, r.At(ZX, ZX), 1e-12)
	assert.InDelta(t, 1, r.At(ZY, ZY), 1e-12)
}

func TestParse_ConstantVelocity(t *testing.T) {
	m := newModel(t, measurement.TopicRadar, "CV")
	x := m.Parse(measurement.Measurement{
		Topic: measurement.TopicRadar, VehicleID: "1",
		X: 5, Y: 6, Speed: 10, Heading: 90,
	}, nil)
	assert.InDeltaSlice(t, []float64{5, 10, 6, 0}, x.RawVector().Data, 1e-9)
}

func TestParse_ConstantAcceleration(t *testing.T) {
	m := newModel(t, measurement.TopicRadar, "CA")
	prev := measurement.Measurement{Topic: measurement.TopicRadar, VehicleID: "1", Timestamp: 10, Speed: 8, Heading: 90}
	cur := measurement.Measurement{Topic: measurement.TopicRadar, VehicleID: "1", Timestamp: 10.5, X: 5, Y: 6, Speed: 10, Heading: 90}

	x := m.Parse(cur, &prev)
	assert.InDeltaSlice(t, []float64{5, 10, 4, 6, 0, 0}, x.RawVector().Data, 1e-9)

	// Without a usable time step the model's dt is used.
	prev.Timestamp = cur.Timestamp
	x = m.Parse(cur, &prev)
	assert.InDelta(t, 2/dt, x.AtVec(2), 1e-9)

	x = m.Parse(cur, nil)
	assert.Equal(t, 0.0, x.AtVec(2))
	assert.Equal(t, 0.0, x.AtVec(5))
}
