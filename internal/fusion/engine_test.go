package fusion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/kejingjing/sensible/internal/bus"
	"github.com/kejingjing/sensible/internal/config"
	"github.com/kejingjing/sensible/internal/kalman"
	"github.com/kejingjing/sensible/internal/measurement"
	"github.com/kejingjing/sensible/internal/timeutil"
)

// eastbound returns a radar report of a vehicle travelling due east.
func eastbound(id string, ts, x, speed float64) measurement.Measurement {
	return measurement.Measurement{
		Topic:     measurement.TopicRadar,
		VehicleID: id,
		Timestamp: ts,
		X:         x,
		Y:         100,
		Speed:     speed,
		Heading:   90,
		Lane:      1,
	}
}

func newEngine(t *testing.T, mutate func(*config.Config), opts ...Option) *Engine {
	t.Helper()
	cfg := config.Defaults()
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())
	e, err := New(cfg, opts...)
	require.NoError(t, err)
	return e
}

func TestNew_UnknownMotionModel(t *testing.T) {
	cfg := config.Defaults()
	cfg.Models.DSRC = "CT"
	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrUnknownMotionModel))
}

func TestGateThreshold(t *testing.T) {
	f := config.Defaults().Fusion
	assert.Equal(t, 35.0, GateThreshold(f))

	f.Significance = 0.05
	assert.InDelta(t, 9.4877, GateThreshold(f), 1e-3)
}

func TestStep_RadarOnlyConfirmsOneTrack(t *testing.T) {
	e := newEngine(t, nil)
	dt := 0.2

	var reports []Report
	for k := 0; k < 5; k++ {
		now := float64(k) * dt
		reports = append(reports, e.Step(now, []measurement.Measurement{eastbound("7", now, 2*float64(k), 10)}))
	}

	require.Equal(t, 1, e.Len())
	assert.Empty(t, reports[0].Updates)
	assert.Empty(t, reports[1].Updates)
	assert.Empty(t, reports[2].Updates)

	require.Len(t, reports[3].Updates, 1, "confirmed after M matched cycles")
	u := reports[3].Updates[0]
	assert.Equal(t, Confirmed, u.State)
	assert.True(t, u.Announce)
	assert.InDelta(t, 10, u.Speed, 1e-6)
	assert.InDelta(t, 10, u.VX, 1e-6)
	assert.InDelta(t, 0, u.VY, 1e-6)
	assert.InDelta(t, 90, u.Heading, 1e-6)
	assert.InDelta(t, 6, u.X, 1e-6)
	assert.Equal(t, 3, u.Hits)

	require.Len(t, reports[4].Updates, 1)
	assert.False(t, reports[4].Updates[0].Announce, "announced once per episode")

	require.Len(t, reports[0].Events, 1)
	assert.Equal(t, Created, reports[0].Events[0].Transition)
	assert.Empty(t, reports[2].Events)
	require.Len(t, reports[3].Events, 1)
	assert.Equal(t, Promoted, reports[3].Events[0].Transition)

	assert.Equal(t, uint64(4), e.Stats().Matches.Load())
	assert.Equal(t, uint64(1), e.Stats().Confirmed.Load())
}

func TestStep_MissBeforeConfirmStaysUnconfirmed(t *testing.T) {
	e := newEngine(t, nil)
	e.Step(0, []measurement.Measurement{eastbound("7", 0, 0, 10)})
	e.Step(0.2, []measurement.Measurement{eastbound("7", 0.2, 2, 10)})
	e.Step(0.4, []measurement.Measurement{eastbound("7", 0.4, 4, 10)})
	rep := e.Step(0.6, nil)

	assert.Empty(t, rep.Updates)
	assert.Empty(t, rep.Events)
	snap := e.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, Unconfirmed, snap[0].State)
	assert.Equal(t, 2, snap[0].Hits, "a miss leaves hits alone")
	assert.Equal(t, 1, snap[0].Misses)

	rep = e.Step(0.8, []measurement.Measurement{eastbound("7", 0.8, 8, 10)})
	require.Len(t, rep.Events, 1)
	assert.Equal(t, Promoted, rep.Events[0].Transition)
	require.Len(t, rep.Updates, 1)
	assert.Equal(t, 3, rep.Updates[0].Hits)
}

func TestStep_ConfirmOnFirstMatch(t *testing.T) {
	e := newEngine(t, func(c *config.Config) { c.Fusion.ConfirmHits = 1 })
	rep := e.Step(0, []measurement.Measurement{eastbound("7", 0, 0, 10)})
	assert.Empty(t, rep.Updates, "a new track is never confirmed")
	require.Len(t, rep.Events, 1)
	assert.Equal(t, Created, rep.Events[0].Transition)

	rep = e.Step(0.2, []measurement.Measurement{eastbound("7", 0.2, 2, 10)})
	require.Len(t, rep.Updates, 1)
	assert.True(t, rep.Updates[0].Announce)
}

func TestStep_GateRejectsDistantMeasurement(t *testing.T) {
	e := newEngine(t, nil)
	e.Step(0, []measurement.Measurement{eastbound("1", 0, 0, 10)})

	// Predicted position is x=2; 20 m further is far outside the gate.
	rep := e.Step(0.2, []measurement.Measurement{eastbound("1", 0.2, 22, 10)})
	assert.Equal(t, 2, e.Len())
	require.Len(t, rep.Events, 1)
	assert.Equal(t, Created, rep.Events[0].Transition)
	assert.Equal(t, uint64(2), rep.Events[0].TrackID)

	snap := e.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, 1, snap[0].Misses)
	assert.Equal(t, 0, snap[0].Hits)
}

func TestStep_GreedyAssignment(t *testing.T) {
	e := newEngine(t, nil)
	e.Step(0, []measurement.Measurement{
		eastbound("a", 0, 0, 10),
		eastbound("b", 0, 4, 10),
	})
	// Predictions: track 1 at x=2, track 2 at x=6.
	e.Step(0.2, []measurement.Measurement{
		eastbound("p", 0.2, 5, 10),
		eastbound("q", 0.2, 3.9, 10),
	})

	snap := e.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "q", snap[0].VehicleID)
	assert.Equal(t, "p", snap[1].VehicleID)
	assert.Equal(t, 1, snap[0].Hits)
	assert.Equal(t, 1, snap[1].Hits)
}

func TestStep_TiesGoToLowerTrackID(t *testing.T) {
	e := newEngine(t, nil)
	e.Step(0, []measurement.Measurement{
		eastbound("a", 0, 0, 10),
		eastbound("b", 0, 0, 10),
	})
	e.Step(0.2, []measurement.Measurement{eastbound("c", 0.2, 2, 10)})

	snap := e.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, uint64(1), snap[0].TrackID)
	assert.Equal(t, 1, snap[0].Hits)
	assert.Equal(t, 0, snap[0].Misses)
	assert.Equal(t, 0, snap[1].Hits)
	assert.Equal(t, 1, snap[1].Misses)
}

func TestStep_BatchCollapsesPerVehicle(t *testing.T) {
	e := newEngine(t, nil)
	e.Step(0, []measurement.Measurement{
		eastbound("a", 0.1, 1, 10),
		eastbound("a", 0.0, 0, 10),
	})
	snap := e.Snapshot()
	require.Len(t, snap, 1)
	assert.InDelta(t, 1, snap[0].X, 1e-9, "latest timestamp wins")
}

func TestStep_LifecycleThroughDeletion(t *testing.T) {
	e := newEngine(t, nil)
	e.Step(0, []measurement.Measurement{eastbound("1", 0, 0, 10)})

	var transitions []Transition
	for k := 1; k <= 7; k++ {
		rep := e.Step(float64(k)*0.2, nil)
		for _, ev := range rep.Events {
			transitions = append(transitions, ev.Transition)
		}
		if k < 7 {
			assert.Equal(t, 1, e.Len(), "cycle %d", k)
		}
	}
	assert.Equal(t, []Transition{Zombified, Deleted}, transitions)
	assert.Equal(t, 0, e.Len())

	// Ids are never reused.
	rep := e.Step(2, []measurement.Measurement{eastbound("1", 2, 0, 10)})
	require.Len(t, rep.Events, 1)
	assert.Equal(t, uint64(2), rep.Events[0].TrackID)
}

func TestStep_ZombieRecovers(t *testing.T) {
	e := newEngine(t, func(c *config.Config) {
		c.Fusion.ZombieMisses = 1
	})
	e.Step(0, []measurement.Measurement{eastbound("1", 0, 0, 10)})
	rep := e.Step(0.2, nil)
	require.Len(t, rep.Events, 1)
	assert.Equal(t, Zombified, rep.Events[0].Transition)

	rep = e.Step(0.4, []measurement.Measurement{eastbound("1", 0.4, 4, 10)})
	require.Len(t, rep.Events, 1)
	assert.Equal(t, Recovered, rep.Events[0].Transition)
	snap := e.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, Unconfirmed, snap[0].State)
	assert.Equal(t, 0, snap[0].Hits)
}

func TestStep_NScanWindow(t *testing.T) {
	t.Run("unmatched measurement waits n_scan cycles", func(t *testing.T) {
		e := newEngine(t, func(c *config.Config) { c.Fusion.NScan = 2 })
		e.Step(0, []measurement.Measurement{eastbound("1", 0, 0, 10)})
		assert.Equal(t, 0, e.Len())
		e.Step(0.2, nil)
		assert.Equal(t, 1, e.Len())
	})

	t.Run("newer report supersedes and inherits age", func(t *testing.T) {
		e := newEngine(t, func(c *config.Config) { c.Fusion.NScan = 2 })
		e.Step(0, []measurement.Measurement{eastbound("1", 0, 0, 10)})
		e.Step(0.2, []measurement.Measurement{eastbound("1", 0.2, 2, 10)})
		snap := e.Snapshot()
		require.Len(t, snap, 1)
		assert.InDelta(t, 2, snap[0].X, 1e-9)
	})
}

func TestStep_SingularInnovationIsRejected(t *testing.T) {
	e := newEngine(t, nil)
	e.Step(0, []measurement.Measurement{eastbound("1", 0, 0, 10)})

	bad := mat.NewSymDense(4, nil)
	for i := 0; i < 4; i++ {
		bad.SetSym(i, i, -100)
	}
	e.tracks[1].P = bad

	e.Step(0.2, []measurement.Measurement{eastbound("1", 0.2, 2, 10)})
	assert.Equal(t, uint64(1), e.Stats().Singular.Load())
	assert.Equal(t, uint64(0), e.Stats().Matches.Load())
	assert.Equal(t, 2, e.Len(), "rejected measurement spawns its own track")
	assert.Equal(t, 1, e.tracks[1].Misses)
}

func TestStep_DSRCUpdatesRadarTrack(t *testing.T) {
	e := newEngine(t, nil)
	e.Step(0, []measurement.Measurement{eastbound("r1", 0, 0, 10)})

	d := measurement.Measurement{
		Topic:      measurement.TopicDSRC,
		VehicleID:  "obu",
		Timestamp:  0.2,
		X:          2,
		Y:          100,
		Speed:      10,
		Heading:    90,
		HasHeading: true,
	}
	e.Step(0.2, []measurement.Measurement{d})
	snap := e.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, measurement.TopicRadar, snap[0].Origin)
	assert.Equal(t, "obu", snap[0].VehicleID)
	assert.Equal(t, 1, snap[0].Hits)
}

func TestStep_DSRCConstantAcceleration(t *testing.T) {
	e := newEngine(t, func(c *config.Config) {
		c.Models.DSRC = config.MotionCA
		c.Fusion.NScan = 2
	})
	obu := func(ts, x, speed float64) measurement.Measurement {
		return measurement.Measurement{
			Topic:      measurement.TopicDSRC,
			VehicleID:  "obu",
			Timestamp:  ts,
			X:          x,
			Y:          100,
			Speed:      speed,
			Heading:    90,
			HasHeading: true,
		}
	}

	// The first fix waits in the window; the second spawns the track with
	// its acceleration taken from the pair.
	e.Step(0, []measurement.Measurement{obu(0, 0, 10)})
	require.Equal(t, 0, e.Len())
	e.Step(0.2, []measurement.Measurement{obu(0.2, 2, 11)})
	require.Equal(t, 1, e.Len())

	tr := e.tracks[1]
	require.Equal(t, 6, tr.Model.Dim())
	assert.InDelta(t, 5, tr.X.AtVec(2), 1e-9, "ax")
	assert.InDelta(t, 0, tr.X.AtVec(5), 1e-9, "ay")

	// x advances by v*dt + a*dt²/2; the bias shift grows with speed.
	e.Step(0.4, []measurement.Measurement{obu(0.4, 2+2.3+0.167, 12)})
	assert.Equal(t, uint64(1), e.Stats().Matches.Load())
	assert.Equal(t, uint64(0), e.Stats().UpdateFailures.Load())
	snap := e.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].Hits)
	assert.InDelta(t, 12, snap[0].VX, 0.05)
	assert.InDelta(t, 5, e.tracks[1].X.AtVec(2), 0.05)
}

func TestStep_PrevHoldsOnlyLastBatch(t *testing.T) {
	e := newEngine(t, nil)
	for k := 0; k < 200; k++ {
		now := float64(k) * 0.2
		e.Step(now, []measurement.Measurement{
			eastbound(strconv.Itoa(k), now, 0, 10),
			eastbound(strconv.Itoa(k), now-0.1, 0, 10),
		})
		require.Len(t, e.prev, 1, "cycle %d", k)
	}
	assert.InDelta(t, 199*0.2, e.prev["Radar/199"].Timestamp, 1e-9)

	e.Step(40, nil)
	assert.Empty(t, e.prev)
}

// failFirstUpdate makes the first filter update of the engine fail.
func failFirstUpdate(e *Engine) {
	calls := 0
	e.update = func(x mat.Vector, P mat.Symmetric, H mat.Matrix, inn *kalman.Innovation) (*mat.VecDense, *mat.SymDense, error) {
		calls++
		if calls == 1 {
			return nil, nil, kalman.ErrNonFinite
		}
		return kalman.Update(x, P, H, inn)
	}
}

func TestStep_FailedUpdateFreesMeasurement(t *testing.T) {
	t.Run("next admissible track takes it", func(t *testing.T) {
		e := newEngine(t, nil)
		e.Step(0, []measurement.Measurement{
			eastbound("a", 0, 0, 10),
			eastbound("b", 0, 1, 10),
		})
		failFirstUpdate(e)

		// Track 1 is predicted at x=2 and gates first; track 2 at x=3.
		rep := e.Step(0.2, []measurement.Measurement{eastbound("c", 0.2, 2.1, 10)})
		assert.Empty(t, rep.Events)
		assert.Equal(t, uint64(1), e.Stats().UpdateFailures.Load())
		assert.Equal(t, uint64(1), e.Stats().Matches.Load())

		snap := e.Snapshot()
		require.Len(t, snap, 2)
		assert.Equal(t, "a", snap[0].VehicleID)
		assert.Equal(t, 1, snap[0].Misses)
		assert.Equal(t, 0, snap[0].Hits)
		assert.Equal(t, "c", snap[1].VehicleID)
		assert.Equal(t, 1, snap[1].Hits)
	})

	t.Run("spawns when nothing else gates it", func(t *testing.T) {
		e := newEngine(t, nil)
		e.Step(0, []measurement.Measurement{eastbound("1", 0, 0, 10)})
		failFirstUpdate(e)

		rep := e.Step(0.2, []measurement.Measurement{eastbound("1", 0.2, 2, 10)})
		require.Len(t, rep.Events, 1)
		assert.Equal(t, Created, rep.Events[0].Transition)
		assert.Equal(t, uint64(2), rep.Events[0].TrackID)
		assert.Equal(t, 2, e.Len())
		assert.Equal(t, 1, e.tracks[1].Misses)
	})
}

func TestRun_DrainsBusOnTick(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	reports := make(chan Report, 4)
	e := newEngine(t, nil, WithClock(clock), WithSink(SinkFunc(func(r Report) error {
		reports <- r
		return nil
	})))

	b := bus.NewMemory(16)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, b) }()
	require.Eventually(t, func() bool { return clock.Tickers() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, b.Publish("Radar", measurement.Marshal(eastbound("9", 1000, 0, 10))))
	require.NoError(t, b.Publish("Radar", []byte("Radar garbage")))
	require.NoError(t, b.Publish("DSRC", measurement.Marshal(eastbound("9", 1000, 0, 10))))

	clock.Advance(200 * time.Millisecond)
	select {
	case r := <-reports:
		assert.Equal(t, uint64(1), r.Cycle)
		assert.InDelta(t, 1000.2, r.Time, 1e-6)
		require.Len(t, r.Events, 1)
		assert.Equal(t, "9", r.Events[0].VehicleID)
	case <-time.After(time.Second):
		t.Fatal("no report")
	}
	assert.Equal(t, uint64(3), e.Stats().Inbound.Load())
	assert.Equal(t, uint64(2), e.Stats().ParseDrops.Load(), "garbage and a radar record on the DSRC topic")

	cancel()
	require.NoError(t, <-done)
}

type failingSink struct{}

func (failingSink) Publish(Report) error { return errors.New("downstream gone") }

func TestMultiSink(t *testing.T) {
	var got []uint64
	ok := SinkFunc(func(r Report) error { got = append(got, r.Cycle); return nil })
	err := MultiSink{failingSink{}, nil, ok}.Publish(Report{Cycle: 4})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "downstream gone")
	assert.Equal(t, []uint64{4}, got)
}

func TestAttachDebugRoutes(t *testing.T) {
	e := newEngine(t, nil)
	e.Step(0, []measurement.Measurement{eastbound("5", 0, 0, 10)})

	mux := http.NewServeMux()
	e.AttachDebugRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/fusion-tracks", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	var tracks []TrackUpdate
	require.NoError(t, json.Unmarshal(body, &tracks))
	require.Len(t, tracks, 1)
	assert.Equal(t, "5", tracks[0].VehicleID)
	assert.Equal(t, Unconfirmed, tracks[0].State)
}
