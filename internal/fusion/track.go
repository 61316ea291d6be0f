// Package fusion implements the track-to-track association engine: it gates
// radar and DSRC measurements against predicted tracks, assigns them
// greedily, advances each track's Kalman filter and runs the track
// lifecycle.
package fusion

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/kejingjing/sensible/internal/measurement"
	"github.com/kejingjing/sensible/internal/motion"
)

// State is the lifecycle state of a track. Deleted tracks are removed from
// the table and have no state.
type State int

const (
	Unconfirmed State = iota // new track, needs sustained evidence
	Confirmed                // trustworthy, published downstream
	Zombie                   // lost, kept briefly for recovery
)

func (s State) String() string {
	switch s {
	case Unconfirmed:
		return "UNCONFIRMED"
	case Confirmed:
		return "CONFIRMED"
	case Zombie:
		return "ZOMBIE"
	}
	return "UNKNOWN"
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for _, v := range []State{Unconfirmed, Confirmed, Zombie} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown track state %q", b)
}

// Transition is a lifecycle edge taken during a cycle.
type Transition int

const (
	NoTransition Transition = iota
	Created                 // unmatched measurement spawned the track
	Promoted                // UNCONFIRMED → CONFIRMED
	Zombified               // UNCONFIRMED/CONFIRMED → ZOMBIE
	Recovered               // ZOMBIE → UNCONFIRMED
	Deleted                 // ZOMBIE → removed
)

func (t Transition) String() string {
	switch t {
	case Created:
		return "created"
	case Promoted:
		return "confirmed"
	case Zombified:
		return "zombie"
	case Recovered:
		return "recovered"
	case Deleted:
		return "deleted"
	}
	return "none"
}

// MarshalText renders the transition name in JSON.
func (t Transition) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Track is the engine's hypothesis about one vehicle.
type Track struct {
	ID uint64
	// Origin is the sensor whose measurement created the track; it fixes
	// the motion model.
	Origin measurement.Topic
	// VehicleID is the sensor id of the last associated measurement.
	VehicleID string
	Model     *motion.Model

	X *mat.VecDense
	P *mat.SymDense

	State  State
	Hits   int
	Misses int
	Served bool

	Created    float64
	LastUpdate float64
}

// Position returns the estimated easting/northing.
func (t *Track) Position() (float64, float64) { return t.Model.Position(t.X) }

// Velocity returns the estimated easting/northing velocity.
func (t *Track) Velocity() (float64, float64) { return t.Model.Velocity(t.X) }

// Speed returns the magnitude of the estimated velocity.
func (t *Track) Speed() float64 {
	vx, vy := t.Velocity()
	return math.Hypot(vx, vy)
}

// Heading returns the course over ground in degrees clockwise from north.
func (t *Track) Heading() float64 {
	vx, vy := t.Velocity()
	h := 90 - math.Atan2(vy, vx)*180/math.Pi
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	return h
}

// Lifecycle holds the state machine thresholds.
type Lifecycle struct {
	// ConfirmHits is M: hits needed to confirm.
	ConfirmHits int
	// ZombieMisses is N: consecutive misses before a live track is zombied.
	ZombieMisses int
	// DeleteMisses is the deletion threshold; a zombie is removed once its
	// misses exceed it.
	DeleteMisses int
}

// Spawn initialises the counters of a newly created track. The creating
// measurement is not a match, so a track always starts UNCONFIRMED with no
// hits and needs ConfirmHits matched cycles to confirm.
func (l Lifecycle) Spawn(t *Track) Transition {
	t.State = Unconfirmed
	t.Hits = 0
	t.Misses = 0
	t.Served = false
	return Created
}

// Hit records a successful match. A zombie recovers to UNCONFIRMED with its
// hit count preserved; otherwise hits grow and an UNCONFIRMED track is
// promoted once it reaches ConfirmHits. At most one transition is taken.
func (l Lifecycle) Hit(t *Track) Transition {
	t.Misses = 0
	if t.State == Zombie {
		t.State = Unconfirmed
		return Recovered
	}
	t.Hits++
	if t.State == Unconfirmed && t.Hits >= l.ConfirmHits {
		t.State = Confirmed
		t.Served = false
		return Promoted
	}
	return NoTransition
}

// Miss records a cycle without a match. Hits are left untouched.
func (l Lifecycle) Miss(t *Track) Transition {
	t.Misses++
	switch t.State {
	case Unconfirmed, Confirmed:
		if t.Misses >= l.ZombieMisses {
			t.State = Zombie
			return Zombified
		}
	case Zombie:
		if t.Misses > l.DeleteMisses {
			return Deleted
		}
	}
	return NoTransition
}
