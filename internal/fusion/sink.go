package fusion

import (
	"errors"

	"github.com/kejingjing/sensible/internal/measurement"
)

// TrackUpdate is the downstream view of one track at the end of a cycle.
type TrackUpdate struct {
	TrackID   uint64            `json:"track_id"`
	Origin    measurement.Topic `json:"origin"`
	VehicleID string            `json:"vehicle_id"`
	State     State             `json:"state"`
	// Announce is set on the first update of a confirmed episode.
	Announce bool `json:"announce,omitempty"`

	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	VX float64 `json:"vx"`
	VY float64 `json:"vy"`
	// Speed is in m/s and Heading in degrees clockwise from north.
	Speed   float64 `json:"speed"`
	Heading float64 `json:"heading"`

	Hits       int     `json:"hits"`
	Misses     int     `json:"misses"`
	Created    float64 `json:"created"`
	LastUpdate float64 `json:"last_update"`
}

// Event records a lifecycle transition.
type Event struct {
	Cycle      uint64            `json:"cycle"`
	Time       float64           `json:"time"`
	TrackID    uint64            `json:"track_id"`
	Origin     measurement.Topic `json:"origin"`
	VehicleID  string            `json:"vehicle_id"`
	Transition Transition        `json:"transition"`
	Hits       int               `json:"hits"`
	Misses     int               `json:"misses"`
}

// Report is everything one cycle produced: every CONFIRMED track and the
// lifecycle transitions taken.
type Report struct {
	Cycle   uint64        `json:"cycle"`
	Time    float64       `json:"time"`
	Updates []TrackUpdate `json:"updates"`
	Events  []Event       `json:"events"`
}

// Sink receives the report of every cycle.
type Sink interface {
	Publish(Report) error
}

// Recorder receives every accepted inbound measurement.
type Recorder interface {
	RecordMeasurement(measurement.Measurement) error
}

// MultiSink publishes to each sink in turn. Every sink is tried; the
// errors are joined.
type MultiSink []Sink

func (s MultiSink) Publish(r Report) error {
	var errs []error
	for _, sink := range s {
		if sink == nil {
			continue
		}
		if err := sink.Publish(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Report) error

func (f SinkFunc) Publish(r Report) error { return f(r) }

func updateOf(t *Track) TrackUpdate {
	x, y := t.Position()
	vx, vy := t.Velocity()
	return TrackUpdate{
		TrackID:    t.ID,
		Origin:     t.Origin,
		VehicleID:  t.VehicleID,
		State:      t.State,
		X:          x,
		Y:          y,
		VX:         vx,
		VY:         vy,
		Speed:      t.Speed(),
		Heading:    t.Heading(),
		Hits:       t.Hits,
		Misses:     t.Misses,
		Created:    t.Created,
		LastUpdate: t.LastUpdate,
	}
}
