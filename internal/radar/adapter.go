package radar

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/kejingjing/sensible/internal/config"
	"github.com/kejingjing/sensible/internal/geo"
	"github.com/kejingjing/sensible/internal/measurement"
	"github.com/kejingjing/sensible/internal/monitoring"
	"github.com/kejingjing/sensible/internal/serialmux"
	"github.com/kejingjing/sensible/internal/timeutil"
)

// Adapter reads radar lines from the serial mux, converts them into the
// common frame and queues them for the synchronizer.
type Adapter struct {
	frame *geo.Frame
	lane  int
	clock timeutil.Clock
	queue *Queue
	csv   *CSVRecorder
}

// NewAdapter anchors the adapter at the configured radar site. csv may be
// nil.
func NewAdapter(site config.SiteConfig, q *Queue, clock timeutil.Clock, csv *CSVRecorder) (*Adapter, error) {
	frame, err := geo.NewFrame(site.RadarLat, site.RadarLon, site.RadarOrientation)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Adapter{frame: frame, lane: site.RadarLane, clock: clock, queue: q, csv: csv}, nil
}

// Measurement converts a record. The speed sign picks the direction along
// the boresight.
func (a *Adapter) Measurement(r Record) measurement.Measurement {
	x, y, _, _ := a.frame.Radar(r.YPos, r.XPos, r.Speed)

	heading := 90 - a.frame.Boresight()*180/math.Pi
	if r.Speed < 0 {
		heading += 180
	}
	heading = math.Mod(heading, 360)
	if heading < 0 {
		heading += 360
	}

	lane := r.Lane
	if lane == 0 {
		lane = a.lane
	}
	return measurement.Measurement{
		Topic:     measurement.TopicRadar,
		VehicleID: strconv.Itoa(r.ID),
		Timestamp: timeutil.TimeOfDay(a.clock.Now(), r.Hour, r.Minute, r.Millis),
		X:         x,
		Y:         y,
		Speed:     math.Abs(r.Speed),
		Heading:   heading,
		Lane:      lane,
	}
}

// Handle processes one serial line. Bad lines are dropped with an error.
func (a *Adapter) Handle(line string) error {
	rec, err := ParseRecord(line)
	if err != nil {
		return err
	}
	if a.csv != nil {
		if err := a.csv.Record(rec); err != nil {
			monitoring.Logf("radar: csv: %v", err)
		}
	}
	m := a.Measurement(rec)
	if err := m.Validate(); err != nil {
		return fmt.Errorf("radar record %d: %w", rec.ID, err)
	}
	a.queue.Push(m)
	return nil
}

// Run subscribes to mux and handles lines until ctx is done or the mux
// closes the subscription.
func (a *Adapter) Run(ctx context.Context, mux serialmux.SerialMuxInterface) error {
	id, lines := mux.Subscribe()
	defer mux.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := a.Handle(line); err != nil {
				monitoring.Verbosef("radar: dropping line: %v", err)
			}
		}
	}
}
