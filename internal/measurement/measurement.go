// Package measurement defines the typed record that flows from the sensor
// adapters over the bus into the fusion engine, and its wire encoding.
package measurement

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
)

// Topic names the feed a measurement came from. It doubles as the bus topic.
type Topic string

const (
	TopicRadar Topic = "Radar"
	TopicDSRC  Topic = "DSRC"
)

// Topics lists every feed in the order the engine drains them.
var Topics = []Topic{TopicRadar, TopicDSRC}

// ErrUnknownTopic is returned for a topic other than Radar or DSRC.
var ErrUnknownTopic = errors.New("unknown topic")

// ParseTopic maps a bus topic string onto a Topic.
func ParseTopic(s string) (Topic, error) {
	switch Topic(s) {
	case TopicRadar, TopicDSRC:
		return Topic(s), nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownTopic, s)
}

// Measurement is one observation from one sensor at one instant, already in
// the common UTM frame.
type Measurement struct {
	Topic     Topic  `validate:"oneof=Radar DSRC"`
	VehicleID string `validate:"required"`
	// Timestamp is in fractional seconds since the Unix epoch.
	Timestamp float64 `validate:"gte=0"`
	X         float64
	Y         float64
	Speed     float64
	// Heading is in degrees clockwise from true north. DSRC reports it;
	// for radar it is the boresight direction and HasHeading is false.
	Heading    float64 `validate:"gte=0,lt=360"`
	HasHeading bool
	// RMSX and RMSY are the reported position error tolerances in metres.
	// They are treated like the configured tolerances: dividing by the
	// models' z-score gives the standard deviation.
	RMSX   float64 `validate:"gte=0"`
	RMSY   float64 `validate:"gte=0"`
	HasRMS bool
	Lane   int `validate:"gte=0"`
}

var validate = validator.New()

// Validate rejects records the engine cannot use.
func (m Measurement) Validate() error {
	for name, v := range map[string]float64{"x": m.X, "y": m.Y, "speed": m.Speed, "timestamp": m.Timestamp} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("measurement %s/%s: %s is not finite", m.Topic, m.VehicleID, name)
		}
	}
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("measurement %s/%s: %w", m.Topic, m.VehicleID, err)
	}
	return nil
}

// Key identifies the vehicle within its feed.
func (m Measurement) Key() string {
	return string(m.Topic) + "/" + m.VehicleID
}
