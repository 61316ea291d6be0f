package geo

import (
	"fmt"
	"math"
)

// Frame is the common projected frame anchored at the radar. Every
// measurement is expressed in its easting/northing before it reaches the
// fusion engine.
type Frame struct {
	Origin UTM
	// boresight is the radar's pointing angle, radians counter-clockwise
	// from the easting axis.
	boresight float64
}

// NewFrame anchors a frame at the radar's fix. orientationDeg is the
// counter-clockwise rotation of the radar boresight from the easting axis.
func NewFrame(radarLat, radarLon, orientationDeg float64) (*Frame, error) {
	origin, err := Project(radarLat, radarLon)
	if err != nil {
		return nil, fmt.Errorf("radar origin: %w", err)
	}
	return &Frame{
		Origin:    origin,
		boresight: orientationDeg * math.Pi / 180,
	}, nil
}

// Project converts a lat/lon into the frame's zone.
func (f *Frame) Project(lat, lon float64) (easting, northing float64, err error) {
	u, err := ProjectInZone(lat, lon, f.Origin.ZoneNumber)
	if err != nil {
		return 0, 0, err
	}
	return u.Easting, u.Northing, nil
}

// Radar maps a radar detection into the frame. rangeAlong is the distance
// down the boresight, lateral the offset to the right of it, and speed the
// radial speed along the boresight. It returns the easting/northing fix and
// the velocity components.
func (f *Frame) Radar(rangeAlong, lateral, speed float64) (x, y, vx, vy float64) {
	sin, cos := math.Sincos(f.boresight)
	x = f.Origin.Easting + rangeAlong*cos + lateral*sin
	y = f.Origin.Northing + rangeAlong*sin - lateral*cos
	return x, y, speed * cos, speed * sin
}

// Boresight returns the radar pointing angle in radians from easting.
func (f *Frame) Boresight() float64 { return f.boresight }

// HeadingToFrame converts a compass heading (degrees clockwise from true
// north) into radians counter-clockwise from the easting axis, in [-π, π).
func HeadingToFrame(headingDeg float64) float64 {
	theta := (90 - headingDeg) * math.Pi / 180
	return normalizeRad(theta)
}
