// Package geo projects geodetic fixes into the UTM frame shared by every
// track, and maps radar-relative detections into that frame.
package geo

import (
	"errors"
	"fmt"
	"math"
)

// WGS84 transverse Mercator constants.
const (
	k0          = 0.9996
	eSq         = 0.00669438
	eSq2        = eSq * eSq
	eSq3        = eSq2 * eSq
	ePrimeSq    = eSq / (1 - eSq)
	earthRadius = 6378137.0

	m1 = 1 - eSq/4 - 3*eSq2/64 - 5*eSq3/256
	m2 = 3*eSq/8 + 3*eSq2/32 + 45*eSq3/1024
	m3 = 15*eSq2/256 + 45*eSq3/1024
	m4 = 35 * eSq3 / 3072

	falseEasting  = 500000.0
	falseNorthing = 10000000.0

	zoneLetters = "CDEFGHJKLMNPQRSTUVWXX"
)

// ErrOutOfRange is returned for fixes outside the UTM latitude band or the
// valid longitude range.
var ErrOutOfRange = errors.New("coordinate out of UTM range")

// UTM is a projected position.
type UTM struct {
	Easting    float64
	Northing   float64
	ZoneNumber int
	ZoneLetter byte
}

// String renders the fix the way survey sheets print it.
func (u UTM) String() string {
	return fmt.Sprintf("%d%c %.2fE %.2fN", u.ZoneNumber, u.ZoneLetter, u.Easting, u.Northing)
}

// Project converts a WGS84 latitude/longitude in degrees into UTM, choosing
// the zone from the fix itself.
func Project(lat, lon float64) (UTM, error) {
	if lat < -80 || lat > 84 {
		return UTM{}, fmt.Errorf("latitude %.7f: %w", lat, ErrOutOfRange)
	}
	if lon < -180 || lon > 180 {
		return UTM{}, fmt.Errorf("longitude %.7f: %w", lon, ErrOutOfRange)
	}
	return ProjectInZone(lat, lon, ZoneNumber(lat, lon))
}

// ProjectInZone converts lat/lon using a forced zone. Fixes near a zone
// boundary are projected into the site's zone so that the frame stays
// continuous across the intersection.
func ProjectInZone(lat, lon float64, zone int) (UTM, error) {
	if lat < -80 || lat > 84 {
		return UTM{}, fmt.Errorf("latitude %.7f: %w", lat, ErrOutOfRange)
	}
	if zone < 1 || zone > 60 {
		return UTM{}, fmt.Errorf("zone %d: %w", zone, ErrOutOfRange)
	}

	latRad := lat * math.Pi / 180
	latSin, latCos := math.Sincos(latRad)
	latTan := latSin / latCos
	latTan2 := latTan * latTan
	latTan4 := latTan2 * latTan2

	lonRad := lon * math.Pi / 180
	centralLon := float64((zone-1)*6-180+3) * math.Pi / 180

	n := earthRadius / math.Sqrt(1-eSq*latSin*latSin)
	c := ePrimeSq * latCos * latCos

	a := latCos * normalizeRad(lonRad-centralLon)
	m := earthRadius * (m1*latRad -
		m2*math.Sin(2*latRad) +
		m3*math.Sin(4*latRad) -
		m4*math.Sin(6*latRad))

	easting := k0*n*(a+
		math.Pow(a, 3)/6*(1-latTan2+c)+
		math.Pow(a, 5)/120*(5-18*latTan2+latTan4+72*c-58*ePrimeSq)) + falseEasting

	northing := k0 * (m + n*latTan*(a*a/2+
		math.Pow(a, 4)/24*(5-latTan2+9*c+4*c*c)+
		math.Pow(a, 6)/720*(61-58*latTan2+latTan4+600*c-330*ePrimeSq)))
	if lat < 0 {
		northing += falseNorthing
	}

	return UTM{
		Easting:    easting,
		Northing:   northing,
		ZoneNumber: zone,
		ZoneLetter: zoneLetter(lat),
	}, nil
}

// ZoneNumber returns the UTM zone for a fix, including the Norway and
// Svalbard exceptions.
func ZoneNumber(lat, lon float64) int {
	if lat >= 56 && lat < 64 && lon >= 3 && lon < 12 {
		return 32
	}
	if lat >= 72 && lat <= 84 && lon >= 0 {
		switch {
		case lon < 9:
			return 31
		case lon < 21:
			return 33
		case lon < 33:
			return 35
		case lon < 42:
			return 37
		}
	}
	if lon == 180 {
		return 60
	}
	return int((lon+180)/6) + 1
}

func zoneLetter(lat float64) byte {
	i := int((lat + 80) / 8)
	if i < 0 {
		i = 0
	}
	if i >= len(zoneLetters) {
		i = len(zoneLetters) - 1
	}
	return zoneLetters[i]
}

func normalizeRad(r float64) float64 {
	return math.Mod(r+3*math.Pi, 2*math.Pi) - math.Pi
}
