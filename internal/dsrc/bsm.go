// Package dsrc decodes Basic Safety Messages relayed by the roadside DSRC
// radio and publishes them as measurements.
package dsrc

import (
	"bytes"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrServed marks a message from a vehicle that has already been served
	// at the intersection. Such messages are dropped.
	ErrServed = errors.New("vehicle already served")
	// ErrMalformed is returned for payloads that are not a BSM blob.
	ErrMalformed = errors.New("malformed BSM")
)

// blobLen is the number of hex digits in a BSM blob.
const blobLen = 66

// RMSScale converts the reported position accuracy into metres.
const RMSScale = 0.05

// BSM is one decoded Basic Safety Message.
type BSM struct {
	MsgCount int
	ID       uint32
	Hour     int `validate:"gte=0,lte=23"`
	Minute   int `validate:"gte=0,lte=59"`
	Millis   int `validate:"gte=0,lte=60000"`
	// Lat and Lon are in degrees.
	Lat float64 `validate:"gte=-90,lte=90"`
	Lon float64 `validate:"gte=-180,lte=180"`
	// Heading is in degrees clockwise from north.
	Heading float64 `validate:"gte=0,lt=360"`
	// RMSLat and RMSLon are position error tolerances in metres, not
	// standard deviations; the motion model divides them by its z-score.
	RMSLat float64 `validate:"gte=0"`
	RMSLon float64 `validate:"gte=0"`
	// Speed is in m/s.
	Speed    float64 `validate:"gte=0"`
	Lane     int
	Length   float64
	MaxAccel float64
	MaxDecel float64
	Served   bool
}

var validate = validator.New()

// field is one fixed-width hex field of the blob.
type field struct {
	name     string
	from, to int
	min, max int64
	signed   bool
}

var (
	fMsgCount = field{"msg_count", 0, 2, 0, 0xff, false}
	fID       = field{"id", 2, 10, 0, 0xffffffff, false}
	fHour     = field{"h", 10, 12, 0, 23, false}
	fMinute   = field{"m", 12, 14, 0, 59, false}
	fMillis   = field{"s", 14, 18, 0, 60000, false}
	fLat      = field{"lat", 18, 26, -900000000, 900000000, true}
	fLon      = field{"lon", 26, 34, -1799999999, 1800000000, true}
	fHeading  = field{"heading", 34, 38, 0, 28799, false}
	fRMSLat   = field{"rms_lat", 38, 42, 0, 0xffff, false}
	fRMSLon   = field{"rms_lon", 42, 46, 0, 0xffff, false}
	fSpeed    = field{"speed", 46, 50, 0, 8190, false}
	fLane     = field{"lane", 50, 52, 0, 0xff, false}
	fLength   = field{"veh_len", 52, 56, 0, 16383, false}
	fAccel    = field{"max_accel", 56, 60, 0, 2000, false}
	fDecel    = field{"max_decel", 60, 64, 0, 2000, false}
	fServed   = field{"served", 64, 66, 0, 0xff, false}
)

func (f field) decode(blob []byte) (int64, error) {
	v, err := strconv.ParseUint(string(blob[f.from:f.to]), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrMalformed, f.name, err)
	}
	n := int64(v)
	if f.signed {
		bits := uint(4 * (f.to - f.from))
		if v&(1<<(bits-1)) != 0 {
			n = int64(v) - int64(1)<<bits
		}
	}
	if n < f.min || n > f.max {
		return 0, fmt.Errorf("%w: %s=%d outside [%d, %d]", ErrMalformed, f.name, n, f.min, f.max)
	}
	return n, nil
}

// DecodeHex decodes a blob of hex digits; whitespace is ignored. A served
// message is returned together with ErrServed.
func DecodeHex(s string) (BSM, error) {
	blob := []byte(strings.Join(strings.Fields(s), ""))
	if len(blob) < blobLen {
		return BSM{}, fmt.Errorf("%w: %d hex digits, want %d", ErrMalformed, len(blob), blobLen)
	}

	var (
		vals = make(map[string]int64, 16)
		err  error
	)
	for _, f := range []field{fMsgCount, fID, fHour, fMinute, fMillis, fLat, fLon, fHeading,
		fRMSLat, fRMSLon, fSpeed, fLane, fLength, fAccel, fDecel, fServed} {
		if vals[f.name], err = f.decode(blob); err != nil {
			return BSM{}, err
		}
	}

	b := BSM{
		MsgCount: int(vals["msg_count"]),
		ID:       uint32(vals["id"]),
		Hour:     int(vals["h"]),
		Minute:   int(vals["m"]),
		Millis:   int(vals["s"]),
		Lat:      float64(vals["lat"]) * 1e-7,
		Lon:      float64(vals["lon"]) * 1e-7,
		Heading:  float64(vals["heading"]) * 0.0125,
		RMSLat:   float64(vals["rms_lat"]) * RMSScale,
		RMSLon:   float64(vals["rms_lon"]) * RMSScale,
		Speed:    float64(vals["speed"]) * 0.02,
		Lane:     int(vals["lane"]),
		Length:   float64(vals["veh_len"]) * 0.01,
		MaxAccel: float64(vals["max_accel"]) * 0.01,
		MaxDecel: float64(vals["max_decel"]) * -0.01,
		Served:   vals["served"] != 0,
	}
	if err := validate.Struct(b); err != nil {
		return BSM{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if b.Served {
		return b, ErrServed
	}
	return b, nil
}

// envelope is the XML wrapper the radio puts around a blob.
type envelope struct {
	Blob1 string `xml:"blob1"`
}

// DecodeBSM decodes a radio payload: either a bare hex blob or an XML
// document carrying the blob in <blob1>, optionally preceded by a one-line
// header.
func DecodeBSM(payload []byte) (BSM, error) {
	payload = bytes.TrimSpace(payload)
	if !bytes.Contains(payload, []byte("<")) {
		return DecodeHex(string(payload))
	}
	var env envelope
	err := xml.Unmarshal(payload, &env)
	if err != nil {
		// The radio may prefix the document with a header line.
		if _, rest, ok := bytes.Cut(payload, []byte("\n")); ok {
			err = xml.Unmarshal(rest, &env)
		}
	}
	if err != nil {
		return BSM{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(env.Blob1) == "" {
		return BSM{}, fmt.Errorf("%w: empty blob1", ErrMalformed)
	}
	return DecodeHex(env.Blob1)
}

// EncodeHex renders b in the blob layout. It is the inverse of DecodeHex up
// to the field resolutions and is used to build replay fixtures.
func EncodeHex(b BSM) string {
	raw := make([]byte, 0, blobLen/2)
	put := func(v int64, digits int) {
		bits := uint(4 * digits)
		u := uint64(v) & (1<<bits - 1)
		for i := digits/2 - 1; i >= 0; i-- {
			raw = append(raw, byte(u>>(8*uint(i))))
		}
	}
	served := int64(0)
	if b.Served {
		served = 1
	}
	put(int64(b.MsgCount), 2)
	put(int64(b.ID), 8)
	put(int64(b.Hour), 2)
	put(int64(b.Minute), 2)
	put(int64(b.Millis), 4)
	put(round(b.Lat/1e-7), 8)
	put(round(b.Lon/1e-7), 8)
	put(round(b.Heading/0.0125), 4)
	put(round(b.RMSLat/RMSScale), 4)
	put(round(b.RMSLon/RMSScale), 4)
	put(round(b.Speed/0.02), 4)
	put(int64(b.Lane), 2)
	put(round(b.Length/0.01), 4)
	put(round(b.MaxAccel/0.01), 4)
	put(round(b.MaxDecel/-0.01), 4)
	put(served, 2)
	return hex.EncodeToString(raw)
}

func round(v float64) int64 {
	if v < 0 {
		return int64(v - 0.5)
	}
	return int64(v + 0.5)
}
