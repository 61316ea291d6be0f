package measurement

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// WireVersion is written into every encoded measurement. Decoders reject
// bodies carrying any other version.
const WireVersion = 1

// ErrVersion is returned when a payload carries an unsupported wire version.
var ErrVersion = errors.New("unsupported wire version")

// Field numbers of the wire body. Numbers are never reused.
const (
	fieldVersion    protowire.Number = 1
	fieldTopic      protowire.Number = 2
	fieldVehicleID  protowire.Number = 3
	fieldTimestamp  protowire.Number = 4
	fieldX          protowire.Number = 5
	fieldY          protowire.Number = 6
	fieldSpeed      protowire.Number = 7
	fieldHeading    protowire.Number = 8
	fieldHasHeading protowire.Number = 9
	fieldRMSX       protowire.Number = 10
	fieldRMSY       protowire.Number = 11
	fieldHasRMS     protowire.Number = 12
	fieldLane       protowire.Number = 13
)

// Marshal encodes m as "<Topic> " followed by a protobuf-wire body.
func Marshal(m Measurement) []byte {
	b := make([]byte, 0, 96)
	b = append(b, m.Topic...)
	b = append(b, ' ')

	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, WireVersion)
	b = protowire.AppendTag(b, fieldTopic, protowire.BytesType)
	b = protowire.AppendString(b, string(m.Topic))
	b = protowire.AppendTag(b, fieldVehicleID, protowire.BytesType)
	b = protowire.AppendString(b, m.VehicleID)
	b = appendDouble(b, fieldTimestamp, m.Timestamp)
	b = appendDouble(b, fieldX, m.X)
	b = appendDouble(b, fieldY, m.Y)
	b = appendDouble(b, fieldSpeed, m.Speed)
	b = appendDouble(b, fieldHeading, m.Heading)
	b = appendBool(b, fieldHasHeading, m.HasHeading)
	b = appendDouble(b, fieldRMSX, m.RMSX)
	b = appendDouble(b, fieldRMSY, m.RMSY)
	b = appendBool(b, fieldHasRMS, m.HasRMS)
	b = protowire.AppendTag(b, fieldLane, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(m.Lane)))
	return b
}

// Unmarshal decodes a payload produced by Marshal. Unknown fields are
// skipped so newer producers can add fields without breaking the engine.
func Unmarshal(payload []byte) (Measurement, error) {
	var m Measurement

	i := bytes.IndexByte(payload, ' ')
	if i < 0 {
		return m, errors.New("missing topic prefix")
	}
	topic, err := ParseTopic(string(payload[:i]))
	if err != nil {
		return m, err
	}
	b := payload[i+1:]

	version := uint64(0)
	var bodyTopic string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			version, n = protowire.ConsumeVarint(b)
		case num == fieldTopic && typ == protowire.BytesType:
			bodyTopic, n = protowire.ConsumeString(b)
		case num == fieldVehicleID && typ == protowire.BytesType:
			m.VehicleID, n = protowire.ConsumeString(b)
		case num == fieldHasHeading && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			m.HasHeading = protowire.DecodeBool(v)
		case num == fieldHasRMS && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			m.HasRMS = protowire.DecodeBool(v)
		case num == fieldLane && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			m.Lane = int(protowire.DecodeZigZag(v))
		case typ == protowire.Fixed64Type && doubleField(num):
			var v uint64
			v, n = protowire.ConsumeFixed64(b)
			setDouble(&m, num, math.Float64frombits(v))
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return m, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}

	if version != WireVersion {
		return m, fmt.Errorf("%w %d", ErrVersion, version)
	}
	if bodyTopic != string(topic) {
		return m, fmt.Errorf("topic prefix %q does not match body topic %q", topic, bodyTopic)
	}
	m.Topic = topic
	return m, nil
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func doubleField(num protowire.Number) bool {
	switch num {
	case fieldTimestamp, fieldX, fieldY, fieldSpeed, fieldHeading, fieldRMSX, fieldRMSY:
		return true
	}
	return false
}

func setDouble(m *Measurement, num protowire.Number, v float64) {
	switch num {
	case fieldTimestamp:
		m.Timestamp = v
	case fieldX:
		m.X = v
	case fieldY:
		m.Y = v
	case fieldSpeed:
		m.Speed = v
	case fieldHeading:
		m.Heading = v
	case fieldRMSX:
		m.RMSX = v
	case fieldRMSY:
		m.RMSY = v
	}
}
