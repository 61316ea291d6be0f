// Package radar turns the radar's serial JSON stream into measurements and
// paces them onto the bus through the synchronizer.
package radar

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Record is one detection line as emitted by the radar in tracking mode.
type Record struct {
	ID     int `json:"id" validate:"gte=0"`
	Hour   int `json:"h" validate:"gte=0,lte=23"`
	Minute int `json:"m" validate:"gte=0,lte=59"`
	// Millis is the millisecond within the minute.
	Millis int `json:"s" validate:"gte=0,lt=60000"`
	// YPos is the range down the boresight and XPos the lateral offset to
	// its right, both in metres.
	YPos float64 `json:"yPos"`
	XPos float64 `json:"xPos"`
	// Speed is along the boresight in m/s; negative means approaching.
	Speed float64 `json:"speed"`
	Lane  int     `json:"lane" validate:"gte=0"`
}

var validate = validator.New()

// ParseRecord decodes and validates one serial line.
func ParseRecord(line string) (Record, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return Record{}, fmt.Errorf("not a radar record: %q", line)
	}
	var r Record
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		return Record{}, fmt.Errorf("decode radar record: %w", err)
	}
	for name, v := range map[string]float64{"yPos": r.YPos, "xPos": r.XPos, "speed": r.Speed} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Record{}, fmt.Errorf("radar record %d: %s is not finite", r.ID, name)
		}
	}
	if err := validate.Struct(r); err != nil {
		return Record{}, fmt.Errorf("radar record %d: %w", r.ID, err)
	}
	return r, nil
}
