package serialmux

import (
	"errors"
	"fmt"
	"strings"

	"go.bug.st/serial"

	"github.com/kejingjing/sensible/internal/config"
)

// DefaultBaudRate is the radar's factory line rate.
const DefaultBaudRate = 115200

// The radar only speaks 8N1; the line rate is the one tunable setting.
const (
	radarDataBits = 8
	radarParity   = serial.NoParity
	radarStopBits = serial.OneStopBit
)

// PortOptions describes the serial link to the radar.
type PortOptions struct {
	Path     string `json:"path"`
	BaudRate int    `json:"baud_rate"`
	// Mode is the reporting mode the radar runs in (Tracking or Zone). Both
	// modes share the line settings; it is carried for logs and the admin
	// page.
	Mode string `json:"mode"`
}

// OptionsFromConfig returns the link settings of the radar section.
func OptionsFromConfig(cfg config.RadarConfig) PortOptions {
	return PortOptions{
		Path:     strings.TrimSpace(cfg.Port),
		BaudRate: cfg.Baud,
		Mode:     cfg.Mode,
	}
}

// Validate reports settings no port can be opened with. A zero baud rate
// takes DefaultBaudRate.
func (o PortOptions) Validate() error {
	if o.Path == "" {
		return errors.New("radar port path is empty")
	}
	if o.BaudRate < 0 {
		return fmt.Errorf("invalid baud rate %d", o.BaudRate)
	}
	return nil
}

func (o PortOptions) baudRate() int {
	if o.BaudRate == 0 {
		return DefaultBaudRate
	}
	return o.BaudRate
}

// SerialMode converts the options into the mode go.bug.st/serial opens the
// port with.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return &serial.Mode{
		BaudRate: o.baudRate(),
		DataBits: radarDataBits,
		Parity:   radarParity,
		StopBits: radarStopBits,
	}, nil
}

func (o PortOptions) String() string {
	return fmt.Sprintf("%s %d 8N1 mode=%s", o.Path, o.baudRate(), o.Mode)
}
