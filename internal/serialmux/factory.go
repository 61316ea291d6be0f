package serialmux

import (
	"fmt"

	"go.bug.st/serial"

	"github.com/kejingjing/sensible/internal/config"
	"github.com/kejingjing/sensible/internal/monitoring"
)

// NewRealSerialMux creates a SerialMux backed by the serial port opts names.
func NewRealSerialMux(opts PortOptions) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(opts.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("open radar port %s: %w", opts.Path, err)
	}

	return NewSerialMux[serial.Port](port), nil
}

// Open returns the mux for the configured radar link, or a disabled mux
// when the radar is turned off.
func Open(cfg config.RadarConfig) (SerialMuxInterface, error) {
	if !cfg.Enabled {
		return NewDisabledSerialMux(), nil
	}
	opts := OptionsFromConfig(cfg)
	monitoring.Logf("radar: opening %s", opts)
	return NewRealSerialMux(opts)
}
