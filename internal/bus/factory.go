package bus

import (
	"fmt"

	"github.com/kejingjing/sensible/internal/config"
)

// Open builds the transport selected in the configuration. The UDP transport
// carries Radar on the radar local port and DSRC on the DSRC local port.
func Open(cfg config.Config) (Bus, error) {
	switch cfg.Bus.Transport {
	case config.BusMemory:
		return NewMemory(cfg.Bus.Buffer), nil
	case config.BusUDP:
		return NewUDP(UDPConfig{
			Ports: map[string]int{
				"Radar": cfg.Radar.LocalPort,
				"DSRC":  cfg.DSRC.LocalPort,
			},
			Buffer: cfg.Bus.Buffer,
		}), nil
	case config.BusNATS:
		return NewNATS(NATSConfig{
			URL:           cfg.Bus.NATSURL,
			SubjectPrefix: "sensible",
			Buffer:        cfg.Bus.Buffer,
		})
	}
	return nil, fmt.Errorf("unknown bus transport %q", cfg.Bus.Transport)
}
