package dsrc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/kejingjing/sensible/internal/bus"
	"github.com/kejingjing/sensible/internal/config"
	"github.com/kejingjing/sensible/internal/geo"
	"github.com/kejingjing/sensible/internal/measurement"
	"github.com/kejingjing/sensible/internal/monitoring"
	"github.com/kejingjing/sensible/internal/timeutil"
)

// maxDatagram bounds a radio payload.
const maxDatagram = 2048

// Stats counts radio traffic.
type Stats struct {
	Packets   atomic.Uint64
	Published atomic.Uint64
	Served    atomic.Uint64
	Dropped   atomic.Uint64
}

// Listener receives BSMs from the radio, converts them into the common frame
// and publishes them on the DSRC topic.
type Listener struct {
	address string
	radio   net.IP
	frame   *geo.Frame
	clock   timeutil.Clock
	bus     bus.Bus
	stats   Stats

	ready chan struct{}
	bound net.Addr
}

// NewListener builds a listener on the configured remote port. Packets from
// other hosts than the configured radio address are ignored.
func NewListener(cfg config.Config, b bus.Bus, clock timeutil.Clock) (*Listener, error) {
	frame, err := geo.NewFrame(cfg.Site.RadarLat, cfg.Site.RadarLon, cfg.Site.RadarOrientation)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	l := &Listener{
		address: net.JoinHostPort("", strconv.Itoa(cfg.DSRC.RemotePort)),
		frame:   frame,
		clock:   clock,
		bus:     b,
		ready:   make(chan struct{}),
	}
	if cfg.DSRC.IPAddress != "" {
		l.radio = net.ParseIP(cfg.DSRC.IPAddress)
	}
	return l, nil
}

// Stats returns the traffic counters.
func (l *Listener) Stats() *Stats { return &l.stats }

// Addr blocks until the socket is bound and returns its address.
func (l *Listener) Addr() net.Addr {
	<-l.ready
	return l.bound
}

// Measurement converts a decoded BSM into the common frame.
func (l *Listener) Measurement(b BSM) (measurement.Measurement, error) {
	x, y, err := l.frame.Project(b.Lat, b.Lon)
	if err != nil {
		return measurement.Measurement{}, err
	}
	m := measurement.Measurement{
		Topic:      measurement.TopicDSRC,
		VehicleID:  strconv.FormatUint(uint64(b.ID), 10),
		Timestamp:  timeutil.TimeOfDay(l.clock.Now(), b.Hour, b.Minute, b.Millis),
		X:          x,
		Y:          y,
		Speed:      b.Speed,
		Heading:    b.Heading,
		HasHeading: true,
		Lane:       b.Lane,
	}
	if b.RMSLat > 0 && b.RMSLon > 0 {
		// Latitude error is along northing, longitude error along easting.
		m.RMSX, m.RMSY, m.HasRMS = b.RMSLon, b.RMSLat, true
	}
	return m, nil
}

// Handle decodes and publishes one payload.
func (l *Listener) Handle(payload []byte) error {
	l.stats.Packets.Add(1)
	b, err := DecodeBSM(payload)
	if errors.Is(err, ErrServed) {
		l.stats.Served.Add(1)
		monitoring.Verbosef("dsrc: dropping served vehicle %d", b.ID)
		return nil
	}
	if err == nil {
		var m measurement.Measurement
		if m, err = l.Measurement(b); err == nil {
			if err = m.Validate(); err == nil {
				err = l.bus.Publish(string(measurement.TopicDSRC), measurement.Marshal(m))
			}
		}
	}
	if err != nil {
		l.stats.Dropped.Add(1)
		return err
	}
	l.stats.Published.Add(1)
	return nil
}

// Start listens for radio datagrams until ctx is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()
	l.bound = conn.LocalAddr()
	close(l.ready)
	monitoring.Logf("dsrc: listening on %s", l.bound)

	buffer := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		// The deadline lets the loop observe cancellation.
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			monitoring.Logf("dsrc: read error: %v", err)
			continue
		}
		if l.radio != nil && !l.radio.Equal(from.IP) {
			monitoring.Verbosef("dsrc: ignoring datagram from %s", from)
			continue
		}
		if err := l.Handle(buffer[:n]); err != nil {
			monitoring.Verbosef("dsrc: dropping datagram from %s: %v", from, err)
		}
	}
}
