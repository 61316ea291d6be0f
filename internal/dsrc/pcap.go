package dsrc

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/kejingjing/sensible/internal/monitoring"
)

// ReplayOptions controls a capture replay.
type ReplayOptions struct {
	// Port keeps only UDP datagrams sent to this port; zero keeps all.
	Port int
	// Realtime paces the replay by the capture timestamps.
	Realtime bool
}

// ReplayPCAP feeds every UDP payload in a pcap capture to handle. Payloads
// that fail to handle are logged and skipped. It returns the number of
// payloads handled without error.
func ReplayPCAP(ctx context.Context, path string, opts ReplayOptions, handle func([]byte) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("failed to read PCAP header %s: %w", path, err)
	}

	source := gopacket.NewPacketSource(r, r.LinkType())
	var (
		handled, packets int
		last             time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return handled, nil
		case packet, ok := <-source.Packets():
			if !ok || packet == nil {
				monitoring.Logf("dsrc: PCAP replay complete: %d of %d packets handled", handled, packets)
				return handled, nil
			}
			packets++

			udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
			if !ok || len(udp.Payload) == 0 {
				continue
			}
			if opts.Port != 0 && int(udp.DstPort) != opts.Port {
				continue
			}

			if opts.Realtime {
				ts := packet.Metadata().Timestamp
				if !last.IsZero() && ts.After(last) {
					select {
					case <-ctx.Done():
						return handled, nil
					case <-time.After(ts.Sub(last)):
					}
				}
				last = ts
			}

			if err := handle(udp.Payload); err != nil {
				monitoring.Verbosef("dsrc: PCAP packet %d: %v", packets, err)
				continue
			}
			handled++
		}
	}
}
