package radar

import (
	"context"
	"time"

	"github.com/kejingjing/sensible/internal/bus"
	"github.com/kejingjing/sensible/internal/measurement"
	"github.com/kejingjing/sensible/internal/monitoring"
	"github.com/kejingjing/sensible/internal/timeutil"
)

// DefaultPublishRate is the synchronizer cadence in Hz.
const DefaultPublishRate = 5

// Synchronizer republishes the radar queue at a fixed cadence so the engine
// sees at most one detection per vehicle per flush.
type Synchronizer struct {
	queue  *Queue
	bus    bus.Bus
	clock  timeutil.Clock
	period time.Duration
}

// NewSynchronizer flushes q onto b at rate Hz.
func NewSynchronizer(q *Queue, b bus.Bus, clock timeutil.Clock, rate float64) *Synchronizer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if rate <= 0 {
		rate = DefaultPublishRate
	}
	return &Synchronizer{queue: q, bus: b, clock: clock, period: timeutil.Period(rate)}
}

// Flush publishes the first-seen measurement of every distinct vehicle id in
// the queue and drops the rest. It returns the number published.
func (s *Synchronizer) Flush() int {
	items := s.queue.DrainAll()
	if len(items) == 0 {
		return 0
	}
	sent := make(map[string]bool, len(items))
	n := 0
	for _, m := range items {
		if sent[m.VehicleID] {
			continue
		}
		sent[m.VehicleID] = true
		if err := s.bus.Publish(string(measurement.TopicRadar), measurement.Marshal(m)); err != nil {
			monitoring.Logf("radar sync: publish vehicle %s: %v", m.VehicleID, err)
			continue
		}
		n++
		monitoring.Verbosef("radar sync: sent vehicle %s at %.3f", m.VehicleID, m.Timestamp)
	}
	if dropped := len(items) - len(sent); dropped > 0 {
		monitoring.Verbosef("radar sync: dropped %d duplicate detections", dropped)
	}
	return n
}

// Run flushes on every tick until ctx is done.
func (s *Synchronizer) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			s.Flush()
		}
	}
}
