package fusion

import "sync/atomic"

// Stats counts engine activity. All fields are safe for concurrent reads.
type Stats struct {
	Cycles     atomic.Uint64
	Inbound    atomic.Uint64
	ParseDrops atomic.Uint64
	Matches    atomic.Uint64
	Singular   atomic.Uint64
	// UpdateFailures counts matches whose update was discarded as
	// non-finite.
	UpdateFailures atomic.Uint64
	Created        atomic.Uint64
	Confirmed      atomic.Uint64
	Zombied        atomic.Uint64
	Recovered      atomic.Uint64
	Deleted        atomic.Uint64
	SinkErrors     atomic.Uint64
}

// Values returns a point-in-time copy keyed by counter name.
func (s *Stats) Values() map[string]uint64 {
	return map[string]uint64{
		"cycles":          s.Cycles.Load(),
		"inbound":         s.Inbound.Load(),
		"parse_drops":     s.ParseDrops.Load(),
		"matches":         s.Matches.Load(),
		"singular":        s.Singular.Load(),
		"update_failures": s.UpdateFailures.Load(),
		"created":         s.Created.Load(),
		"confirmed":       s.Confirmed.Load(),
		"zombied":         s.Zombied.Load(),
		"recovered":       s.Recovered.Load(),
		"deleted":         s.Deleted.Load(),
		"sink_errors":     s.SinkErrors.Load(),
	}
}

func (s *Stats) count(t Transition) {
	switch t {
	case Created:
		s.Created.Add(1)
	case Promoted:
		s.Confirmed.Add(1)
	case Zombified:
		s.Zombied.Add(1)
	case Recovered:
		s.Recovered.Add(1)
	case Deleted:
		s.Deleted.Add(1)
	}
}
