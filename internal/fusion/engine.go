package fusion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/kejingjing/sensible/internal/bus"
	"github.com/kejingjing/sensible/internal/config"
	"github.com/kejingjing/sensible/internal/kalman"
	"github.com/kejingjing/sensible/internal/measurement"
	"github.com/kejingjing/sensible/internal/monitoring"
	"github.com/kejingjing/sensible/internal/motion"
	"github.com/kejingjing/sensible/internal/timeutil"
)

// GateThreshold returns the squared Mahalanobis distance below which a
// measurement may be associated with a track. A non-zero significance level
// overrides the configured critical value with the chi-squared quantile for
// the measurement dimension.
func GateThreshold(f config.FusionConfig) float64 {
	if f.Significance > 0 {
		return distuv.ChiSquared{K: motion.MeasDim}.Quantile(1 - f.Significance)
	}
	return f.AssociationThreshold
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock used by Run.
func WithClock(c timeutil.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithSink sets where cycle reports are published.
func WithSink(s Sink) Option { return func(e *Engine) { e.sink = s } }

// WithRecorder sets where accepted measurements are logged.
func WithRecorder(r Recorder) Option { return func(e *Engine) { e.recorder = r } }

// candidate is a measurement waiting in the association window.
type candidate struct {
	meas measurement.Measurement
	// age is the number of cycles the measurement has gone unmatched.
	age int
}

// Engine owns the track table. Step must only be called from one goroutine;
// Snapshot and Stats may be read concurrently.
type Engine struct {
	lifecycle Lifecycle
	threshold float64
	nScan     int
	period    time.Duration

	models   map[measurement.Topic]*motion.Model
	clock    timeutil.Clock
	sink     Sink
	recorder Recorder
	stats    Stats

	mu     sync.RWMutex
	tracks map[uint64]*Track
	nextID uint64
	cycle  uint64

	window []candidate
	// prev holds the previous cycle's reports per vehicle key, used to seed
	// CA accelerations.
	prev map[string]measurement.Measurement

	update func(x mat.Vector, P mat.Symmetric, H mat.Matrix, inn *kalman.Innovation) (*mat.VecDense, *mat.SymDense, error)
}

// New builds an engine from the fusion and models sections of cfg. It fails
// when a sensor names an unknown motion model.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	dt := cfg.Fusion.DT()
	e := &Engine{
		lifecycle: Lifecycle{
			ConfirmHits:  cfg.Fusion.ConfirmHits,
			ZombieMisses: cfg.Fusion.ZombieMisses,
			DeleteMisses: cfg.Fusion.DeleteMisses,
		},
		threshold: GateThreshold(cfg.Fusion),
		nScan:     max(cfg.Fusion.NScan, 1),
		period:    cfg.Fusion.Period(),
		models:    make(map[measurement.Topic]*motion.Model, len(measurement.Topics)),
		clock:     timeutil.RealClock{},
		tracks:    make(map[uint64]*Track),
		prev:      make(map[string]measurement.Measurement),
		update:    kalman.Update,
	}
	for _, topic := range measurement.Topics {
		m, err := motion.New(topic, cfg.Models, dt)
		if err != nil {
			return nil, err
		}
		e.models[topic] = m
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Threshold returns the gate in use.
func (e *Engine) Threshold() float64 { return e.threshold }

// Stats returns the engine counters.
func (e *Engine) Stats() *Stats { return &e.stats }

// Run drains both topics and steps the engine once per period until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context, b bus.Bus) error {
	subs := make([]bus.Subscription, 0, len(measurement.Topics))
	for _, topic := range measurement.Topics {
		sub, err := b.Subscribe(string(topic))
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()

	ticker := e.clock.NewTicker(e.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C():
			batch := e.drain(subs)
			report := e.Step(timeutil.Seconds(now), batch)
			if e.sink == nil {
				continue
			}
			if err := e.sink.Publish(report); err != nil {
				e.stats.SinkErrors.Add(1)
				monitoring.Logf("fusion: publish cycle %d: %v", report.Cycle, err)
			}
		}
	}
}

// drain decodes everything pending on the subscriptions. Records that fail
// to decode or validate are dropped.
func (e *Engine) drain(subs []bus.Subscription) []measurement.Measurement {
	var batch []measurement.Measurement
	for _, sub := range subs {
		for _, msg := range sub.Drain() {
			e.stats.Inbound.Add(1)
			m, err := measurement.Unmarshal(msg.Payload)
			if err == nil && string(m.Topic) != msg.Topic {
				err = fmt.Errorf("%w %q on topic %s", measurement.ErrUnknownTopic, m.Topic, msg.Topic)
			}
			if err == nil {
				err = m.Validate()
			}
			if err != nil {
				e.stats.ParseDrops.Add(1)
				monitoring.Verbosef("fusion: dropping %s message: %v", msg.Topic, err)
				continue
			}
			if e.recorder != nil {
				if err := e.recorder.RecordMeasurement(m); err != nil {
					monitoring.Logf("fusion: record measurement: %v", err)
				}
			}
			batch = append(batch, m)
		}
	}
	return batch
}

// pair is an admissible (track, candidate) association.
type pair struct {
	track *Track
	cand  int
	inn   *kalman.Innovation
}

// Step runs one fusion cycle at time now (seconds) over the measurements
// received since the previous cycle.
func (e *Engine) Step(now float64, batch []measurement.Measurement) Report {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cycle++
	e.stats.Cycles.Add(1)
	report := Report{Cycle: e.cycle, Time: now}
	emit := func(t *Track, tr Transition) {
		if tr == NoTransition {
			return
		}
		e.stats.count(tr)
		report.Events = append(report.Events, Event{
			Cycle:      e.cycle,
			Time:       now,
			TrackID:    t.ID,
			Origin:     t.Origin,
			VehicleID:  t.VehicleID,
			Transition: tr,
			Hits:       t.Hits,
			Misses:     t.Misses,
		})
		monitoring.Verbosef("fusion: track %d (%s/%s) %s hits=%d misses=%d", t.ID, t.Origin, t.VehicleID, tr, t.Hits, t.Misses)
	}

	// Step 1: Collapse the batch to the latest report per vehicle and merge
	// it behind the window of older unmatched measurements.
	cands := e.candidates(batch)

	// Step 2: Predict every track one period ahead.
	ids := e.trackIDs()
	for _, id := range ids {
		t := e.tracks[id]
		t.X, t.P = kalman.Predict(t.X, t.P, t.Model.F, t.Model.Q)
	}

	// Step 3: Gate every pair and assign greedily by ascending distance.
	pairs := e.gate(ids, cands)
	matchedTrack := make(map[uint64]bool, len(pairs))
	matchedCand := make([]bool, len(cands))
	failed := make(map[uint64]bool)
	for _, p := range pairs {
		if matchedTrack[p.track.ID] || matchedCand[p.cand] {
			continue
		}
		matchedTrack[p.track.ID] = true

		t := p.track
		meas := cands[p.cand].meas
		x, P, err := e.update(t.X, t.P, t.Model.H, p.inn)
		if err == nil && !kalman.IsFinite(x, P) {
			err = kalman.ErrNonFinite
		}
		if err != nil {
			// The track misses this cycle. The measurement stays free for
			// the next admissible pair or a new track.
			e.stats.UpdateFailures.Add(1)
			monitoring.Logf("fusion: track %d update with %s discarded: %v", t.ID, meas.Key(), err)
			failed[t.ID] = true
			continue
		}
		matchedCand[p.cand] = true
		e.stats.Matches.Add(1)
		monitoring.Verbosef("fusion: track %d matched %s d2=%.3f", t.ID, meas.Key(), p.inn.D2)
		t.X, t.P = x, P
		t.VehicleID = meas.VehicleID
		t.LastUpdate = now
		emit(t, e.lifecycle.Hit(t))
	}

	// Step 4: Unmatched tracks miss; zombies past the deletion threshold go.
	for _, id := range ids {
		if matchedTrack[id] && !failed[id] {
			continue
		}
		t := e.tracks[id]
		tr := e.lifecycle.Miss(t)
		emit(t, tr)
		if tr == Deleted {
			delete(e.tracks, id)
		}
	}

	// Step 5: Age unmatched measurements; those that have waited n_scan
	// cycles spawn tracks, the rest stay in the window.
	window := e.window[:0]
	for i, c := range cands {
		if matchedCand[i] {
			continue
		}
		c.age++
		if c.age < e.nScan {
			window = append(window, c)
			continue
		}
		t := e.spawn(c.meas, now)
		emit(t, Created)
	}
	e.window = window

	// Only this cycle's reports seed next cycle's spawns.
	prev := make(map[string]measurement.Measurement, len(batch))
	for _, m := range batch {
		if p, ok := prev[m.Key()]; ok && p.Timestamp > m.Timestamp {
			continue
		}
		prev[m.Key()] = m
	}
	e.prev = prev

	// Step 6: Publish every confirmed track.
	for _, id := range e.trackIDs() {
		t := e.tracks[id]
		if t.State != Confirmed {
			continue
		}
		u := updateOf(t)
		u.Announce = !t.Served
		t.Served = true
		report.Updates = append(report.Updates, u)
	}
	return report
}

// candidates returns the window followed by the latest measurement per
// vehicle key in batch. A batch entry supersedes a window entry for the same
// vehicle and inherits its age.
func (e *Engine) candidates(batch []measurement.Measurement) []candidate {
	latest := make(map[string]int, len(batch))
	var fresh []candidate
	for _, m := range batch {
		if i, ok := latest[m.Key()]; ok {
			if m.Timestamp >= fresh[i].meas.Timestamp {
				fresh[i].meas = m
			}
			continue
		}
		latest[m.Key()] = len(fresh)
		fresh = append(fresh, candidate{meas: m})
	}

	cands := make([]candidate, 0, len(e.window)+len(fresh))
	for _, c := range e.window {
		if i, ok := latest[c.meas.Key()]; ok {
			fresh[i].age = c.age
			continue
		}
		cands = append(cands, c)
	}
	return append(cands, fresh...)
}

// gate returns every admissible pair ordered by ascending d². Ties keep
// track-ID then candidate order.
func (e *Engine) gate(ids []uint64, cands []candidate) []pair {
	var pairs []pair
	for _, id := range ids {
		t := e.tracks[id]
		for ci, c := range cands {
			if !compatible(c.meas.Topic, t.Origin) {
				continue
			}
			z, R := t.Model.Observe(c.meas)
			inn, err := kalman.Innovate(t.X, t.P, t.Model.H, z, R)
			if err != nil {
				if errors.Is(err, kalman.ErrSingularInnovation) {
					e.stats.Singular.Add(1)
				}
				monitoring.Logf("fusion: rejecting track %d with %s: %v", t.ID, c.meas.Key(), err)
				continue
			}
			if inn.D2 >= e.threshold {
				continue
			}
			pairs = append(pairs, pair{track: t, cand: ci, inn: inn})
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].inn.D2 < pairs[j].inn.D2 })
	return pairs
}

// compatible reports whether a measurement from topic may update a track
// created by origin. DSRC may update radar or DSRC tracks and radar may
// update any track, so every pair is allowed.
func compatible(topic, origin measurement.Topic) bool {
	switch topic {
	case measurement.TopicRadar, measurement.TopicDSRC:
		return origin == measurement.TopicRadar || origin == measurement.TopicDSRC
	}
	return false
}

func (e *Engine) spawn(m measurement.Measurement, now float64) *Track {
	model := e.models[m.Topic]
	var prev *measurement.Measurement
	if p, ok := e.prev[m.Key()]; ok {
		prev = &p
	}
	P := mat.NewSymDense(model.Dim(), nil)
	P.CopySym(model.P0)

	e.nextID++
	t := &Track{
		ID:         e.nextID,
		Origin:     m.Topic,
		VehicleID:  m.VehicleID,
		Model:      model,
		X:          model.Parse(m, prev),
		P:          P,
		Created:    now,
		LastUpdate: now,
	}
	e.lifecycle.Spawn(t)
	e.tracks[t.ID] = t
	return t
}

func (e *Engine) trackIDs() []uint64 {
	ids := make([]uint64, 0, len(e.tracks))
	for id := range e.tracks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot returns every live track, ordered by id.
func (e *Engine) Snapshot() []TrackUpdate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]TrackUpdate, 0, len(e.tracks))
	for _, id := range e.trackIDs() {
		out = append(out, updateOf(e.tracks[id]))
	}
	return out
}

// Len returns the number of live tracks.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.tracks)
}
