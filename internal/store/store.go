// Package store keeps a sqlite log of every measurement the fusion engine
// consumes and every track lifecycle event it emits. Each process run is a
// session so replays of the same log can be told apart.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kejingjing/sensible/internal/fusion"
	"github.com/kejingjing/sensible/internal/measurement"
)

type Store struct {
	db      *sql.DB
	path    string
	session string
}

// Open opens (creating if needed) the sqlite file at path, migrates it to the
// current schema and starts a new session.
func Open(path, description string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc sqlite serialises writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure sqlite: %w", err)
	}

	s := &Store{db: db, path: path, session: uuid.NewString()}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`INSERT INTO sessions (session_id, description) VALUES (?, ?)`,
		s.session, description); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	return s, nil
}

// Session returns the identifier rows written by this Store are tagged with.
func (s *Store) Session() string { return s.session }

func (s *Store) Close() error { return s.db.Close() }

// RecordMeasurement implements fusion.Recorder.
func (s *Store) RecordMeasurement(m measurement.Measurement) error {
	var rmsX, rmsY sql.NullFloat64
	if m.HasRMS {
		rmsX = sql.NullFloat64{Float64: m.RMSX, Valid: true}
		rmsY = sql.NullFloat64{Float64: m.RMSY, Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO measurements (
			session_id, topic, vehicle_id, ts, x, y, speed, heading,
			has_heading, rms_x, rms_y, lane
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.session, string(m.Topic), m.VehicleID, m.Timestamp, m.X, m.Y, m.Speed, m.Heading,
		m.HasHeading, rmsX, rmsY, m.Lane,
	)
	if err != nil {
		return fmt.Errorf("failed to record measurement %s: %w", m.Key(), err)
	}
	return nil
}

// Publish implements fusion.Sink. Only lifecycle events are stored; the
// per-cycle track states are reconstructible from the measurement log.
func (s *Store) Publish(r fusion.Report) (err error) {
	if len(r.Events) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, tx.Rollback())
		}
	}()

	stmt, err := tx.Prepare(`
		INSERT INTO track_events (
			session_id, cycle, ts, track_id, origin, vehicle_id, transition, hits, misses
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range r.Events {
		if _, err = stmt.Exec(s.session, ev.Cycle, ev.Time, ev.TrackID, string(ev.Origin),
			ev.VehicleID, ev.Transition.String(), ev.Hits, ev.Misses); err != nil {
			return fmt.Errorf("failed to record track %d event: %w", ev.TrackID, err)
		}
	}
	return tx.Commit()
}

// Measurements returns the measurements recorded in a session, oldest first.
func (s *Store) Measurements(session string) ([]measurement.Measurement, error) {
	rows, err := s.db.Query(`
		SELECT topic, vehicle_id, ts, x, y, speed, heading, has_heading, rms_x, rms_y, lane
		FROM measurements WHERE session_id = ? ORDER BY ts, rowid`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []measurement.Measurement
	for rows.Next() {
		var (
			m          measurement.Measurement
			topic      string
			rmsX, rmsY sql.NullFloat64
		)
		if err := rows.Scan(&topic, &m.VehicleID, &m.Timestamp, &m.X, &m.Y, &m.Speed,
			&m.Heading, &m.HasHeading, &rmsX, &rmsY, &m.Lane); err != nil {
			return nil, err
		}
		m.Topic = measurement.Topic(topic)
		if rmsX.Valid && rmsY.Valid {
			m.RMSX, m.RMSY, m.HasRMS = rmsX.Float64, rmsY.Float64, true
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// EventRow is a stored lifecycle event.
type EventRow struct {
	Cycle      uint64
	Time       float64
	TrackID    uint64
	Origin     string
	VehicleID  string
	Transition string
	Hits       int
	Misses     int
}

// Events returns the lifecycle events of a session in emission order.
func (s *Store) Events(session string) ([]EventRow, error) {
	rows, err := s.db.Query(`
		SELECT cycle, ts, track_id, origin, vehicle_id, transition, hits, misses
		FROM track_events WHERE session_id = ? ORDER BY rowid`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.Cycle, &e.Time, &e.TrackID, &e.Origin, &e.VehicleID,
			&e.Transition, &e.Hits, &e.Misses); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Counts reports the number of rows of each table in the current session.
func (s *Store) Counts() (measurements, events int, err error) {
	err = s.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM measurements WHERE session_id = ?),
			(SELECT COUNT(*) FROM track_events WHERE session_id = ?)`,
		s.session, s.session).Scan(&measurements, &events)
	return measurements, events, err
}
