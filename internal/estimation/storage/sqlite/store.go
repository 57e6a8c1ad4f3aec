// Package sqlite records estimation runs for offline analysis: keyframe
// poses, landmark summaries, dropped captures and solver reports. Nothing
// written here is ever loaded back into a problem.
package sqlite

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/pose.window/internal/estimation/graph"
	"github.com/banshee-data/pose.window/internal/estimation/solver"
	"github.com/banshee-data/pose.window/internal/estimation/tree"
	"github.com/banshee-data/pose.window/internal/estimation/window"
	"github.com/banshee-data/pose.window/internal/timeutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUnknownRun is returned when a run id has no row.
var ErrUnknownRun = errors.New("sqlite: unknown run")

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// Store wraps the run database.
type Store struct {
	*sql.DB
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps the per-connection pragmas in force.
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	s := &Store{db}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// MigrateUp runs all pending migrations. It is a no-op at the latest version.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: closing it would close the shared connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the schema version, or 0 before any migration.
func (s *Store) MigrateVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	src, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to open migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.DB, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) { tracef("migrate: "+format, v...) }
func (migrateLogger) Verbose() bool                          { return false }

// Run identifies one recorded session.
type Run struct {
	ID        string
	SessionID string
	Label     string
	Started   time.Time
	Finished  *time.Time
	Tuning    json.RawMessage
}

// StartRun inserts a run row. tuning is stored as JSON and may be nil.
func (s *Store) StartRun(sessionID, label string, started time.Time, tuning any) (*Run, error) {
	raw := json.RawMessage("{}")
	if tuning != nil {
		b, err := json.Marshal(tuning)
		if err != nil {
			return nil, fmt.Errorf("failed to encode tuning: %w", err)
		}
		raw = b
	}
	r := &Run{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Label:     label,
		Started:   started,
		Tuning:    raw,
	}
	_, err := s.Exec(`INSERT INTO runs (run_id, session_id, label, started_unix, tuning_json) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.Label, timeutil.UnixSeconds(started), string(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}
	opsf("run %s started for session %s", r.ID, sessionID)
	return r, nil
}

// FinishRun stamps the run's end time.
func (s *Store) FinishRun(runID string, finished time.Time) error {
	res, err := s.Exec(`UPDATE runs SET finished_unix = ? WHERE run_id = ?`, timeutil.UnixSeconds(finished), runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return nil
}

// GetRun loads a run row.
func (s *Store) GetRun(runID string) (*Run, error) {
	var (
		r        Run
		started  float64
		finished sql.NullFloat64
		tuning   string
	)
	err := s.QueryRow(`SELECT run_id, session_id, label, started_unix, finished_unix, tuning_json FROM runs WHERE run_id = ?`, runID).
		Scan(&r.ID, &r.SessionID, &r.Label, &started, &finished, &tuning)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	if err != nil {
		return nil, err
	}
	r.Started = timeutil.FromUnixSeconds(started)
	if finished.Valid {
		t := timeutil.FromUnixSeconds(finished.Float64)
		r.Finished = &t
	}
	r.Tuning = json.RawMessage(tuning)
	return &r, nil
}

// RecordFrames upserts frame poses. Frames move while they are in the
// window, so the latest estimate wins.
func (s *Store) RecordFrames(runID string, frames []window.FrameSummary) error {
	return s.inTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO keyframes (run_id, frame_id, timestamp, x, y, heading, fixed)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, frame_id) DO UPDATE SET
				x = excluded.x, y = excluded.y, heading = excluded.heading, fixed = excluded.fixed`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, f := range frames {
			if _, err := stmt.Exec(runID, int64(f.ID), f.Timestamp, f.X, f.Y, f.Heading, boolInt(f.Fixed)); err != nil {
				return fmt.Errorf("frame %d: %w", f.ID, err)
			}
		}
		return nil
	})
}

// RecordLandmarks upserts landmark summaries.
func (s *Store) RecordLandmarks(runID string, landmarks []window.LandmarkSummary) error {
	return s.inTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO landmarks (run_id, landmark_id, sensor_id, type, status, hits, misses, first_seen, x, y)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, landmark_id) DO UPDATE SET
				status = excluded.status, hits = excluded.hits, misses = excluded.misses,
				x = excluded.x, y = excluded.y`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, l := range landmarks {
			var x, y sql.NullFloat64
			if len(l.Position) >= 2 {
				x = sql.NullFloat64{Float64: l.Position[0], Valid: true}
				y = sql.NullFloat64{Float64: l.Position[1], Valid: true}
			}
			if _, err := stmt.Exec(runID, int64(l.ID), l.SensorID, l.Type, l.Status.String(),
				l.Hits, l.Misses, l.FirstSeen, x, y); err != nil {
				return fmt.Errorf("landmark %d: %w", l.ID, err)
			}
		}
		return nil
	})
}

// RecordDropped appends dropped captures.
func (s *Store) RecordDropped(runID string, dropped []window.Dropped) error {
	if len(dropped) == 0 {
		return nil
	}
	return s.inTx(func(tx *sql.Tx) error {
		for _, d := range dropped {
			reason := ""
			if d.Err != nil {
				reason = d.Err.Error()
			}
			if _, err := tx.Exec(`INSERT INTO dropped_captures (run_id, sensor_id, timestamp, reason) VALUES (?, ?, ?, ?)`,
				runID, d.SensorID, d.Timestamp, reason); err != nil {
				return err
			}
		}
		diagf("run %s: recorded %d dropped captures", runID, len(dropped))
		return nil
	})
}

// RecordSolve appends a solver report and the error it ended with, if any.
func (s *Store) RecordSolve(runID string, rep solver.Report, solveErr error) error {
	msg := ""
	if solveErr != nil {
		msg = solveErr.Error()
	}
	_, err := s.Exec(`INSERT INTO solves (run_id, started_unix, duration_ms, iterations, initial_cost, final_cost,
			converged, parameters, residuals, applied, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, timeutil.UnixSeconds(rep.Started), float64(rep.Duration)/float64(time.Millisecond), rep.Iterations,
		rep.InitialCost, rep.FinalCost, boolInt(rep.Converged), rep.Parameters, rep.Residuals, rep.Applied, msg)
	return err
}

// Pose is one recorded keyframe.
type Pose struct {
	FrameID   int64
	Timestamp float64
	X, Y      float64
	Heading   float64
	Fixed     bool
}

// Trajectory returns the recorded keyframes of a run in time order.
func (s *Store) Trajectory(runID string) ([]Pose, error) {
	rows, err := s.Query(`SELECT frame_id, timestamp, x, y, heading, fixed FROM keyframes WHERE run_id = ? ORDER BY timestamp, frame_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Pose
	for rows.Next() {
		var p Pose
		if err := rows.Scan(&p.FrameID, &p.Timestamp, &p.X, &p.Y, &p.Heading, &p.Fixed); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SolveRow is one recorded solver report.
type SolveRow struct {
	solver.Report
	Error string
}

// Solves returns the solver reports of a run in insertion order.
func (s *Store) Solves(runID string) ([]SolveRow, error) {
	rows, err := s.Query(`SELECT started_unix, duration_ms, iterations, initial_cost, final_cost, converged,
			parameters, residuals, applied, error
		FROM solves WHERE run_id = ? ORDER BY solve_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SolveRow
	for rows.Next() {
		var (
			r          SolveRow
			started    float64
			durationMs float64
		)
		if err := rows.Scan(&started, &durationMs, &r.Iterations, &r.InitialCost, &r.FinalCost, &r.Converged,
			&r.Parameters, &r.Residuals, &r.Applied, &r.Error); err != nil {
			return nil, err
		}
		r.Started = timeutil.FromUnixSeconds(started)
		r.Duration = time.Duration(durationMs * float64(time.Millisecond))
		out = append(out, r)
	}
	return out, rows.Err()
}

// Landmarks returns the recorded landmark summaries of a run by id.
func (s *Store) Landmarks(runID string) ([]window.LandmarkSummary, error) {
	rows, err := s.Query(`SELECT landmark_id, sensor_id, type, status, hits, misses, first_seen, x, y
		FROM landmarks WHERE run_id = ? ORDER BY landmark_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []window.LandmarkSummary
	for rows.Next() {
		var (
			l      window.LandmarkSummary
			id     int64
			status string
			x, y   sql.NullFloat64
		)
		if err := rows.Scan(&id, &l.SensorID, &l.Type, &status, &l.Hits, &l.Misses, &l.FirstSeen, &x, &y); err != nil {
			return nil, err
		}
		l.ID = tree.ID(id)
		if l.Status, err = graph.ParseLandmarkStatus(status); err != nil {
			return nil, err
		}
		if x.Valid && y.Valid {
			l.Position = []float64{x.Float64, y.Float64}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// LandmarkCounts returns the number of recorded landmarks per status.
func (s *Store) LandmarkCounts(runID string) (map[string]int, error) {
	rows, err := s.Query(`SELECT status, COUNT(*) FROM landmarks WHERE run_id = ? GROUP BY status`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// DroppedCount returns the number of dropped captures of a run.
func (s *Store) DroppedCount(runID string) (int, error) {
	var n int
	err := s.QueryRow(`SELECT COUNT(*) FROM dropped_captures WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}

func (s *Store) inTx(fn func(*sql.Tx) error) error {
	tx, err := s.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
