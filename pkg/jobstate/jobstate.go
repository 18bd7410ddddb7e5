// Package jobstate persists per-job outcomes in SQLite (or libsql) so a
// rerun can tell which jobs already produced their outputs.
package jobstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/oceangrid/pkg/batch"
	"github.com/3leaps/oceangrid/pkg/pipeerr"
	"github.com/3leaps/oceangrid/pkg/scene"
)

const schemaVersion = 1

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Record is one stored outcome. The latest outcome per (stage, key) wins.
type Record struct {
	RunID        string
	Stage        string
	Key          batch.JobKey
	Status       batch.Status
	Attempts     int
	Outputs      []string
	Reason       string
	ErrorCode    string
	ErrorMessage string
	Duration     time.Duration
	UpdatedAt    time.Time
}

// Store is the job-state database.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the job-state database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobstate_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO jobstate_meta (id, schema_version, created_at) VALUES (1, ?, ?);`,
		`CREATE TABLE IF NOT EXISTS job_outcomes (
			stage TEXT NOT NULL,
			job_key TEXT NOT NULL,
			run_id TEXT NOT NULL,
			job_date TEXT NOT NULL,
			variable TEXT,
			sensor TEXT,
			scene TEXT,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			outputs TEXT,
			reason TEXT,
			error_code TEXT,
			error_message TEXT,
			duration_ms INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (stage, job_key)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_job_outcomes_run ON job_outcomes(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_job_outcomes_status ON job_outcomes(status);`,
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, stmt := range stmts {
		var err error
		if i == 1 {
			_, err = s.db.ExecContext(ctx, stmt, schemaVersion, now)
		} else {
			_, err = s.db.ExecContext(ctx, stmt)
		}
		if err != nil {
			return fmt.Errorf("init job state schema: %w", err)
		}
	}
	return nil
}

// Put upserts rec.
func (s *Store) Put(ctx context.Context, rec Record) error {
	if rec.Stage == "" {
		return errors.New("stage is required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	outputs, err := json.Marshal(rec.Outputs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_outcomes (
			stage, job_key, run_id, job_date, variable, sensor, scene, status, attempts, outputs, reason, error_code, error_message, duration_ms, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stage, job_key) DO UPDATE SET
			run_id=excluded.run_id,
			status=excluded.status,
			attempts=excluded.attempts,
			outputs=excluded.outputs,
			reason=excluded.reason,
			error_code=excluded.error_code,
			error_message=excluded.error_message,
			duration_ms=excluded.duration_ms,
			updated_at=excluded.updated_at
	`,
		rec.Stage, rec.Key.String(), rec.RunID, rec.Key.Date.UTC().Format(time.DateOnly),
		rec.Key.Variable, string(rec.Key.Sensor), rec.Key.Scene,
		string(rec.Status), rec.Attempts, string(outputs), rec.Reason, rec.ErrorCode, rec.ErrorMessage,
		rec.Duration.Milliseconds(), rec.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record %s %s: %w", rec.Stage, rec.Key, err)
	}
	return nil
}

// Get returns the latest record for (stage, key).
func (s *Store) Get(ctx context.Context, stage string, key batch.JobKey) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE stage = ? AND job_key = ?`, stage, key.String())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// Done reports whether (stage, key) last finished with usable outputs.
func (s *Store) Done(ctx context.Context, stage string, key batch.JobKey) (bool, []string, error) {
	rec, err := s.Get(ctx, stage, key)
	if err != nil || rec == nil {
		return false, nil, err
	}
	switch rec.Status {
	case batch.StatusSuccess, batch.StatusSkipped:
		return true, rec.Outputs, nil
	default:
		return false, nil, nil
	}
}

// Filter narrows List.
type Filter struct {
	RunID  string
	Stage  string
	Status batch.Status
	// Limit of zero returns every match.
	Limit int
}

// List returns matching records ordered by stage, date and key.
func (s *Store) List(ctx context.Context, f Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Stage != "" {
		where = append(where, "stage = ?")
		args = append(args, f.Stage)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	q := selectColumns
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY stage, job_date, job_key"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list job outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// StageCount is a per-stage, per-status tally.
type StageCount struct {
	Stage  string
	Status batch.Status
	Count  int
}

// Counts tallies outcomes, optionally for one run.
func (s *Store) Counts(ctx context.Context, runID string) ([]StageCount, error) {
	q := `SELECT stage, status, COUNT(*) FROM job_outcomes`
	var args []any
	if runID != "" {
		q += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	q += ` GROUP BY stage, status ORDER BY stage, status`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("count job outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StageCount
	for rows.Next() {
		var c StageCount
		var status string
		if err := rows.Scan(&c.Stage, &status, &c.Count); err != nil {
			return nil, err
		}
		c.Status = batch.Status(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Prune deletes records last updated before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_outcomes WHERE updated_at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune job outcomes: %w", err)
	}
	return res.RowsAffected()
}

// Recorder adapts the store to batch.Recorder for one run.
func (s *Store) Recorder(runID string) batch.Recorder {
	return &recorder{store: s, runID: runID}
}

type recorder struct {
	store *Store
	runID string
}

func (r *recorder) RecordOutcome(ctx context.Context, stage string, key batch.JobKey, o batch.Outcome) error {
	rec := Record{
		RunID:    r.runID,
		Stage:    stage,
		Key:      key,
		Status:   o.Status,
		Attempts: o.Attempts,
		Outputs:  o.Outputs,
		Reason:   o.Reason,
		Duration: o.Duration,
	}
	if o.Err != nil {
		rec.ErrorCode = pipeerr.Code(o.Err)
		rec.ErrorMessage = o.Err.Error()
	}
	return r.store.Put(ctx, rec)
}

const selectColumns = `SELECT run_id, stage, job_date, variable, sensor, scene, status, attempts, outputs, reason, error_code, error_message, duration_ms, updated_at FROM job_outcomes`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		rec                                  Record
		date, status, updated                string
		variable, sensor, sceneName, outputs sql.NullString
		reason, errCode, errMsg              sql.NullString
		durationMS                           int64
	)
	if err := sc.Scan(&rec.RunID, &rec.Stage, &date, &variable, &sensor, &sceneName, &status, &rec.Attempts,
		&outputs, &reason, &errCode, &errMsg, &durationMS, &updated); err != nil {
		return nil, err
	}
	d, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return nil, fmt.Errorf("parse job date %q: %w", date, err)
	}
	rec.Key = batch.JobKey{Date: d, Variable: variable.String, Sensor: scene.Sensor(sensor.String), Scene: sceneName.String}
	rec.Status = batch.Status(status)
	rec.Reason = reason.String
	rec.ErrorCode = errCode.String
	rec.ErrorMessage = errMsg.String
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	if outputs.Valid && outputs.String != "" && outputs.String != "null" {
		if err := json.Unmarshal([]byte(outputs.String), &rec.Outputs); err != nil {
			return nil, fmt.Errorf("decode outputs: %w", err)
		}
	}
	if rec.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return nil, fmt.Errorf("parse updated_at %q: %w", updated, err)
	}
	return &rec, nil
}
