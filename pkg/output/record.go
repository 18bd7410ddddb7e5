// Package output writes the JSONL run report.
//
// Each line is a typed envelope holding one job outcome, stage tally,
// progress update, error or final summary, and can be parsed on its own.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record types follow the pattern oceangrid.<type>.v<version>.
const (
	TypeJob      = "oceangrid.job.v1"
	TypeStage    = "oceangrid.stage.v1"
	TypeProgress = "oceangrid.progress.v1"
	TypeError    = "oceangrid.error.v1"
	TypeSummary  = "oceangrid.summary.v1"
)

// Record is the envelope for every line.
type Record struct {
	Type  string          `json:"type"`
	TS    time.Time       `json:"ts"`
	RunID string          `json:"run_id"`
	Data  json.RawMessage `json:"data"`
}

// JobRecord is one job's outcome.
type JobRecord struct {
	Stage    string   `json:"stage"`
	Job      string   `json:"job"`
	Date     string   `json:"date"`
	Variable string   `json:"variable,omitempty"`
	Sensor   string   `json:"sensor,omitempty"`
	Scene    string   `json:"scene,omitempty"`
	Status   string   `json:"status"`
	Attempts int      `json:"attempts"`
	Outputs  []string `json:"outputs,omitempty"`
	Reason   string   `json:"reason,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	Duration time.Duration `json:"duration_ns"`
}

// StageRecord is a stage's tally, written when the stage ends.
type StageRecord struct {
	Stage        string        `json:"stage"`
	Total        int           `json:"total"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	Skipped      int           `json:"skipped"`
	NotAttempted int           `json:"not_attempted,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
}

// ProgressRecord marks a phase change.
type ProgressRecord struct {
	Phase string `json:"phase"`
	Stage string `json:"stage,omitempty"`
	Jobs  int    `json:"jobs,omitempty"`
}

// Progress phases.
const (
	PhaseValidating = "validating"
	PhaseStage      = "stage"
	PhaseComplete   = "complete"
)

// ErrorRecord reports a failure outside any single job, such as manifest
// validation.
type ErrorRecord struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
	Details any    `json:"details,omitempty"`
}

// Error codes that have no pipeerr counterpart.
const (
	ErrCodeValidation = "VALIDATION"
	ErrCodeLocked     = "LOCKED"
)

// SummaryRecord closes the report.
type SummaryRecord struct {
	State         string        `json:"state"`
	Stages        []StageRecord `json:"stages"`
	Succeeded     int           `json:"succeeded"`
	Failed        int           `json:"failed"`
	Skipped       int           `json:"skipped"`
	Duration      time.Duration `json:"duration_ns"`
	DurationHuman string        `json:"duration"`
}

// Writer errors.
var (
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // "marshal_data", "marshal_record" or "write"
	Err error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
