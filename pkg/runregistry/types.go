package runregistry

import "time"

// RunState is the lifecycle state of a pipeline run.
//
// These values are persisted in run.json.
type RunState string

const (
	RunStateQueued   RunState = "queued"
	RunStateRunning  RunState = "running"
	RunStateStopping RunState = "stopping"
	RunStateStopped  RunState = "stopped"
	RunStateSuccess  RunState = "success"
	RunStatePartial  RunState = "partial"
	RunStateFailed   RunState = "failed"
	RunStateUnknown  RunState = "unknown"
)

// Terminal reports whether s is a final state.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateStopped, RunStateSuccess, RunStatePartial, RunStateFailed, RunStateUnknown:
		return true
	}
	return false
}

// StageSummary is the per-stage tally stored in run.json.
type StageSummary struct {
	Stage        string `json:"stage"`
	Total        int    `json:"total"`
	Succeeded    int    `json:"succeeded"`
	Failed       int    `json:"failed"`
	Skipped      int    `json:"skipped"`
	NotAttempted int    `json:"not_attempted,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
}

// RunRecord is the persistent record written to run.json. Fields are only
// ever added.
type RunRecord struct {
	RunID        string   `json:"run_id"`
	Name         string   `json:"name,omitempty"`
	State        RunState `json:"state"`
	ManifestPath string   `json:"manifest_path,omitempty"`
	DataRoot     string   `json:"data_root,omitempty"`
	PID          int      `json:"pid,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	Stages     []StageSummary `json:"stages,omitempty"`
	ReportPath string         `json:"report_path,omitempty"`
	LogDir     string         `json:"log_dir,omitempty"`
	StdoutPath string         `json:"stdout_path,omitempty"`
	StderrPath string         `json:"stderr_path,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// SortTime is the time runs are ordered by.
func (r RunRecord) SortTime() time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}
