package runregistry

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ManagedRunFlag is the hidden flag through which a background child learns
// its run id.
const ManagedRunFlag = "--_managed-run-id"

var execCommand = exec.Command

// Executor spawns runs as detached child processes of the current binary,
// capturing their stdout and stderr into the run directory.
type Executor struct {
	store *Store
}

func NewExecutor(root string) *Executor {
	return &Executor{store: NewStore(root)}
}

func (e *Executor) Store() *Store { return e.store }

func (e *Executor) StdoutPath(runID string) string {
	return filepath.Join(e.store.RunDir(runID), "stdout.log")
}

func (e *Executor) StderrPath(runID string) string {
	return filepath.Join(e.store.RunDir(runID), "stderr.log")
}

// BackgroundOptions tune StartBackground.
type BackgroundOptions struct {
	Name string
	// Dedupe refuses to start when a run of the same manifest is running.
	Dedupe bool
	// Args are appended after the manifest flag.
	Args []string
}

// StartBackground spawns
//
//	<self> run --manifest <manifest> --_managed-run-id <run_id> [args...]
//
// and returns once the child has started.
func (e *Executor) StartBackground(manifestPath string, opts BackgroundOptions) (*RunRecord, error) {
	if e == nil || e.store == nil {
		return nil, fmt.Errorf("executor is not initialized")
	}
	absManifest, err := filepath.Abs(strings.TrimSpace(manifestPath))
	if err != nil || strings.TrimSpace(manifestPath) == "" {
		return nil, fmt.Errorf("manifest path is required")
	}
	if _, err := os.Stat(absManifest); err != nil {
		return nil, fmt.Errorf("manifest not found: %s", absManifest)
	}
	if opts.Dedupe {
		existing, _ := e.store.List()
		for _, r := range existing {
			if r.ManifestPath == absManifest && r.State == RunStateRunning {
				return nil, fmt.Errorf("duplicate running run exists: %s", r.RunID)
			}
		}
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}

	runID := uuid.New().String()
	if err := os.MkdirAll(e.store.RunDir(runID), 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	stdout, err := os.Create(e.StdoutPath(runID))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	defer func() { _ = stdout.Close() }()
	stderr, err := os.Create(e.StderrPath(runID))
	if err != nil {
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer func() { _ = stderr.Close() }()

	args := append([]string{"run", "--manifest", absManifest, ManagedRunFlag, runID}, opts.Args...)
	cmd := execCommand(exe, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start managed run: %w", err)
	}

	now := time.Now().UTC()
	rec := &RunRecord{
		RunID:         runID,
		Name:          strings.TrimSpace(opts.Name),
		State:         RunStateQueued,
		ManifestPath:  absManifest,
		PID:           cmd.Process.Pid,
		CreatedAt:     now,
		LastHeartbeat: &now,
		StdoutPath:    e.StdoutPath(runID),
		StderrPath:    e.StderrPath(runID),
	}
	if err := e.store.Write(rec); err != nil {
		return nil, err
	}
	go func() { _ = cmd.Wait() }()
	return rec, nil
}

// Stop signals a running run: SIGTERM first, escalating to SIGKILL when
// the process outlives grace. force sends SIGKILL straight away.
func (s *Store) Stop(runID string, force bool, grace time.Duration) (*RunRecord, error) {
	rec, err := s.Get(runID)
	if err != nil {
		return nil, err
	}
	if rec.PID <= 0 {
		return rec, fmt.Errorf("run has no pid recorded")
	}
	if rec.State != RunStateRunning && rec.State != RunStateQueued {
		return rec, fmt.Errorf("run is not running (state=%s)", rec.State)
	}
	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return rec, fmt.Errorf("find process: %w", err)
	}

	mark := func(state RunState) {
		now := time.Now().UTC()
		rec.State = state
		rec.LastHeartbeat = &now
		if state == RunStateStopped {
			rec.EndedAt = &now
		}
		_ = s.Write(rec)
	}
	mark(RunStateStopping)

	if force {
		if err := proc.Signal(syscall.SIGKILL); err != nil {
			return rec, fmt.Errorf("signal kill: %w", err)
		}
		mark(RunStateStopped)
		return rec, nil
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return rec, fmt.Errorf("signal term: %w", err)
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !ProcessAlive(rec.PID) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if ProcessAlive(rec.PID) {
		_ = proc.Signal(syscall.SIGKILL)
	}
	// The child may already have written its own terminal state.
	if cur, err := s.read(runID); err == nil && cur.State.Terminal() {
		return cur, nil
	}
	mark(RunStateStopped)
	return rec, nil
}
