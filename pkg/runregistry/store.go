package runregistry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// Store persists run records under a root directory:
//
//	<root>/<run_id>/run.json
//	<root>/<run_id>/stdout.log
//	<root>/<run_id>/stderr.log
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string { return s.root }

func (s *Store) RunDir(runID string) string { return filepath.Join(s.root, runID) }

func (s *Store) RunPath(runID string) string { return filepath.Join(s.RunDir(runID), "run.json") }

func (s *Store) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("run registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0o755)
}

// Write replaces run.json atomically.
func (s *Store) Write(rec *RunRecord) error {
	if rec == nil {
		return fmt.Errorf("run record is nil")
	}
	runID := strings.TrimSpace(rec.RunID)
	if runID == "" {
		return fmt.Errorf("run_id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}
	dir := s.RunDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, "run.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp run file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp run file: %w", err)
	}
	if err := os.Rename(tmpName, s.RunPath(runID)); err != nil {
		return fmt.Errorf("rename run file: %w", err)
	}
	return nil
}

// Get loads a run. A record claiming to run whose process is gone is
// rewritten as unknown.
func (s *Store) Get(runID string) (*RunRecord, error) {
	rec, err := s.read(runID)
	if err != nil {
		return nil, err
	}
	if (rec.State == RunStateRunning || rec.State == RunStateStopping) && rec.PID > 0 && !ProcessAlive(rec.PID) {
		rec.State = RunStateUnknown
		now := time.Now().UTC()
		rec.LastHeartbeat = &now
		_ = s.Write(rec)
	}
	return rec, nil
}

func (s *Store) read(runID string) (*RunRecord, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	b, err := os.ReadFile(s.RunPath(runID))
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("run.json is empty")
	}
	var rec RunRecord
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		return nil, fmt.Errorf("parse run.json: %w", err)
	}
	return &rec, nil
}

// List returns every readable run, newest first.
func (s *Store) List() ([]RunRecord, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs root: %w", err)
	}
	out := make([]RunRecord, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		r, err := s.Get(e.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SortTime().After(out[j].SortTime())
	})
	return out, nil
}

// Resolve expands a unique run id prefix.
func (s *Store) Resolve(prefix string) (string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "", fmt.Errorf("run_id is required")
	}
	if _, err := os.Stat(s.RunPath(prefix)); err == nil {
		return prefix, nil
	}
	runs, err := s.List()
	if err != nil {
		return "", err
	}
	var matches []string
	for _, r := range runs {
		if strings.HasPrefix(r.RunID, prefix) {
			matches = append(matches, r.RunID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("run not found: %s", prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("run id prefix %q is ambiguous (%d matches)", prefix, len(matches))
	}
}

// GC removes terminal runs that ended before cutoff and returns their ids.
func (s *Store) GC(cutoff time.Time, dryRun bool) ([]string, error) {
	runs, err := s.List()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, r := range runs {
		if !r.State.Terminal() {
			continue
		}
		end := r.SortTime()
		if r.EndedAt != nil {
			end = r.EndedAt.UTC()
		}
		if !end.Before(cutoff) {
			continue
		}
		if !dryRun {
			if err := os.RemoveAll(s.RunDir(r.RunID)); err != nil {
				return removed, fmt.Errorf("remove run %s: %w", r.RunID, err)
			}
		}
		removed = append(removed, r.RunID)
	}
	return removed, nil
}

// ProcessAlive reports whether pid names a live process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks for existence without delivering anything.
	return p.Signal(syscall.Signal(0)) == nil
}
