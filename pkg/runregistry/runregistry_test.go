package runregistry

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	if os.Getenv("RUN_HELPER_MODE") == "sleep" {
		time.Sleep(30 * time.Second)
	}
	os.Exit(0)
}

func helperCmd(mode string) *exec.Cmd {
	cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess")
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "RUN_HELPER_MODE="+mode)
	return cmd
}

func TestStore_WriteGetRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())
	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	rec := &RunRecord{
		RunID:        "run-1",
		Name:         "gulf-8day",
		State:        RunStateSuccess,
		ManifestPath: "/tmp/manifest.yaml",
		CreatedAt:    now,
		StartedAt:    &now,
		Stages:       []StageSummary{{Stage: "download", Total: 3, Succeeded: 2, Skipped: 1, DurationMS: 1200}},
	}
	require.NoError(t, s.Write(rec))

	got, err := s.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, rec.RunID, got.RunID)
	assert.Equal(t, RunStateSuccess, got.State)
	assert.Equal(t, rec.Stages, got.Stages)

	entries, err := os.ReadDir(s.RunDir("run-1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left")

	_, err = s.Get("missing")
	assert.True(t, os.IsNotExist(err))
	assert.Error(t, s.Write(&RunRecord{}))
	assert.Error(t, s.Write(nil))
}

func TestStore_ListNewestFirstAndResolve(t *testing.T) {
	s := NewStore(t.TempDir())
	t1 := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	require.NoError(t, s.Write(&RunRecord{RunID: "abc-1", State: RunStateSuccess, CreatedAt: t1, StartedAt: &t1}))
	require.NoError(t, s.Write(&RunRecord{RunID: "abd-2", State: RunStateFailed, CreatedAt: t2, StartedAt: &t2}))
	require.NoError(t, os.WriteFile(filepath.Join(s.RootDir(), "stray.txt"), nil, 0o644))

	runs, err := s.List()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "abd-2", runs[0].RunID)

	id, err := s.Resolve("abc")
	require.NoError(t, err)
	assert.Equal(t, "abc-1", id)
	id, err = s.Resolve("abd-2")
	require.NoError(t, err)
	assert.Equal(t, "abd-2", id)
	_, err = s.Resolve("ab")
	assert.ErrorContains(t, err, "ambiguous")
	_, err = s.Resolve("zzz")
	assert.ErrorContains(t, err, "not found")

	empty, err := NewStore(filepath.Join(t.TempDir(), "nope")).List()
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStore_ZombieBecomesUnknown(t *testing.T) {
	cmd := helperCmd("exit")
	require.NoError(t, cmd.Run())
	deadPID := cmd.ProcessState.Pid()

	s := NewStore(t.TempDir())
	require.NoError(t, s.Write(&RunRecord{RunID: "z", State: RunStateRunning, PID: deadPID, CreatedAt: time.Now()}))
	got, err := s.Get("z")
	require.NoError(t, err)
	assert.Equal(t, RunStateUnknown, got.State)

	onDisk, err := s.read("z")
	require.NoError(t, err)
	assert.Equal(t, RunStateUnknown, onDisk.State)
}

func TestStore_GC(t *testing.T) {
	s := NewStore(t.TempDir())
	old := time.Now().Add(-10 * 24 * time.Hour)
	recent := time.Now()
	require.NoError(t, s.Write(&RunRecord{RunID: "old", State: RunStateSuccess, CreatedAt: old, EndedAt: &old}))
	require.NoError(t, s.Write(&RunRecord{RunID: "new", State: RunStatePartial, CreatedAt: recent, EndedAt: &recent}))
	require.NoError(t, s.Write(&RunRecord{RunID: "queued", State: RunStateQueued, CreatedAt: old}))

	cutoff := time.Now().Add(-7 * 24 * time.Hour)
	ids, err := s.GC(cutoff, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)
	assert.DirExists(t, s.RunDir("old"))

	ids, err = s.GC(cutoff, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)
	assert.NoDirExists(t, s.RunDir("old"))
	assert.DirExists(t, s.RunDir("queued"))
}

func TestTracker_Lifecycle(t *testing.T) {
	s := NewStore(t.TempDir())
	tr, err := Begin(s, RunRecord{RunID: "r1", DataRoot: "/data"})
	require.NoError(t, err)

	rec, err := s.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, RunStateRunning, rec.State)
	assert.Equal(t, os.Getpid(), rec.PID)
	require.NotNil(t, rec.StartedAt)

	require.NoError(t, tr.AddStage(StageSummary{Stage: "download", Total: 2, Succeeded: 2}))
	require.NoError(t, tr.AddStage(StageSummary{Stage: "process", Total: 2, Failed: 1, Succeeded: 1}))
	require.NoError(t, tr.Finish(RunStatePartial, errors.New("1 job failed")))

	rec, err = s.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, RunStatePartial, rec.State)
	assert.Equal(t, "1 job failed", rec.Error)
	require.NotNil(t, rec.EndedAt)
	assert.Len(t, rec.Stages, 2)
	assert.Equal(t, tr.Snapshot().Stages, rec.Stages)
}

func TestTracker_Heartbeat(t *testing.T) {
	s := NewStore(t.TempDir())
	tr, err := Begin(s, RunRecord{RunID: "hb"})
	require.NoError(t, err)
	first := *tr.Snapshot().LastHeartbeat

	stop := tr.Heartbeat(context.Background(), 10*time.Millisecond)
	require.Eventually(t, func() bool {
		rec, err := s.Get("hb")
		return err == nil && rec.LastHeartbeat.After(first)
	}, 2*time.Second, 10*time.Millisecond)
	stop()
	stop()
}

func TestExecutor_StartBackground(t *testing.T) {
	var gotArgs []string
	execCommand = func(name string, args ...string) *exec.Cmd {
		gotArgs = args
		return helperCmd("exit")
	}
	t.Cleanup(func() { execCommand = exec.Command })

	dir := t.TempDir()
	manifest := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte("name: x\n"), 0o644))

	e := NewExecutor(filepath.Join(dir, "runs"))
	rec, err := e.StartBackground(manifest, BackgroundOptions{Name: " nightly ", Args: []string{"--workers", "2"}})
	require.NoError(t, err)
	assert.Equal(t, "nightly", rec.Name)
	assert.Equal(t, RunStateQueued, rec.State)
	assert.Greater(t, rec.PID, 0)
	assert.Equal(t, []string{"run", "--manifest", manifest, ManagedRunFlag, rec.RunID, "--workers", "2"}, gotArgs)
	assert.FileExists(t, e.StdoutPath(rec.RunID))
	assert.FileExists(t, e.Store().RunPath(rec.RunID))

	_, err = e.StartBackground(filepath.Join(dir, "missing.yaml"), BackgroundOptions{})
	assert.ErrorContains(t, err, "manifest not found")
	_, err = e.StartBackground("", BackgroundOptions{})
	assert.Error(t, err)
}

func TestExecutor_Dedupe(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte("name: x\n"), 0o644))

	e := NewExecutor(filepath.Join(dir, "runs"))
	require.NoError(t, e.Store().Write(&RunRecord{RunID: "live", State: RunStateRunning, ManifestPath: manifest, PID: os.Getpid(), CreatedAt: time.Now()}))
	_, err := e.StartBackground(manifest, BackgroundOptions{Dedupe: true})
	assert.ErrorContains(t, err, "duplicate running run exists: live")
}

func TestStore_Stop(t *testing.T) {
	cmd := helperCmd("sleep")
	require.NoError(t, cmd.Start())
	waited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(waited)
	}()

	s := NewStore(t.TempDir())
	require.NoError(t, s.Write(&RunRecord{RunID: "r", State: RunStateRunning, PID: cmd.Process.Pid, CreatedAt: time.Now()}))

	rec, err := s.Stop("r", false, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, RunStateStopped, rec.State)
	require.NotNil(t, rec.EndedAt)

	select {
	case <-waited:
	case <-time.After(10 * time.Second):
		t.Fatal("helper process still running")
	}

	_, err = s.Stop("r", false, time.Second)
	assert.ErrorContains(t, err, "not running")
}
