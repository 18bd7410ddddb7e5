package jobstate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/oceangrid/pkg/batch"
	"github.com/3leaps/oceangrid/pkg/pipeerr"
	"github.com/3leaps/oceangrid/pkg/scene"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func key(day int, variable string) batch.JobKey {
	return batch.JobKey{Date: time.Date(2016, 1, day, 0, 0, 0, 0, time.UTC), Variable: variable, Sensor: scene.Aqua}
}

func TestRecorderAndGet(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	rec := s.Recorder("run-1")

	require.NoError(t, rec.RecordOutcome(ctx, "regrid", key(1, "chlor_a"), batch.Outcome{
		Status: batch.StatusSuccess, Outputs: []string{"/data/a.grd"}, Attempts: 1, Duration: 1500 * time.Millisecond,
	}))
	require.NoError(t, rec.RecordOutcome(ctx, "regrid", key(2, "chlor_a"), batch.Outcome{
		Status: batch.StatusFailure, Attempts: 2, Err: &pipeerr.ExternalStageError{Stage: "bin", Binary: "l2bin", ExitCode: 1},
	}))

	got, err := s.Get(ctx, "regrid", key(1, "chlor_a"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, key(1, "chlor_a"), got.Key)
	assert.Equal(t, batch.StatusSuccess, got.Status)
	assert.Equal(t, []string{"/data/a.grd"}, got.Outputs)
	assert.Equal(t, 1500*time.Millisecond, got.Duration)
	assert.WithinDuration(t, time.Now(), got.UpdatedAt, time.Minute)

	failed, err := s.Get(ctx, "regrid", key(2, "chlor_a"))
	require.NoError(t, err)
	assert.Equal(t, pipeerr.CodeExternalStage, failed.ErrorCode)
	assert.Contains(t, failed.ErrorMessage, "exit status 1")
	assert.Nil(t, failed.Outputs)

	missing, err := s.Get(ctx, "download", key(1, "chlor_a"))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDone_LatestWins(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	k := key(3, "sst")

	done, _, err := s.Done(ctx, "process", k)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, s.Put(ctx, Record{RunID: "r1", Stage: "process", Key: k, Status: batch.StatusFailure, ErrorMessage: "boom"}))
	done, _, err = s.Done(ctx, "process", k)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, s.Put(ctx, Record{RunID: "r2", Stage: "process", Key: k, Status: batch.StatusSkipped, Reason: "exists", Outputs: []string{"x.nc"}}))
	done, outs, err := s.Done(ctx, "process", k)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []string{"x.nc"}, outs)

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "r2", all[0].RunID)
	assert.Empty(t, all[0].ErrorMessage)
}

func TestListAndCounts(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	for day := 3; day >= 1; day-- {
		st := batch.StatusSuccess
		if day == 2 {
			st = batch.StatusFailure
		}
		require.NoError(t, s.Put(ctx, Record{RunID: "r1", Stage: "download", Key: key(day, ""), Status: st}))
	}
	require.NoError(t, s.Put(ctx, Record{RunID: "r2", Stage: "composite", Key: key(1, "chlor_a"), Status: batch.StatusSuccess}))

	recs, err := s.List(ctx, Filter{Stage: "download"})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, key(1, ""), recs[0].Key)
	assert.Equal(t, key(3, ""), recs[2].Key)

	recs, err = s.List(ctx, Filter{Status: batch.StatusFailure})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, key(2, ""), recs[0].Key)

	recs, err = s.List(ctx, Filter{RunID: "r1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	counts, err := s.Counts(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []StageCount{
		{Stage: "download", Status: batch.StatusFailure, Count: 1},
		{Stage: "download", Status: batch.StatusSuccess, Count: 2},
	}, counts)

	counts, err = s.Counts(ctx, "")
	require.NoError(t, err)
	assert.Len(t, counts, 3)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.Put(ctx, Record{Stage: "download", Key: key(1, ""), Status: batch.StatusSuccess, UpdatedAt: old}))
	require.NoError(t, s.Put(ctx, Record{Stage: "download", Key: key(2, ""), Status: batch.StatusSuccess}))

	n, err := s.Prune(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recs, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, key(2, ""), recs[0].Key)
}

func TestFileDatabasePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "jobs.db")

	s, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, Record{RunID: "r1", Stage: "bin", Key: key(5, "chlor_a"), Status: batch.StatusSuccess, Outputs: []string{"a.csv"}}))
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	require.NoError(t, s.Ping(ctx))
	done, outs, err := s.Done(ctx, "bin", key(5, "chlor_a"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []string{"a.csv"}, outs)
}

func TestBatchRunnerRecordsIntoStore(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	r := batch.New(batch.Config{Stage: "regrid", Workers: 2, Recorder: s.Recorder("run-9")})
	jobs := []batch.Job{
		{Key: key(1, "chlor_a"), Run: func(ctx context.Context) batch.Outcome { return batch.Succeeded("a.grd") }},
		{Key: key(2, "chlor_a"), Run: func(ctx context.Context) batch.Outcome { return batch.Fail(errors.New("no bins")) }},
	}
	_, err := r.Run(ctx, jobs)
	require.NoError(t, err)

	recs, err := s.List(ctx, Filter{RunID: "run-9"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, pipeerr.CodeInternal, recs[1].ErrorCode)
}

func TestBuildDSN(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		cfg  Config
		want string
		err  bool
	}{
		{"memory", Config{Path: ":memory:"}, ":memory:", false},
		{"plain path", Config{Path: filepath.Join(dir, "a", "jobs.db")}, "file:" + filepath.Join(dir, "a", "jobs.db"), false},
		{"file dsn", Config{Path: "file:" + filepath.Join(dir, "b.db")}, "file:" + filepath.Join(dir, "b.db"), false},
		{"url with token", Config{URL: "libsql://jobs.example.io", AuthToken: "tok"}, "libsql://jobs.example.io?authToken=tok", false},
		{"url keeps token", Config{URL: "libsql://jobs.example.io?authToken=x", AuthToken: "tok"}, "libsql://jobs.example.io?authToken=x", false},
		{"empty", Config{}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildDSN(tt.cfg)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.DirExists(t, filepath.Join(dir, "a"))
}
