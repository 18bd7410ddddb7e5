package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/oceangrid/pkg/batch"
	"github.com/3leaps/oceangrid/pkg/pipeerr"
	"github.com/3leaps/oceangrid/pkg/scene"
)

func jobKey() batch.JobKey {
	return batch.JobKey{Date: time.Date(2016, 1, 5, 0, 0, 0, 0, time.UTC), Variable: "chlor_a", Sensor: scene.Aqua, Scene: "A2016005180000.L1A_LAC"}
}

func TestJSONLWriter_ReportJob(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	err := w.ReportJob(context.Background(), "process", jobKey(), batch.Outcome{
		Status:   batch.StatusFailure,
		Attempts: 2,
		Duration: 3 * time.Second,
		Err:      &pipeerr.ExternalStageError{Stage: "process", Binary: "l2gen", ExitCode: 1, Stderr: "-E- missing ancillary"},
	})
	require.NoError(t, err)

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeJob, record.Type)
	assert.Equal(t, "run-123", record.RunID)
	assert.False(t, record.TS.IsZero())

	var job JobRecord
	require.NoError(t, record.Decode(&job))
	assert.Equal(t, "process", job.Stage)
	assert.Equal(t, "2016-01-05/chlor_a/A/A2016005180000.L1A_LAC", job.Job)
	assert.Equal(t, "2016-01-05", job.Date)
	assert.Equal(t, "A", job.Sensor)
	assert.Equal(t, "failure", job.Status)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, pipeerr.CodeExternalStage, job.ErrorCode)
	assert.Contains(t, job.ErrorMessage, "missing ancillary")
	assert.Equal(t, 3*time.Second, job.Duration)
}

func TestJSONLWriter_SuccessOmitsErrorFields(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-1")
	require.NoError(t, w.ReportJob(context.Background(), "regrid", jobKey(), batch.Succeeded("/data/a.grd")))

	line := buf.String()
	assert.NotContains(t, line, "error_code")
	assert.NotContains(t, line, "reason")
	assert.Contains(t, line, `"outputs":["/data/a.grd"]`)
}

func TestJSONLWriter_StageProgressErrorSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-7")
	ctx := context.Background()

	require.NoError(t, w.WriteProgress(ctx, &ProgressRecord{Phase: PhaseStage, Stage: "download", Jobs: 4}))
	require.NoError(t, w.WriteStage(ctx, NewStageRecord(&batch.Result{
		Stage:   "download",
		Summary: batch.Summary{Total: 4, Succeeded: 2, Failed: 1, Skipped: 1, Duration: time.Second},
	})))
	require.NoError(t, w.WriteError(ctx, &ErrorRecord{Code: ErrCodeValidation, Message: "grid width must be positive"}))
	require.NoError(t, w.WriteSummary(ctx, &SummaryRecord{State: "partial", Succeeded: 2, Failed: 1, Skipped: 1, DurationHuman: "1s"}))

	recs, err := ReadRecords(strings.NewReader(buf.String()))
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.Equal(t, []string{TypeProgress, TypeStage, TypeError, TypeSummary},
		[]string{recs[0].Type, recs[1].Type, recs[2].Type, recs[3].Type})

	var stage StageRecord
	require.NoError(t, recs[1].Decode(&stage))
	assert.Equal(t, StageRecord{Stage: "download", Total: 4, Succeeded: 2, Failed: 1, Skipped: 1, Duration: time.Second}, stage)

	var sum SummaryRecord
	require.NoError(t, recs[3].Decode(&sum))
	assert.Equal(t, "partial", sum.State)
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-1")
	require.NoError(t, w.Close())
	err := w.WriteProgress(context.Background(), &ProgressRecord{Phase: PhaseComplete})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-1")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)
	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WriteJob(context.Background(), &JobRecord{Stage: "download", Attempts: writerID*writesPerWriter + j})
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)
	for i, line := range lines {
		var record Record
		assert.NoError(t, json.Unmarshal([]byte(line), &record), "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteJob(ctx, &JobRecord{Stage: "download"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "run-1")
	err := w.WriteJob(context.Background(), &JobRecord{Stage: "download"})
	require.Error(t, err)

	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, "write", writeErr.Op)
}

type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (int, error) {
	return 0, f.err
}

func TestJSONLWriter_ShortAndZeroWrites(t *testing.T) {
	short := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(short, "run-1")
	require.NoError(t, w.WriteJob(context.Background(), &JobRecord{Stage: "composite", Job: "2016-01-01/chlor_a/A/8DAY"}))

	lines := strings.Split(strings.TrimSpace(short.buf.String()), "\n")
	require.Len(t, lines, 1)
	var record Record
	assert.NoError(t, json.Unmarshal([]byte(lines[0]), &record))

	w = NewJSONLWriter(zeroWriteWriter{}, "run-1")
	assert.ErrorIs(t, w.WriteJob(context.Background(), &JobRecord{}), io.ErrShortWrite)
}

type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (int, error) {
	return sw.buf.Write(p[:min(len(p), sw.bytesPerWrite)])
}

type zeroWriteWriter struct{}

func (zeroWriteWriter) Write(p []byte) (int, error) { return 0, nil }

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}
	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestReadRecords_Malformed(t *testing.T) {
	recs, err := ReadRecords(strings.NewReader("{\"type\":\"oceangrid.job.v1\",\"data\":{}}\n\n{nope\n"))
	assert.ErrorContains(t, err, "report line 3")
	assert.Len(t, recs, 1)
}
