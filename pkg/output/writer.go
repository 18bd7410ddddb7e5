package output

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/3leaps/oceangrid/pkg/batch"
	"github.com/3leaps/oceangrid/pkg/pipeerr"
)

// Writer emits report records. Implementations must be safe for
// concurrent use; each call writes one complete line.
type Writer interface {
	WriteJob(ctx context.Context, job *JobRecord) error
	WriteStage(ctx context.Context, stage *StageRecord) error
	WriteProgress(ctx context.Context, prog *ProgressRecord) error
	WriteError(ctx context.Context, err *ErrorRecord) error
	WriteSummary(ctx context.Context, sum *SummaryRecord) error
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON. Writes are
// serialized so lines never interleave.
type JSONLWriter struct {
	w     io.Writer
	runID string
	mu    sync.Mutex

	closed bool
}

// NewJSONLWriter creates a writer tagging every record with runID.
func NewJSONLWriter(w io.Writer, runID string) *JSONLWriter {
	return &JSONLWriter{w: w, runID: runID}
}

func (jw *JSONLWriter) WriteJob(ctx context.Context, job *JobRecord) error {
	return jw.writeRecord(ctx, TypeJob, job)
}

func (jw *JSONLWriter) WriteStage(ctx context.Context, stage *StageRecord) error {
	return jw.writeRecord(ctx, TypeStage, stage)
}

func (jw *JSONLWriter) WriteProgress(ctx context.Context, prog *ProgressRecord) error {
	return jw.writeRecord(ctx, TypeProgress, prog)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, err)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, sum)
}

// ReportJob implements batch.Reporter.
func (jw *JSONLWriter) ReportJob(ctx context.Context, stage string, key batch.JobKey, o batch.Outcome) error {
	return jw.WriteJob(ctx, NewJobRecord(stage, key, o))
}

// Close marks the writer closed. The underlying writer is left open.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()
	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	recordBytes, err := json.Marshal(Record{
		Type:  recordType,
		TS:    time.Now().UTC(),
		RunID: jw.runID,
		Data:  dataBytes,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// writeAll loops over short writes so a line is never truncated.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// NewJobRecord converts a batch outcome.
func NewJobRecord(stage string, key batch.JobKey, o batch.Outcome) *JobRecord {
	rec := &JobRecord{
		Stage:    stage,
		Job:      key.String(),
		Date:     key.Date.UTC().Format(time.DateOnly),
		Variable: key.Variable,
		Sensor:   string(key.Sensor),
		Scene:    key.Scene,
		Status:   string(o.Status),
		Attempts: o.Attempts,
		Outputs:  o.Outputs,
		Reason:   o.Reason,
		Duration: o.Duration,
	}
	if o.Err != nil {
		rec.ErrorCode = pipeerr.Code(o.Err)
		rec.ErrorMessage = o.Err.Error()
	}
	return rec
}

// NewStageRecord converts a batch result.
func NewStageRecord(res *batch.Result) *StageRecord {
	return &StageRecord{
		Stage:        res.Stage,
		Total:        res.Summary.Total,
		Succeeded:    res.Summary.Succeeded,
		Failed:       res.Summary.Failed,
		Skipped:      res.Summary.Skipped,
		NotAttempted: res.Summary.NotAttempted,
		Duration:     res.Summary.Duration,
	}
}

// ReadRecords parses a report. Blank lines are ignored.
func ReadRecords(r io.Reader) ([]Record, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	var out []Record
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(b, &rec); err != nil {
			return out, fmt.Errorf("report line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

// Decode unmarshals the payload of rec into v.
func (r Record) Decode(v any) error {
	return json.Unmarshal(r.Data, v)
}

var (
	_ Writer         = (*JSONLWriter)(nil)
	_ batch.Reporter = (*JSONLWriter)(nil)
)
