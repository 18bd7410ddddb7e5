package pipeerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	transient := &TransientIOError{Op: "get", URL: "http://x/a", Err: errors.New("connection reset")}
	permanent := &PermanentRequestError{Op: "get", URL: "http://x/a", StatusCode: 404, Err: errors.New("not found")}
	integrity := &DataIntegrityError{Path: "/tmp/a", Kind: "size", Expected: "10", Got: "9"}
	stage := &ExternalStageError{Stage: "l2gen", Binary: "l2gen", ExitCode: 1}

	assert.True(t, IsTransient(transient))
	assert.True(t, IsTransient(integrity), "integrity mismatches trigger a re-fetch")
	assert.False(t, IsTransient(permanent))
	assert.True(t, IsPermanent(fmt.Errorf("wrapped: %w", permanent)))
	assert.True(t, IsExternalStage(fmt.Errorf("job: %w", stage)))
	assert.False(t, IsTransient(nil))
}

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"not found", &PermanentRequestError{StatusCode: 404, Err: errors.New("x")}, CodeNotFound},
		{"forbidden", &PermanentRequestError{StatusCode: 403, Err: errors.New("x")}, CodeAccessDenied},
		{"bad request", &PermanentRequestError{StatusCode: 400, Err: errors.New("x")}, CodePermanent},
		{"integrity", &DataIntegrityError{Kind: "sha256"}, CodeIntegrity},
		{"grid", &GridMismatchError{Index: 1}, CodeGridMismatch},
		{"stage timeout", &ExternalStageError{Stage: "s", TimedOut: true}, CodeTimeout},
		{"stage exit", &ExternalStageError{Stage: "s", ExitCode: 2}, CodeExternalStage},
		{"deadline", &TransientIOError{Op: "get", Err: context.DeadlineExceeded}, CodeTimeout},
		{"canceled", context.Canceled, CodeCanceled},
		{"transient", &TransientIOError{Op: "get", Err: errors.New("reset")}, CodeTransient},
		{"malformed", &MalformedRecordError{Index: -1, Max: 10}, CodeMalformed},
		{"other", errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Code(tt.err))
		})
	}
}

func TestExternalStageError_Message(t *testing.T) {
	err := &ExternalStageError{Stage: "l2bin", Binary: "/opt/l2bin", ExitCode: 3, Stderr: "warming up\nfatal: no input"}
	assert.Equal(t, "stage l2bin (/opt/l2bin): exit status 3: fatal: no input", err.Error())

	timeout := &ExternalStageError{Stage: "l2bin", Binary: "l2bin", TimedOut: true, Err: context.DeadlineExceeded}
	assert.Contains(t, timeout.Error(), "timed out")
	assert.True(t, errors.Is(timeout, context.DeadlineExceeded))
}
