// Package pipeerr defines the error taxonomy shared by every pipeline stage.
//
// Each class is a concrete struct so callers can recover details with
// errors.As, and each exposes Unwrap so sentinel causes from lower layers
// (provider.ErrNotFound, context.DeadlineExceeded, ...) stay visible to
// errors.Is.
package pipeerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// TransientIOError is a network or timeout failure that may succeed on retry.
type TransientIOError struct {
	Op  string
	URL string
	Err error
}

func (e *TransientIOError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("transient %s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("transient %s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// PermanentRequestError is a request the remote refused for good
// (not found, forbidden, malformed). It is never retried.
type PermanentRequestError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *PermanentRequestError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("permanent %s %s: status %d: %v", e.Op, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("permanent %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *PermanentRequestError) Unwrap() error { return e.Err }

// ExternalStageError reports a nonzero exit, crash or timeout of an
// external processing binary.
type ExternalStageError struct {
	Stage    string
	Binary   string
	ExitCode int
	TimedOut bool
	// Stderr holds the tail of the captured stderr stream.
	Stderr string
	Err    error
}

func (e *ExternalStageError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "stage %s (%s)", e.Stage, e.Binary)
	switch {
	case e.TimedOut:
		b.WriteString(": timed out")
	case e.ExitCode != 0:
		fmt.Fprintf(&b, ": exit status %d", e.ExitCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if tail := strings.TrimSpace(e.Stderr); tail != "" {
		fmt.Fprintf(&b, ": %s", lastLine(tail))
	}
	return b.String()
}

func (e *ExternalStageError) Unwrap() error { return e.Err }

// DataIntegrityError is a size or checksum mismatch on transferred data.
type DataIntegrityError struct {
	Path     string
	Kind     string // "size" or the checksum algorithm
	Expected string
	Got      string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("%s mismatch for %s: expected=%s got=%s", e.Kind, e.Path, e.Expected, e.Got)
}

// GridMismatchError is raised when rasters with different geometry are
// combined.
type GridMismatchError struct {
	Index    int
	Expected string
	Got      string
}

func (e *GridMismatchError) Error() string {
	return fmt.Sprintf("grid mismatch at input %d: expected %s, got %s", e.Index, e.Expected, e.Got)
}

// MalformedRecordError describes a bin record outside the scheme's index
// range. The mapper counts these instead of returning them.
type MalformedRecordError struct {
	Index int64
	Max   int64
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("bin index %d outside [1, %d]", e.Index, e.Max)
}

// IsTransient reports whether err is worth retrying at the transfer level.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var t *TransientIOError
	var d *DataIntegrityError
	return errors.As(err, &t) || errors.As(err, &d)
}

// IsPermanent reports whether err is a refused request.
func IsPermanent(err error) bool {
	var p *PermanentRequestError
	return errors.As(err, &p)
}

// IsExternalStage reports whether err came from an external binary.
func IsExternalStage(err error) bool {
	var s *ExternalStageError
	return errors.As(err, &s)
}

// IsIntegrity reports whether err is a size or checksum mismatch.
func IsIntegrity(err error) bool {
	var d *DataIntegrityError
	return errors.As(err, &d)
}

// IsGridMismatch reports whether err is a GridSpec mismatch.
func IsGridMismatch(err error) bool {
	var g *GridMismatchError
	return errors.As(err, &g)
}

// IsTimeout reports whether err carries a deadline expiry anywhere in its chain.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var s *ExternalStageError
	return errors.As(err, &s) && s.TimedOut
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
