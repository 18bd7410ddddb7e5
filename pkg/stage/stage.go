// Package stage runs the external processing binaries (level-1 to level-2
// processing, level-2 binning) as opaque subprocesses.
package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/oceangrid/pkg/pipeerr"
)

var commandContext = exec.CommandContext

// DefaultTimeout bounds an invocation that sets no timeout of its own.
const DefaultTimeout = 30 * time.Minute

// stderrTail is how much stderr is kept in memory for error reports.
const stderrTail = 4 << 10

// Invocation describes one run of an external binary.
type Invocation struct {
	// Name identifies the stage ("process", "bin") in logs and errors.
	Name   string
	Binary string
	// Args are templates; see Expand.
	Args   []string
	Input  string
	Output string
	Params map[string]string
	Env    []string
	Dir    string
	// Timeout of zero uses the runner default.
	Timeout time.Duration
	// Outputs must exist once the binary exits 0. Output is implied.
	Outputs []string
	// LogName is the stem of the captured log files; defaults to the
	// output's base name.
	LogName string
}

// Result describes a successful invocation.
type Result struct {
	Duration   time.Duration
	Outputs    []string
	StdoutPath string
	StderrPath string
}

// Runner executes invocations.
type Runner struct {
	// LogDir receives <stage>-<name>.stdout.log and .stderr.log per
	// invocation. Empty discards stdout and keeps only a stderr tail.
	LogDir         string
	DefaultTimeout time.Duration
	Logger         *zap.Logger
}

// NewRunner returns a runner writing logs under logDir.
func NewRunner(logDir string, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{LogDir: logDir, DefaultTimeout: DefaultTimeout, Logger: logger}
}

// Run executes inv. Exit status 0 with every declared output present is
// success. Anything else removes the declared outputs and returns
// *pipeerr.ExternalStageError.
func (r *Runner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(inv.Binary) == "" {
		return nil, &pipeerr.ExternalStageError{Stage: inv.Name, Err: errors.New("no binary configured")}
	}
	args, err := Expand(inv.Args, inv.vars())
	if err != nil {
		return nil, &pipeerr.ExternalStageError{Stage: inv.Name, Binary: inv.Binary, Err: err}
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = r.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if inv.Output != "" {
		if err := os.MkdirAll(filepath.Dir(inv.Output), 0o755); err != nil {
			return nil, &pipeerr.ExternalStageError{Stage: inv.Name, Binary: inv.Binary, Err: err}
		}
	}

	res := &Result{}
	stdout, stderr, closeLogs, err := r.openLogs(inv, res)
	if err != nil {
		return nil, &pipeerr.ExternalStageError{Stage: inv.Name, Binary: inv.Binary, Err: err}
	}
	defer closeLogs()
	tail := &tailBuffer{max: stderrTail}

	cmd := commandContext(runCtx, inv.Binary, args...) //nolint:gosec
	cmd.Dir = inv.Dir
	if len(inv.Env) > 0 {
		cmd.Env = append(os.Environ(), inv.Env...)
	}
	cmd.Stdout = stdout
	cmd.Stderr = io.MultiWriter(stderr, tail)
	cmd.WaitDelay = 5 * time.Second

	logger.Debug("Starting external stage",
		zap.String("stage", inv.Name),
		zap.String("binary", inv.Binary),
		zap.Strings("args", args),
		zap.Duration("timeout", timeout),
	)
	start := time.Now()
	runErr := cmd.Run()
	res.Duration = time.Since(start)

	if runErr != nil {
		serr := &pipeerr.ExternalStageError{Stage: inv.Name, Binary: inv.Binary, ExitCode: -1, Stderr: tail.String(), Err: runErr}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			serr.ExitCode = exitErr.ExitCode()
			serr.Err = nil
		}
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			serr.TimedOut = true
			serr.Err = context.DeadlineExceeded
		case ctx.Err() != nil:
			serr.Err = ctx.Err()
		}
		logger.Warn("External stage failed",
			zap.String("stage", inv.Name),
			zap.String("binary", inv.Binary),
			zap.Int("exit_code", serr.ExitCode),
			zap.Bool("timed_out", serr.TimedOut),
			zap.Duration("duration", res.Duration),
			zap.String("stderr_log", res.StderrPath),
		)
		discardOutputs(inv, logger)
		return nil, serr
	}

	for _, out := range inv.expectedOutputs() {
		if _, err := os.Stat(out); err != nil {
			discardOutputs(inv, logger)
			return nil, &pipeerr.ExternalStageError{
				Stage:  inv.Name,
				Binary: inv.Binary,
				Stderr: tail.String(),
				Err:    fmt.Errorf("declared output missing: %s", out),
			}
		}
		res.Outputs = append(res.Outputs, out)
	}
	logger.Debug("External stage finished",
		zap.String("stage", inv.Name),
		zap.Duration("duration", res.Duration),
		zap.Strings("outputs", res.Outputs),
	)
	return res, nil
}

func (inv Invocation) vars() map[string]string {
	v := map[string]string{"input": inv.Input, "output": inv.Output}
	for k, val := range inv.Params {
		v["param:"+k] = val
	}
	return v
}

func (inv Invocation) expectedOutputs() []string {
	outs := make([]string, 0, len(inv.Outputs)+1)
	if inv.Output != "" {
		outs = append(outs, inv.Output)
	}
	for _, o := range inv.Outputs {
		if o != inv.Output {
			outs = append(outs, o)
		}
	}
	return outs
}

// discardOutputs removes whatever a failed invocation left at its
// declared outputs. A partial file must never pass for a product.
func discardOutputs(inv Invocation, logger *zap.Logger) {
	for _, out := range inv.expectedOutputs() {
		err := os.Remove(out)
		switch {
		case err == nil:
			logger.Debug("Removed partial output", zap.String("stage", inv.Name), zap.String("path", out))
		case !os.IsNotExist(err):
			logger.Warn("Failed to remove partial output", zap.String("stage", inv.Name), zap.String("path", out), zap.Error(err))
		}
	}
}

func (r *Runner) openLogs(inv Invocation, res *Result) (io.Writer, io.Writer, func(), error) {
	if r.LogDir == "" {
		return io.Discard, io.Discard, func() {}, nil
	}
	if err := os.MkdirAll(r.LogDir, 0o755); err != nil {
		return nil, nil, nil, err
	}
	stem := inv.LogName
	if stem == "" {
		stem = filepath.Base(inv.Output)
	}
	stem = sanitize(inv.Name + "-" + stem)
	res.StdoutPath = filepath.Join(r.LogDir, stem+".stdout.log")
	res.StderrPath = filepath.Join(r.LogDir, stem+".stderr.log")
	out, err := os.Create(res.StdoutPath)
	if err != nil {
		return nil, nil, nil, err
	}
	errf, err := os.Create(res.StderrPath)
	if err != nil {
		_ = out.Close()
		return nil, nil, nil, err
	}
	return out, errf, func() { _ = out.Close(); _ = errf.Close() }, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitize(s string) string { return unsafeChars.ReplaceAllString(s, "_") }

var placeholder = regexp.MustCompile(`\{([a-z_]+(?::[A-Za-z0-9_.-]+)?)\}`)

// Expand substitutes {input}, {output} and {param:name} in each argument.
// Unknown placeholders are an error.
func Expand(args []string, vars map[string]string) ([]string, error) {
	out := make([]string, len(args))
	var missing []string
	for i, a := range args {
		out[i] = placeholder.ReplaceAllStringFunc(a, func(m string) string {
			name := m[1 : len(m)-1]
			v, ok := vars[name]
			if !ok {
				missing = append(missing, name)
				return m
			}
			return v
		})
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("unresolved argument placeholders: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
