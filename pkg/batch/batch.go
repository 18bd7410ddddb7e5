// Package batch executes independent jobs on a bounded worker pool and
// reports one outcome per attempted job, in submission order.
//
// A failing job never aborts its siblings: errors, timeouts and panics are
// all folded into that job's Outcome. A stop request (Runner.Stop or
// context cancellation) is honoured between dequeues, so in-flight jobs
// finish and jobs never started are absent from the Result.
package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/oceangrid/pkg/fetch"
	"github.com/3leaps/oceangrid/pkg/pipeerr"
)

// ErrBatchFailed is returned by Run when FailOnError is set and at least
// one job failed.
var ErrBatchFailed = errors.New("batch finished with failures")

// ErrNoJobs is returned when Run is handed an empty job list.
var ErrNoJobs = errors.New("no jobs to run")

// Status is the terminal state of a job.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusSkipped Status = "skipped"
)

// Outcome is what a job produced.
type Outcome struct {
	Status  Status
	Outputs []string
	Err     error
	// Reason explains a skip ("exists", "verified").
	Reason string
	// Attempts counts every attempt made, including retries a job ran
	// internally (fetch attempts).
	Attempts int
	Duration time.Duration
}

// Succeeded returns a success outcome listing the produced files.
func Succeeded(outputs ...string) Outcome {
	return Outcome{Status: StatusSuccess, Outputs: outputs}
}

// Skip returns a skipped outcome. Outputs name files that already exist and
// can feed downstream stages.
func Skip(reason string, outputs ...string) Outcome {
	return Outcome{Status: StatusSkipped, Reason: reason, Outputs: outputs}
}

// Fail returns a failure outcome.
func Fail(err error) Outcome {
	if err == nil {
		err = errors.New("job failed without an error")
	}
	return Outcome{Status: StatusFailure, Err: err}
}

// FromFetch converts a fetch outcome.
func FromFetch(o fetch.Outcome) Outcome {
	out := Outcome{Attempts: o.Attempts, Duration: o.Duration, Reason: o.Reason, Err: o.Err}
	switch o.Status {
	case fetch.StatusSuccess:
		out.Status = StatusSuccess
	case fetch.StatusSkipped:
		out.Status = StatusSkipped
	default:
		out.Status = StatusFailure
		if out.Err == nil {
			out.Err = errors.New("fetch failed")
		}
	}
	if o.Path != "" && out.Status != StatusFailure {
		out.Outputs = []string{o.Path}
	}
	return out
}

// OK reports whether the job's outputs are usable downstream.
func (o Outcome) OK() bool {
	return o.Status == StatusSuccess || o.Status == StatusSkipped
}

// Job is one unit of work.
type Job struct {
	Key JobKey
	Run func(ctx context.Context) Outcome
	// Retry overrides the runner's policy when set.
	Retry *RetryPolicy
	// Timeout bounds each attempt; zero uses the runner's.
	Timeout time.Duration
}

// RetryPolicy decides whether a failed attempt is repeated.
type RetryPolicy struct {
	// MaxAttempts includes the first attempt; values below 1 mean 1.
	MaxAttempts int
	Backoff     fetch.Backoff
	// RetryOn selects retryable errors; nil uses RetryExternalStage.
	RetryOn func(error) bool
}

// DefaultRetryPolicy retries an external stage failure once.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 2,
		Backoff:     fetch.Backoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.2},
		RetryOn:     RetryExternalStage,
	}
}

// RetryExternalStage matches crashed, failed or timed-out external
// binaries. Parent cancellation is never retried.
func RetryExternalStage(err error) bool {
	return pipeerr.IsExternalStage(err) && !errors.Is(err, context.Canceled)
}

// Recorder persists outcomes as they complete (job-state store).
type Recorder interface {
	RecordOutcome(ctx context.Context, stage string, key JobKey, o Outcome) error
}

// Observer is notified of every outcome (metrics).
type Observer interface {
	ObserveJob(stage string, o Outcome)
}

// Reporter writes outcomes to a run report.
type Reporter interface {
	ReportJob(ctx context.Context, stage string, key JobKey, o Outcome) error
}

// Config configures a Runner.
type Config struct {
	// Stage names the batch in logs, records and metrics.
	Stage   string
	Workers int
	Retry   RetryPolicy
	// Timeout bounds each attempt of a job that sets none. Zero means the
	// job relies on its own inner timeouts.
	Timeout     time.Duration
	FailOnError bool

	Logger   *zap.Logger
	Recorder Recorder
	Observer Observer
	Reporter Reporter
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{Workers: 4, Retry: DefaultRetryPolicy()}
}

// Entry is one job's line in a Result.
type Entry struct {
	Key     JobKey
	Outcome Outcome
}

// Summary counts outcomes.
type Summary struct {
	Total        int
	Succeeded    int
	Failed       int
	Skipped      int
	NotAttempted int
	Duration     time.Duration
}

func (s Summary) String() string {
	return fmt.Sprintf("%d jobs: %d succeeded, %d failed, %d skipped, %d not attempted in %s",
		s.Total, s.Succeeded, s.Failed, s.Skipped, s.NotAttempted, s.Duration.Round(time.Millisecond))
}

// Result holds attempted jobs in submission order.
type Result struct {
	Stage   string
	Entries []Entry
	Summary Summary
	// Stopped is set when a stop request left jobs unattempted.
	Stopped bool
}

// Lookup returns the entry for key.
func (r *Result) Lookup(key JobKey) (Entry, bool) {
	for _, e := range r.Entries {
		if e.Key == key {
			return e, true
		}
	}
	return Entry{}, false
}

// Usable returns the entries whose outputs downstream stages may consume.
func (r *Result) Usable() []Entry {
	var out []Entry
	for _, e := range r.Entries {
		if e.Outcome.OK() {
			out = append(out, e)
		}
	}
	return out
}

// Failures returns the failed entries.
func (r *Result) Failures() []Entry {
	var out []Entry
	for _, e := range r.Entries {
		if e.Outcome.Status == StatusFailure {
			out = append(out, e)
		}
	}
	return out
}

// Runner executes batches. One Runner may run several batches in sequence;
// after Stop every later Run returns immediately with nothing attempted.
type Runner struct {
	cfg Config
	log *zap.Logger

	stop *stopSignal
}

type stopSignal struct {
	once sync.Once
	ch   chan struct{}
}

// New creates a runner.
func New(cfg Config) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Retry.RetryOn == nil {
		cfg.Retry.RetryOn = RetryExternalStage
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{cfg: cfg, log: log, stop: &stopSignal{ch: make(chan struct{})}}
}

// WithStage returns a runner sharing r's configuration, hooks and stop
// state under a different stage name.
func (r *Runner) WithStage(stage string) *Runner {
	cfg := r.cfg
	cfg.Stage = stage
	return &Runner{cfg: cfg, log: r.log, stop: r.stop}
}

// Stop requests a cooperative stop. It is safe to call more than once and
// from any goroutine.
func (r *Runner) Stop() {
	r.stop.once.Do(func() { close(r.stop.ch) })
}

// Stopped reports whether Stop has been called.
func (r *Runner) Stopped() bool {
	select {
	case <-r.stop.ch:
		return true
	default:
		return false
	}
}

// Run executes jobs and blocks until every dequeued job has finished.
//
// On context cancellation the partial result is returned with the
// context's error. With FailOnError set, a batch containing failures
// returns its full result together with ErrBatchFailed.
func (r *Runner) Run(ctx context.Context, jobs []Job) (*Result, error) {
	if err := validateJobs(jobs); err != nil {
		return nil, err
	}
	start := time.Now()
	stage := r.cfg.Stage
	col := newCollector(len(jobs))

	queue := make(chan int, len(jobs))
	for i := range jobs {
		queue <- i
	}
	close(queue)

	r.log.Info("Batch starting",
		zap.String("stage", stage),
		zap.Int("jobs", len(jobs)),
		zap.Int("workers", r.cfg.Workers),
	)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < min(r.cfg.Workers, len(jobs)); w++ {
		g.Go(func() error {
			for i := range queue {
				if r.Stopped() || gctx.Err() != nil {
					return nil
				}
				job := jobs[i]
				o := r.execute(gctx, job)
				if err := col.add(i, job.Key, o); err != nil {
					return err
				}
				r.emit(ctx, stage, job.Key, o)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := col.result(jobs)
	res.Stage = stage
	res.Summary.Duration = time.Since(start)
	res.Stopped = res.Summary.NotAttempted > 0

	r.log.Info("Batch finished",
		zap.String("stage", stage),
		zap.Int("succeeded", res.Summary.Succeeded),
		zap.Int("failed", res.Summary.Failed),
		zap.Int("skipped", res.Summary.Skipped),
		zap.Int("not_attempted", res.Summary.NotAttempted),
		zap.Duration("duration", res.Summary.Duration),
	)

	if err := ctx.Err(); err != nil {
		return res, err
	}
	if r.cfg.FailOnError && res.Summary.Failed > 0 {
		return res, fmt.Errorf("%w: %s: %d of %d jobs failed", ErrBatchFailed, stage, res.Summary.Failed, res.Summary.Total)
	}
	return res, nil
}

func validateJobs(jobs []Job) error {
	if len(jobs) == 0 {
		return ErrNoJobs
	}
	seen := make(map[JobKey]struct{}, len(jobs))
	for i, j := range jobs {
		if j.Run == nil {
			return fmt.Errorf("job %d (%s) has no run function", i, j.Key)
		}
		if _, dup := seen[j.Key]; dup {
			return fmt.Errorf("duplicate job key %s", j.Key)
		}
		seen[j.Key] = struct{}{}
	}
	return nil
}

// execute runs one job through its retry policy.
func (r *Runner) execute(ctx context.Context, job Job) Outcome {
	policy := r.cfg.Retry
	if job.Retry != nil {
		policy = *job.Retry
		if policy.RetryOn == nil {
			policy.RetryOn = RetryExternalStage
		}
	}
	maxAttempts := max(policy.MaxAttempts, 1)
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}

	start := time.Now()
	var (
		o     Outcome
		total int
	)
	for attempt := 1; ; attempt++ {
		o = r.attempt(context.WithValue(ctx, attemptKey{}, attempt), job, timeout)
		total += max(o.Attempts, 1)
		if o.Status != StatusFailure || attempt >= maxAttempts || !policy.RetryOn(o.Err) || ctx.Err() != nil {
			break
		}
		delay := policy.Backoff.Delay(attempt)
		r.log.Warn("Job attempt failed, retrying",
			zap.String("stage", r.cfg.Stage),
			zap.String("job", job.Key.String()),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(o.Err),
		)
		if err := wait(ctx, delay); err != nil {
			break
		}
	}
	o.Attempts = total
	o.Duration = time.Since(start)
	return o
}

type attemptKey struct{}

// Attempt returns the 1-based attempt number of the job running under
// ctx, or 0 outside a Runner.
func Attempt(ctx context.Context) int {
	n, _ := ctx.Value(attemptKey{}).(int)
	return n
}

// attempt runs job once, converting panics and timeouts into failures.
func (r *Runner) attempt(ctx context.Context, job Job, timeout time.Duration) (o Outcome) {
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("Job panicked",
				zap.String("stage", r.cfg.Stage),
				zap.String("job", job.Key.String()),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			o = Fail(fmt.Errorf("job panicked: %v", p))
		}
	}()

	o = job.Run(actx)
	switch o.Status {
	case StatusSuccess, StatusSkipped:
	case StatusFailure:
		if o.Err == nil {
			o.Err = errors.New("job failed without an error")
		}
	default:
		o = Fail(fmt.Errorf("job returned unknown status %q", o.Status))
	}
	if o.Status == StatusFailure && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && !errors.Is(o.Err, context.DeadlineExceeded) {
		o.Err = fmt.Errorf("job timed out after %s: %w: %w", timeout, context.DeadlineExceeded, o.Err)
	}
	return o
}

// emit fans an outcome out to the configured hooks. Hook errors are logged
// and never change the outcome.
func (r *Runner) emit(ctx context.Context, stage string, key JobKey, o Outcome) {
	fields := []zap.Field{
		zap.String("stage", stage),
		zap.String("job", key.String()),
		zap.String("status", string(o.Status)),
		zap.Int("attempts", o.Attempts),
		zap.Duration("duration", o.Duration),
	}
	if o.Status == StatusFailure {
		r.log.Warn("Job failed", append(fields, zap.String("code", pipeerr.Code(o.Err)), zap.Error(o.Err))...)
	} else {
		r.log.Debug("Job finished", fields...)
	}

	hookCtx := context.WithoutCancel(ctx)
	if r.cfg.Observer != nil {
		r.cfg.Observer.ObserveJob(stage, o)
	}
	if r.cfg.Recorder != nil {
		if err := r.cfg.Recorder.RecordOutcome(hookCtx, stage, key, o); err != nil {
			r.log.Warn("Failed to record job outcome", zap.String("job", key.String()), zap.Error(err))
		}
	}
	if r.cfg.Reporter != nil {
		if err := r.cfg.Reporter.ReportJob(hookCtx, stage, key, o); err != nil {
			r.log.Warn("Failed to report job outcome", zap.String("job", key.String()), zap.Error(err))
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// collector is the only state shared between workers. Each slot is
// written at most once.
type collector struct {
	mu      sync.Mutex
	entries []*Entry
	keys    map[JobKey]int
}

func newCollector(n int) *collector {
	return &collector{entries: make([]*Entry, n), keys: make(map[JobKey]int, n)}
}

func (c *collector) add(i int, key JobKey, o Outcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.entries) {
		return fmt.Errorf("job index %d out of range", i)
	}
	if prev, ok := c.keys[key]; ok {
		return fmt.Errorf("outcome for %s already recorded (slot %d)", key, prev)
	}
	if c.entries[i] != nil {
		return fmt.Errorf("slot %d already holds %s", i, c.entries[i].Key)
	}
	c.entries[i] = &Entry{Key: key, Outcome: o}
	c.keys[key] = i
	return nil
}

func (c *collector) result(jobs []Job) *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := &Result{Entries: make([]Entry, 0, len(jobs))}
	res.Summary.Total = len(jobs)
	for _, e := range c.entries {
		if e == nil {
			res.Summary.NotAttempted++
			continue
		}
		switch e.Outcome.Status {
		case StatusSuccess:
			res.Summary.Succeeded++
		case StatusFailure:
			res.Summary.Failed++
		case StatusSkipped:
			res.Summary.Skipped++
		}
		res.Entries = append(res.Entries, *e)
	}
	return res
}
