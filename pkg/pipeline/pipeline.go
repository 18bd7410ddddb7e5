// Package pipeline runs a manifest: download, process, bin, regrid and
// composite, each stage one batch whose jobs come from the usable outputs
// of the stage before it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/oceangrid/pkg/batch"
	"github.com/3leaps/oceangrid/pkg/binmap"
	"github.com/3leaps/oceangrid/pkg/catalog"
	"github.com/3leaps/oceangrid/pkg/compose"
	"github.com/3leaps/oceangrid/pkg/discover"
	"github.com/3leaps/oceangrid/pkg/fetch"
	"github.com/3leaps/oceangrid/pkg/grid"
	"github.com/3leaps/oceangrid/pkg/jobstate"
	"github.com/3leaps/oceangrid/pkg/manifest"
	"github.com/3leaps/oceangrid/pkg/output"
	"github.com/3leaps/oceangrid/pkg/rasterio"
	"github.com/3leaps/oceangrid/pkg/runregistry"
	"github.com/3leaps/oceangrid/pkg/scene"
	"github.com/3leaps/oceangrid/pkg/stage"
)

// Stage names, in execution order.
const (
	StageDownload  = "download"
	StageProcess   = "process"
	StageBin       = "bin"
	StageRegrid    = "regrid"
	StageComposite = "composite"
)

// StageNames lists every stage in execution order.
var StageNames = []string{StageDownload, StageProcess, StageBin, StageRegrid, StageComposite}

// LockFile is held under the data root for the duration of a run.
const LockFile = ".oceangrid.lock"

var (
	// ErrInvalid wraps every configuration problem found before dispatch.
	ErrInvalid = errors.New("invalid pipeline configuration")

	// ErrLocked means another run holds the data root.
	ErrLocked = errors.New("data root is locked by another run")

	// ErrRunFailed is returned with FailOnError when any job failed.
	ErrRunFailed = errors.New("run finished with failed jobs")
)

// Cataloger records produced rasters.
type Cataloger interface {
	Register(ctx context.Context, e catalog.Entry) error
}

// Options configure a Pipeline beyond what the manifest says.
type Options struct {
	// DataRoot is used when the manifest names none.
	DataRoot string
	// RunID is generated when empty.
	RunID string
	// Workers applies when the manifest sets none.
	Workers int

	// Fetch holds fetcher defaults; manifest fetch settings override them.
	Fetch fetch.Config

	// StageTimeout and StageRetries apply to external stages that set
	// none of their own. Zero keeps the defaults.
	StageTimeout time.Duration
	StageRetries int

	// Resume skips jobs the state store marks done whose outputs still
	// exist.
	Resume bool
	// Force rebuilds outputs that are newer than their inputs.
	Force       bool
	FailOnError bool

	Logger        *zap.Logger
	FetchObserver fetch.Observer
	BatchObserver batch.Observer

	State   *jobstate.Store
	Catalog Cataloger
	Report  output.Writer
	Tracker *runregistry.Tracker
	// Heartbeat is the tracker heartbeat interval.
	Heartbeat time.Duration

	// Lister replaces discovery from the manifest source.
	Lister discover.Lister
	// Sinks are written in addition to the data root.
	Sinks []rasterio.Sink
}

// Pipeline is a validated, ready to run manifest.
type Pipeline struct {
	m     *manifest.Manifest
	opts  Options
	log   *zap.Logger
	runID string
	root  string

	layout  *scene.Layout
	spec    grid.GridSpec
	keys    []batch.JobKey
	periods []compose.Period
	stat    compose.Statistic
	mapOpts map[string]binmap.Options

	fetcher    *fetch.Fetcher
	lister     discover.Lister
	sourceBase string
	matcher    *discover.Matcher
	stages     *stage.Runner
	sink       rasterio.Sink
	runner     *batch.Runner

	closeOnce sync.Once
	closers   []io.Closer
}

// New validates m and builds every collaborator. Nothing is dispatched;
// any error here means no job would have run.
func New(ctx context.Context, m *manifest.Manifest, opts Options) (*Pipeline, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: manifest is required", ErrInvalid)
	}
	if err := m.Check(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pipeline{m: m, opts: opts, runID: opts.RunID}
	if p.runID == "" {
		p.runID = uuid.NewString()
	}
	p.log = log.With(zap.String("run_id", p.runID))

	p.root = m.DataRoot
	if p.root == "" {
		p.root = opts.DataRoot
	}
	if strings.TrimSpace(p.root) == "" {
		return nil, fmt.Errorf("%w: data root is not set", ErrInvalid)
	}
	root, err := filepath.Abs(p.root)
	if err != nil {
		return nil, fmt.Errorf("%w: data root: %w", ErrInvalid, err)
	}
	p.root = root
	p.layout = scene.NewLayout(root)

	if err := p.resolveManifest(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if err := p.buildSources(ctx); err != nil {
		p.Close()
		return nil, err
	}
	if err := p.buildSink(ctx); err != nil {
		p.Close()
		return nil, err
	}

	p.stages = stage.NewRunner(filepath.Join(root, "logs", p.runID), p.log)
	if opts.StageTimeout > 0 {
		p.stages.DefaultTimeout = opts.StageTimeout
	}

	workers := m.Workers
	if workers <= 0 {
		workers = opts.Workers
	}
	bcfg := batch.DefaultConfig()
	if workers > 0 {
		bcfg.Workers = workers
	}
	bcfg.Retry = p.retryPolicy(nil)
	bcfg.Logger = p.log
	bcfg.Observer = opts.BatchObserver
	if opts.State != nil {
		bcfg.Recorder = opts.State.Recorder(p.runID)
	}
	if opts.Report != nil {
		bcfg.Reporter = reportAdapter{opts.Report}
	}
	p.runner = batch.New(bcfg)
	return p, nil
}

func (p *Pipeline) resolveManifest() error {
	m := p.m
	begin, end, err := m.DateRange()
	if err != nil {
		return err
	}
	if p.spec, err = m.GridSpec(); err != nil {
		return err
	}
	if p.periods, err = m.Periods(); err != nil {
		return err
	}
	if p.stat, err = compose.ParseStatistic(m.Composite.Statistic); err != nil {
		return err
	}
	p.keys, err = batch.Expand(batch.Request{
		Begin:     begin,
		End:       end,
		StepDays:  m.StepDays,
		Variables: m.Variables,
		Sensors:   m.SensorCodes(),
	})
	if err != nil {
		return err
	}
	p.mapOpts = make(map[string]binmap.Options)
	for _, v := range m.Variables {
		l3, _, err := m.Suites(v)
		if err != nil {
			return err
		}
		if _, ok := p.mapOpts[l3]; ok {
			continue
		}
		if p.mapOpts[l3], err = m.MapOptions(l3); err != nil {
			return err
		}
	}
	if err := checkURLTemplate(m.Source.URLTemplate); err != nil {
		return err
	}
	p.matcher, err = discover.NewMatcher(m.Source.Includes, m.Source.Excludes)
	return err
}

func (p *Pipeline) retryPolicy(retries *int) batch.RetryPolicy {
	pol := batch.DefaultRetryPolicy()
	switch {
	case retries != nil:
		pol.MaxAttempts = *retries + 1
	case p.opts.StageRetries > 0:
		pol.MaxAttempts = p.opts.StageRetries + 1
	}
	return pol
}

// RunID returns the run identifier.
func (p *Pipeline) RunID() string { return p.runID }

// DataRoot returns the absolute archive root.
func (p *Pipeline) DataRoot() string { return p.root }

// Jobs returns the expanded (date, variable, sensor) keys.
func (p *Pipeline) Jobs() []batch.JobKey { return p.keys }

// Stop asks the run to finish the jobs in flight and start no more.
func (p *Pipeline) Stop() { p.runner.Stop() }

// Close releases providers opened for the run.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		for _, c := range p.closers {
			if err := c.Close(); err != nil {
				p.log.Debug("Close failed", zap.Error(err))
			}
		}
	})
}

// Report describes a finished run.
type Report struct {
	RunID    string
	State    runregistry.RunState
	Stages   []*batch.Result
	Started  time.Time
	Duration time.Duration
}

// Totals sums outcomes over every stage.
func (r *Report) Totals() (succeeded, failed, skipped int) {
	for _, s := range r.Stages {
		succeeded += s.Summary.Succeeded
		failed += s.Summary.Failed
		skipped += s.Summary.Skipped
	}
	return
}

// Stage returns the result of one stage, or nil if it did not run.
func (r *Report) Stage(name string) *batch.Result {
	for _, s := range r.Stages {
		if s.Stage == name {
			return s
		}
	}
	return nil
}

func (r *Report) state() runregistry.RunState {
	ok, failed, skipped := r.Totals()
	switch {
	case failed == 0:
		return runregistry.RunStateSuccess
	case ok+skipped == 0:
		return runregistry.RunStateFailed
	default:
		return runregistry.RunStatePartial
	}
}

// Run executes every enabled stage. Job failures never abort the run; the
// returned error is the context's on cancellation, ErrLocked, or
// ErrRunFailed when FailOnError is set and a job failed.
func (p *Pipeline) Run(ctx context.Context) (rep *Report, err error) {
	rep = &Report{RunID: p.runID, Started: time.Now()}

	if err := os.MkdirAll(p.root, 0o755); err != nil {
		return rep, fmt.Errorf("create data root: %w", err)
	}
	lock := flock.New(filepath.Join(p.root, LockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return rep, fmt.Errorf("lock data root: %w", err)
	}
	if !locked {
		p.writeError(ctx, &output.ErrorRecord{Code: output.ErrCodeLocked, Message: ErrLocked.Error()})
		return rep, fmt.Errorf("%w: %s", ErrLocked, p.root)
	}
	defer func() { _ = lock.Unlock() }()

	if t := p.opts.Tracker; t != nil {
		stop := t.Heartbeat(ctx, p.opts.Heartbeat)
		defer stop()
	}

	p.log.Info("Run starting",
		zap.String("name", p.m.Name),
		zap.String("data_root", p.root),
		zap.Int("jobs", len(p.keys)),
	)

	err = p.runStages(ctx, rep)
	rep.Duration = time.Since(rep.Started)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), p.runner.Stopped():
		rep.State = runregistry.RunStateStopped
	case err != nil:
		rep.State = runregistry.RunStateFailed
	default:
		rep.State = rep.state()
	}

	ok, failed, skipped := rep.Totals()
	p.log.Info("Run finished",
		zap.String("state", string(rep.State)),
		zap.Int("succeeded", ok),
		zap.Int("failed", failed),
		zap.Int("skipped", skipped),
		zap.Duration("duration", rep.Duration),
	)
	p.writeSummary(ctx, rep)

	if err == nil && failed > 0 && (p.opts.FailOnError || p.m.FailOnError) {
		err = fmt.Errorf("%w: %d failed", ErrRunFailed, failed)
	}
	if t := p.opts.Tracker; t != nil {
		finishErr := err
		if finishErr == nil && failed > 0 {
			finishErr = fmt.Errorf("%d jobs failed", failed)
		}
		if ferr := t.Finish(rep.State, finishErr); ferr != nil {
			p.log.Warn("Failed to finalize run record", zap.Error(ferr))
		}
	}
	return rep, err
}

func (p *Pipeline) runStages(ctx context.Context, rep *Report) error {
	l1a, err := p.download(ctx, rep)
	if err != nil {
		return err
	}
	l2, err := p.process(ctx, rep, l1a)
	if err != nil {
		return err
	}
	l3b, err := p.bin(ctx, rep, l2)
	if err != nil {
		return err
	}
	daily, err := p.regrid(ctx, rep, l3b)
	if err != nil {
		return err
	}
	return p.composite(ctx, rep, daily)
}

// runStage runs one batch and records it. A stage without jobs is
// recorded as empty.
func (p *Pipeline) runStage(ctx context.Context, rep *Report, name string, jobs []batch.Job) (*batch.Result, error) {
	p.writeProgress(ctx, &output.ProgressRecord{Phase: output.PhaseStage, Stage: name, Jobs: len(jobs)})

	var res *batch.Result
	if len(jobs) == 0 {
		p.log.Info("Stage has no jobs", zap.String("stage", name))
		res = &batch.Result{Stage: name}
	} else {
		var err error
		res, err = p.runner.WithStage(name).Run(ctx, jobs)
		if res == nil {
			return nil, err
		}
		if err != nil && !errors.Is(err, batch.ErrBatchFailed) {
			p.recordStage(ctx, rep, res)
			return res, err
		}
	}
	p.recordStage(ctx, rep, res)
	if p.runner.Stopped() {
		return res, context.Canceled
	}
	return res, nil
}

func (p *Pipeline) recordStage(ctx context.Context, rep *Report, res *batch.Result) {
	rep.Stages = append(rep.Stages, res)
	sr := output.NewStageRecord(res)
	if p.opts.Report != nil {
		if err := p.opts.Report.WriteStage(context.WithoutCancel(ctx), sr); err != nil {
			p.log.Warn("Failed to write stage record", zap.Error(err))
		}
	}
	if t := p.opts.Tracker; t != nil {
		err := t.AddStage(runregistry.StageSummary{
			Stage:        res.Stage,
			Total:        res.Summary.Total,
			Succeeded:    res.Summary.Succeeded,
			Failed:       res.Summary.Failed,
			Skipped:      res.Summary.Skipped,
			NotAttempted: res.Summary.NotAttempted,
			DurationMS:   res.Summary.Duration.Milliseconds(),
		})
		if err != nil {
			p.log.Warn("Failed to update run record", zap.Error(err))
		}
	}
}

func (p *Pipeline) writeProgress(ctx context.Context, rec *output.ProgressRecord) {
	if p.opts.Report == nil {
		return
	}
	if err := p.opts.Report.WriteProgress(context.WithoutCancel(ctx), rec); err != nil {
		p.log.Warn("Failed to write progress record", zap.Error(err))
	}
}

func (p *Pipeline) writeError(ctx context.Context, rec *output.ErrorRecord) {
	if p.opts.Report == nil {
		return
	}
	if err := p.opts.Report.WriteError(context.WithoutCancel(ctx), rec); err != nil {
		p.log.Warn("Failed to write error record", zap.Error(err))
	}
}

func (p *Pipeline) writeSummary(ctx context.Context, rep *Report) {
	if p.opts.Report == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	p.writeProgress(ctx, &output.ProgressRecord{Phase: output.PhaseComplete})
	ok, failed, skipped := rep.Totals()
	sum := &output.SummaryRecord{
		State:         string(rep.State),
		Succeeded:     ok,
		Failed:        failed,
		Skipped:       skipped,
		Duration:      rep.Duration,
		DurationHuman: rep.Duration.Round(time.Millisecond).String(),
	}
	for _, s := range rep.Stages {
		sum.Stages = append(sum.Stages, *output.NewStageRecord(s))
	}
	if err := p.opts.Report.WriteSummary(ctx, sum); err != nil {
		p.log.Warn("Failed to write summary record", zap.Error(err))
	}
}

// reportAdapter feeds batch outcomes to an output.Writer.
type reportAdapter struct{ w output.Writer }

func (r reportAdapter) ReportJob(ctx context.Context, stage string, key batch.JobKey, o batch.Outcome) error {
	return r.w.WriteJob(ctx, output.NewJobRecord(stage, key, o))
}
