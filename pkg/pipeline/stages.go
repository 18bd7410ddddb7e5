package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/oceangrid/pkg/batch"
	"github.com/3leaps/oceangrid/pkg/binmap"
	"github.com/3leaps/oceangrid/pkg/catalog"
	"github.com/3leaps/oceangrid/pkg/compose"
	"github.com/3leaps/oceangrid/pkg/discover"
	"github.com/3leaps/oceangrid/pkg/fetch"
	"github.com/3leaps/oceangrid/pkg/grid"
	"github.com/3leaps/oceangrid/pkg/manifest"
	"github.com/3leaps/oceangrid/pkg/output"
	"github.com/3leaps/oceangrid/pkg/pipeerr"
	"github.com/3leaps/oceangrid/pkg/rasterio"
	"github.com/3leaps/oceangrid/pkg/scene"
	"github.com/3leaps/oceangrid/pkg/stage"
)

// DailyComposite is the composite label of single-day products.
const DailyComposite = "DAY"

// artifact is a usable stage output.
type artifact struct {
	Key  scene.Key
	Path string
}

type pending struct {
	job batch.Job
	out artifact
}

// runArtifacts runs work as one stage and returns the artifacts of the
// usable jobs, in job order.
func (p *Pipeline) runArtifacts(ctx context.Context, rep *Report, name string, work []pending) ([]artifact, error) {
	jobs := make([]batch.Job, len(work))
	byKey := make(map[batch.JobKey]artifact, len(work))
	for i, w := range work {
		jobs[i] = p.resumable(name, w.job)
		byKey[w.job.Key] = w.out
	}
	res, err := p.runStage(ctx, rep, name, jobs)
	if res == nil {
		return nil, err
	}
	var out []artifact
	for _, e := range res.Usable() {
		if a, ok := byKey[e.Key]; ok {
			out = append(out, a)
		}
	}
	return out, err
}

// resumable skips job when the state store already holds a completed
// outcome for it and every recorded output is still on disk.
func (p *Pipeline) resumable(stageName string, job batch.Job) batch.Job {
	if !p.opts.Resume || p.opts.State == nil {
		return job
	}
	run, key := job.Run, job.Key
	job.Run = func(ctx context.Context) batch.Outcome {
		done, outputs, err := p.opts.State.Done(ctx, stageName, key)
		if err != nil {
			p.log.Warn("Job state lookup failed", zap.String("stage", stageName), zap.String("job", key.String()), zap.Error(err))
		} else if done && allExist(outputs) {
			return batch.Skip("completed by an earlier run", outputs...)
		}
		return run(ctx)
	}
	return job
}

func (p *Pipeline) download(ctx context.Context, rep *Report) ([]artifact, error) {
	dates := p.stepDates()
	if !p.m.Stages.Download.IsEnabled() {
		cands, err := p.local(ctx, scene.L1A)
		if err != nil {
			return nil, fmt.Errorf("scan archive: %w", err)
		}
		var out []artifact
		for _, c := range cands {
			if dates[c.Key.Date()] {
				out = append(out, artifact{Key: c.Key, Path: c.URL})
			}
		}
		p.log.Info("Download disabled, using archived scenes", zap.Int("scenes", len(out)))
		return out, nil
	}

	res, err := discover.Discover(ctx, p.lister, p.matcher, p.query())
	if err != nil {
		p.writeError(ctx, &output.ErrorRecord{Code: pipeerr.Code(err), Message: err.Error(), Stage: StageDownload})
		return nil, fmt.Errorf("discover scenes: %w", err)
	}
	p.log.Info("Discovered scenes",
		zap.Int("candidates", len(res.Candidates)),
		zap.Int("unparsed", res.Unparsed),
		zap.Int("filtered", res.Filtered),
	)

	// The fetcher retries internally.
	once := batch.RetryPolicy{MaxAttempts: 1}
	var work []pending
	for _, c := range res.Candidates {
		if !dates[c.Key.Date()] {
			continue
		}
		dest, err := p.layout.Path(c.Key)
		if err != nil {
			p.log.Warn("Scene has no archive path", zap.String("name", c.Name), zap.Error(err))
			continue
		}
		src, err := p.sourceURL(c)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		req := fetch.Request{
			URL:          src,
			Destination:  dest,
			ExpectedSize: c.Size,
			Checksum:     c.Checksum,
			Overwrite:    p.m.Fetch.Overwrite,
			VerifyRemote: p.m.Fetch.VerifyRemote,
		}
		work = append(work, pending{
			job: batch.Job{
				Key:   batch.JobKey{Date: c.Key.Date(), Sensor: c.Key.Sensor, Scene: c.Name},
				Retry: &once,
				Run: func(ctx context.Context) batch.Outcome {
					return batch.FromFetch(p.fetcher.Fetch(ctx, req))
				},
			},
			out: artifact{Key: c.Key, Path: dest},
		})
	}
	return p.runArtifacts(ctx, rep, StageDownload, work)
}

// l2Suites lists the distinct L2 suites the variables need, with the L3
// suite each one feeds.
func (p *Pipeline) l2Suites() (l2 []string, l3For map[string][]string) {
	l3For = make(map[string][]string)
	for _, v := range p.m.Variables {
		s3, s2, err := p.m.Suites(v)
		if err != nil {
			continue
		}
		if !slices.Contains(l2, s2) {
			l2 = append(l2, s2)
		}
		if !slices.Contains(l3For[s2], s3) {
			l3For[s2] = append(l3For[s2], s3)
		}
	}
	return l2, l3For
}

func (p *Pipeline) process(ctx context.Context, rep *Report, l1a []artifact) ([]artifact, error) {
	suites, _ := p.l2Suites()
	st := p.m.Stages.Process
	if !st.IsEnabled() {
		cands, err := p.local(ctx, scene.L2)
		if err != nil {
			return nil, fmt.Errorf("scan archive: %w", err)
		}
		dates := p.stepDates()
		var out []artifact
		for _, c := range cands {
			if dates[c.Key.Date()] && slices.Contains(suites, c.Key.Suite) {
				out = append(out, artifact{Key: c.Key, Path: c.URL})
			}
		}
		p.log.Info("Process disabled, using archived level-2 files", zap.Int("files", len(out)))
		return out, nil
	}

	timeout, _ := manifest.ParseDuration(st.Timeout)
	retry := p.retryPolicy(st.Retries)
	var work []pending
	for _, a := range l1a {
		for _, suite := range suites {
			k := a.Key.At(scene.L2)
			k.Suite = suite
			out, err := p.layout.Path(k)
			if err != nil {
				return nil, err
			}
			inv := stage.Invocation{
				Name:    StageProcess,
				Binary:  st.Binary,
				Args:    st.Args,
				Input:   a.Path,
				Output:  out,
				Params:  params(st.Params, map[string]string{"suite": suite, "sensor": string(k.Sensor), "date": k.Date().Format(time.DateOnly)}),
				Env:     st.Env,
				Timeout: timeout,
				LogName: stem(out),
			}
			work = append(work, pending{
				job: batch.Job{
					Key:   batch.JobKey{Date: k.Date(), Variable: suite, Sensor: k.Sensor, Scene: filepath.Base(out)},
					Retry: &retry,
					Run:   p.external(inv, a.Path),
				},
				out: artifact{Key: k, Path: out},
			})
		}
	}
	return p.runArtifacts(ctx, rep, StageProcess, work)
}

type binGroup struct {
	date   time.Time
	sensor scene.Sensor
	suite  string
}

func (p *Pipeline) bin(ctx context.Context, rep *Report, l2 []artifact) ([]artifact, error) {
	st := p.m.Stages.Bin
	if !st.IsEnabled() {
		out := p.existing(func(k batch.JobKey, l3 string) scene.Key { return p.l3bKey(k.Sensor, k.Date, l3) })
		p.log.Info("Bin disabled, using archived bin files", zap.Int("files", len(out)))
		return out, nil
	}

	var order []binGroup
	inputs := make(map[binGroup][]string)
	for _, a := range l2 {
		g := binGroup{date: a.Key.Date(), sensor: a.Key.Sensor, suite: a.Key.Suite}
		if _, ok := inputs[g]; !ok {
			order = append(order, g)
		}
		inputs[g] = append(inputs[g], a.Path)
	}

	_, l3For := p.l2Suites()
	timeout, _ := manifest.ParseDuration(st.Timeout)
	retry := p.retryPolicy(st.Retries)
	listDir := filepath.Join(p.root, "logs", p.runID, "inputs")
	var work []pending
	for _, g := range order {
		ins := inputs[g]
		slices.Sort(ins)
		for _, l3 := range l3For[g.suite] {
			k := p.l3bKey(g.sensor, g.date, l3)
			out, err := p.layout.Path(k)
			if err != nil {
				return nil, err
			}
			list := filepath.Join(listDir, stem(out)+".txt")
			inv := stage.Invocation{
				Name:   StageBin,
				Binary: st.Binary,
				Args:   st.Args,
				Input:  list,
				Output: out,
				Params: params(st.Params, map[string]string{
					"suite":      l3,
					"l2suite":    g.suite,
					"resolution": p.m.Regrid.BinResolution,
					"date":       g.date.Format(time.DateOnly),
					"sensor":     string(g.sensor),
				}),
				Env:     st.Env,
				Timeout: timeout,
				LogName: stem(out),
			}
			run := p.external(inv, ins...)
			work = append(work, pending{
				job: batch.Job{
					Key:   batch.JobKey{Date: g.date, Variable: l3, Sensor: g.sensor, Scene: filepath.Base(out)},
					Retry: &retry,
					Run: func(ctx context.Context) batch.Outcome {
						if err := writeList(list, ins); err != nil {
							return batch.Fail(err)
						}
						return run(ctx)
					},
				},
				out: artifact{Key: k, Path: out},
			})
		}
	}
	return p.runArtifacts(ctx, rep, StageBin, work)
}

func (p *Pipeline) l3bKey(sensor scene.Sensor, date time.Time, suite string) scene.Key {
	k := scene.New(sensor, date, scene.L3b)
	k.Suite = suite
	k.Composite = DailyComposite
	return k
}

func (p *Pipeline) dailyKey(sensor scene.Sensor, date time.Time, suite, variable string) scene.Key {
	return scene.New(sensor, date, scene.L3m).
		WithVariable(suite, variable).
		WithComposite(DailyComposite, p.m.Regrid.Resolution)
}

func (p *Pipeline) regrid(ctx context.Context, rep *Report, l3b []artifact) ([]artifact, error) {
	if !p.m.Stages.Regrid.IsEnabled() {
		out := p.existing(func(k batch.JobKey, l3 string) scene.Key { return p.dailyKey(k.Sensor, k.Date, l3, k.Variable) })
		p.log.Info("Regrid disabled, using archived daily rasters", zap.Int("files", len(out)))
		return out, nil
	}

	bins := make(map[binGroup]string, len(l3b))
	for _, a := range l3b {
		bins[binGroup{date: a.Key.Date(), sensor: a.Key.Sensor, suite: a.Key.Suite}] = a.Path
	}

	var work []pending
	for _, jk := range p.keys {
		l3, _, err := p.m.Suites(jk.Variable)
		if err != nil {
			return nil, err
		}
		in, ok := bins[binGroup{date: jk.Date, sensor: jk.Sensor, suite: l3}]
		if !ok {
			p.log.Debug("No bin file for job", zap.String("job", jk.String()))
			continue
		}
		k := p.dailyKey(jk.Sensor, jk.Date, l3, jk.Variable)
		rel, err := p.layout.Composite.Apply(k)
		if err != nil {
			return nil, err
		}
		local := filepath.Join(p.root, filepath.FromSlash(rel))
		variable, opts := jk.Variable, p.mapOpts[l3]
		work = append(work, pending{
			job: batch.Job{
				Key: jk,
				Run: func(ctx context.Context) batch.Outcome {
					if p.skippable(ctx) && upToDate(local, in) {
						return batch.Skip("output is up to date", local)
					}
					r, err := p.regridFile(in, variable, opts)
					if err != nil {
						return batch.Fail(err)
					}
					r.SetTag("variable", variable)
					r.SetTag("sensor", k.Sensor.Name())
					r.SetTag("date", jk.Date.Format(time.DateOnly))
					r.SetTag("source", filepath.Base(in))
					date := jk.Date
					if err := p.publish(ctx, rel, k, r, date, date, string(opts.Reducer), 1); err != nil {
						return batch.Fail(err)
					}
					return batch.Succeeded(local)
				},
			},
			out: artifact{Key: k, Path: local},
		})
	}
	return p.runArtifacts(ctx, rep, StageRegrid, work)
}

func (p *Pipeline) regridFile(path, variable string, opts binmap.Options) (*grid.Raster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	recs, dec, err := binmap.DecodeCSVColumn(f, variable)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	r, diag, err := binmap.MapToGrid(recs, p.spec, opts)
	if err != nil {
		return nil, err
	}
	diag.MalformedLines = dec.MalformedLines
	p.log.Debug("Regridded bin file",
		zap.String("file", filepath.Base(path)),
		zap.String("variable", variable),
		zap.Int("records", diag.Total),
		zap.Int("used", diag.Used),
		zap.Int("rejected", diag.Rejected()),
		zap.Int("malformed_lines", diag.MalformedLines),
		zap.Int("cells", diag.Cells),
	)
	return r, nil
}

type compGroup struct {
	window   compose.Window
	sensor   scene.Sensor
	suite    string
	variable string
}

func (p *Pipeline) composite(ctx context.Context, rep *Report, daily []artifact) error {
	if !p.m.Stages.Composite.IsEnabled() || len(p.periods) == 0 {
		return nil
	}
	cross := p.m.Composite.CrossSensor && len(p.m.Sensors) > 1
	produced := make(map[scene.Key]string, len(daily))
	for _, d := range daily {
		produced[d.Key] = d.Path
	}

	var groups []compGroup
	seen := make(map[compGroup]bool)
	add := func(g compGroup) {
		if !seen[g] {
			seen[g] = true
			groups = append(groups, g)
		}
	}
	for _, per := range p.periods {
		for _, d := range daily {
			w, err := compose.WindowOf(d.Key.Date(), per)
			if err != nil {
				return err
			}
			g := compGroup{window: w, sensor: d.Key.Sensor, suite: d.Key.Suite, variable: d.Key.Variable}
			add(g)
			if cross {
				g.sensor = scene.Combined
				add(g)
			}
		}
	}

	var work []pending
	for _, g := range groups {
		k := scene.New(g.sensor, g.window.Start, scene.L3m).
			WithVariable(g.suite, g.variable).
			WithComposite(g.window.Period.String(), p.m.Regrid.Resolution)
		rel, err := p.layout.Composite.Apply(k)
		if err != nil {
			return err
		}
		local := filepath.Join(p.root, filepath.FromSlash(rel))
		work = append(work, pending{
			job: batch.Job{
				Key: batch.JobKey{Date: g.window.Start, Variable: g.variable, Sensor: g.sensor, Scene: filepath.Base(local)},
				Run: func(ctx context.Context) batch.Outcome {
					return p.composeWindow(ctx, g, produced, k, rel, local)
				},
			},
			out: artifact{Key: k, Path: local},
		})
	}
	_, err := p.runArtifacts(ctx, rep, StageComposite, work)
	return err
}

// dailyInputs lists the daily rasters that fall in g's window. A day this
// run had a job for contributes only the raster its regrid job produced;
// other days fall back to what the archive holds.
func (p *Pipeline) dailyInputs(g compGroup, produced map[scene.Key]string) []string {
	sensors := []scene.Sensor{g.sensor}
	if g.sensor == scene.Combined {
		sensors = p.m.SensorCodes()
	}
	var out []string
	for _, d := range g.window.Dates() {
		for _, s := range sensors {
			k := p.dailyKey(s, d, g.suite, g.variable)
			if path, ok := produced[k]; ok {
				out = append(out, path)
				continue
			}
			if p.covers(s, d, g.variable) {
				continue
			}
			path, err := p.layout.Path(k)
			if err == nil && exists(path) {
				out = append(out, path)
			}
		}
	}
	return out
}

// covers reports whether the run expanded a job for the sensor, date and
// variable.
func (p *Pipeline) covers(sensor scene.Sensor, date time.Time, variable string) bool {
	return slices.ContainsFunc(p.keys, func(k batch.JobKey) bool {
		return k.Sensor == sensor && k.Variable == variable && k.Date.Equal(date)
	})
}

func (p *Pipeline) composeWindow(ctx context.Context, g compGroup, produced map[scene.Key]string, k scene.Key, rel, local string) batch.Outcome {
	inputs := p.dailyInputs(g, produced)
	if len(inputs) == 0 {
		return batch.Skip("no daily rasters in window")
	}
	writeCount := p.m.Composite.WriteCount()
	countKey := k
	countKey.Variable += "_count"
	countRel, err := p.layout.Composite.Apply(countKey)
	if err != nil {
		return batch.Fail(err)
	}
	countLocal := filepath.Join(p.root, filepath.FromSlash(countRel))

	if p.skippable(ctx) && upToDate(local, inputs...) && (!writeCount || upToDate(countLocal, inputs...)) {
		outs := []string{local}
		if writeCount {
			outs = append(outs, countLocal)
		}
		return batch.Skip("output is up to date", outs...)
	}

	stack := make([]*grid.Raster, 0, len(inputs))
	names := make([]string, 0, len(inputs))
	for _, in := range inputs {
		r, err := rasterio.ReadFile(in)
		if err != nil {
			return batch.Fail(fmt.Errorf("read %s: %w", filepath.Base(in), err))
		}
		stack = append(stack, r)
		names = append(names, filepath.Base(in))
	}
	res, err := compose.Compose(stack, p.stat)
	if err != nil {
		return batch.Fail(err)
	}
	compose.Provenance(res.Raster, names)
	res.Raster.SetTag("variable", g.variable)
	res.Raster.SetTag("sensor", g.sensor.Name())
	res.Raster.SetTag("period", g.window.String())

	last := g.window.End.AddDate(0, 0, -1)
	if err := p.publish(ctx, rel, k, res.Raster, g.window.Start, last, string(p.stat), len(inputs)); err != nil {
		return batch.Fail(err)
	}
	outs := []string{local}
	if writeCount {
		compose.Provenance(res.Count, names)
		res.Count.SetTag("variable", countKey.Variable)
		res.Count.SetTag("period", g.window.String())
		if err := p.publish(ctx, countRel, countKey, res.Count, g.window.Start, last, "count", len(inputs)); err != nil {
			return batch.Fail(err)
		}
		outs = append(outs, countLocal)
	}
	return batch.Succeeded(outs...)
}

// publish writes r to every sink and registers it in the catalog.
func (p *Pipeline) publish(ctx context.Context, rel string, k scene.Key, r *grid.Raster, start, end time.Time, function string, inputs int) error {
	loc, err := p.sink.Put(ctx, rel, r)
	if err != nil {
		return err
	}
	if p.opts.Catalog == nil {
		return nil
	}
	err = p.opts.Catalog.Register(ctx, catalog.Entry{
		Location:    loc,
		Key:         k,
		PeriodStart: start,
		PeriodEnd:   end,
		Grid:        r.Spec,
		Function:    function,
		InputCount:  inputs,
		RunID:       p.runID,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("catalog %s: %w", filepath.Base(rel), err)
	}
	return nil
}

// existing returns the archive files of one level for every expanded
// job, keyed through keyFor.
func (p *Pipeline) existing(keyFor func(k batch.JobKey, l3 string) scene.Key) []artifact {
	var out []artifact
	seen := make(map[scene.Key]bool)
	for _, jk := range p.keys {
		l3, _, err := p.m.Suites(jk.Variable)
		if err != nil {
			continue
		}
		k := keyFor(jk, l3)
		if seen[k] {
			continue
		}
		seen[k] = true
		path, err := p.layout.Path(k)
		if err == nil && exists(path) {
			out = append(out, artifact{Key: k, Path: path})
		}
	}
	return out
}

// external runs inv unless its output is newer than every input. Only a
// job's first attempt may skip: anything on disk after a failed attempt
// was not written by a success.
func (p *Pipeline) external(inv stage.Invocation, inputs ...string) func(context.Context) batch.Outcome {
	return func(ctx context.Context) batch.Outcome {
		if p.skippable(ctx) && upToDate(inv.Output, inputs...) {
			return batch.Skip("output is up to date", inv.Output)
		}
		res, err := p.stages.Run(ctx, inv)
		if err != nil {
			return batch.Fail(err)
		}
		return batch.Succeeded(res.Outputs...)
	}
}

// skippable reports whether an up-to-date output may stand in for a run.
func (p *Pipeline) skippable(ctx context.Context) bool {
	return !p.opts.Force && batch.Attempt(ctx) <= 1
}

// params merges built-in stage parameters under the manifest's own.
func params(user, builtin map[string]string) map[string]string {
	out := make(map[string]string, len(user)+len(builtin))
	for k, v := range builtin {
		out[k] = v
	}
	for k, v := range user {
		out[k] = v
	}
	return out
}

func writeList(path string, lines []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}

// upToDate reports whether out exists and is at least as new as every
// input.
func upToDate(out string, inputs ...string) bool {
	oi, err := os.Stat(out)
	if err != nil {
		return false
	}
	for _, in := range inputs {
		ii, err := os.Stat(in)
		if err != nil || ii.ModTime().After(oi.ModTime()) {
			return false
		}
	}
	return true
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func allExist(paths []string) bool {
	return !slices.ContainsFunc(paths, func(p string) bool { return !exists(p) })
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
