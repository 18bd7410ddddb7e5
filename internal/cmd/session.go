package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/oceangrid/internal/config"
	"github.com/3leaps/oceangrid/internal/observability"
	"github.com/3leaps/oceangrid/internal/server"
	"github.com/3leaps/oceangrid/pkg/catalog"
	"github.com/3leaps/oceangrid/pkg/jobstate"
	"github.com/3leaps/oceangrid/pkg/manifest"
	"github.com/3leaps/oceangrid/pkg/output"
	"github.com/3leaps/oceangrid/pkg/pipeline"
	"github.com/3leaps/oceangrid/pkg/runregistry"
)

// runOptions are the per-invocation knobs shared by run and the single
// stage commands.
type runOptions struct {
	manifestPath string
	name         string
	stages       []string
	resume       bool
	force        bool
	failOnError  bool
	metrics      bool
	report       string
	managedRunID string
}

// session owns everything a pipeline run opens and must close.
type session struct {
	cfg      *config.Config
	m        *manifest.Manifest
	runID    string
	dataRoot string

	state      *jobstate.Store
	catalog    *catalog.Catalog
	report     *output.JSONLWriter
	reportPath string
	reportFile io.Closer
	registry   *runregistry.Store
	tracker    *runregistry.Tracker
	metrics    *observability.Metrics
	pipe       *pipeline.Pipeline

	stopMetrics context.CancelFunc
}

// loadManifest reads path and folds configuration defaults into it.
func loadManifest(path string, cfg *config.Config) (*manifest.Manifest, error) {
	if strings.TrimSpace(path) == "" {
		return nil, exitError(foundry.ExitInvalidArgument, "Manifest is required", fmt.Errorf("--manifest not set"))
	}
	m, err := manifest.Load(path)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	applyConfigDefaults(m, cfg)
	return m, nil
}

// applyConfigDefaults fills manifest fields the manifest left to
// configuration.
func applyConfigDefaults(m *manifest.Manifest, cfg *config.Config) {
	if m.DataRoot == "" {
		m.DataRoot = cfg.DataRoot
	}
	if m.Catalog.DSN == "" {
		m.Catalog.DSN = cfg.Catalog.DSN
	}
	src := &m.Source
	if src.Region == "" {
		src.Region = cfg.S3.Region
	}
	if src.Endpoint == "" {
		src.Endpoint = cfg.S3.Endpoint
	}
	if src.Profile == "" {
		src.Profile = cfg.S3.Profile
	}
	if !src.ForcePathStyle {
		src.ForcePathStyle = cfg.S3.ForcePathStyle
	}
	if s3 := m.Sinks.S3; s3 != nil {
		if s3.Region == "" {
			s3.Region = cfg.S3.Region
		}
		if s3.Endpoint == "" {
			s3.Endpoint = cfg.S3.Endpoint
		}
		if s3.Profile == "" {
			s3.Profile = cfg.S3.Profile
		}
	}
}

// restrictStages disables every stage not named. Empty keeps the manifest
// as written.
func restrictStages(m *manifest.Manifest, names []string) error {
	if len(names) == 0 {
		return nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		known := false
		for _, s := range pipeline.StageNames {
			if s == n {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("unknown stage %q (want one of %s)", n, strings.Join(pipeline.StageNames, ", "))
		}
		want[n] = true
	}
	off := func(name string) *bool {
		if want[name] {
			return nil
		}
		f := false
		return &f
	}
	st := &m.Stages
	if v := off(pipeline.StageDownload); v != nil {
		st.Download.Enabled = v
	}
	if v := off(pipeline.StageProcess); v != nil {
		st.Process.Enabled = v
	}
	if v := off(pipeline.StageBin); v != nil {
		st.Bin.Enabled = v
	}
	if v := off(pipeline.StageRegrid); v != nil {
		st.Regrid.Enabled = v
	}
	if v := off(pipeline.StageComposite); v != nil {
		st.Composite.Enabled = v
	}
	return nil
}

// runsDir is where run records live.
func runsDir(cfg *config.Config, dataRoot string) (string, error) {
	if cfg.RunsDir != "" {
		return cfg.RunsDir, nil
	}
	if dataRoot == "" {
		dataRoot = cfg.DataRoot
	}
	if strings.TrimSpace(dataRoot) == "" {
		return "", exitError(foundry.ExitInvalidArgument, "Data root is not set",
			fmt.Errorf("pass --data-root, set data_root in the config or OCEANGRID_DATA_ROOT"))
	}
	abs, err := filepath.Abs(dataRoot)
	if err != nil {
		return "", err
	}
	return filepath.Join(abs, "runs"), nil
}

func openSession(ctx context.Context, cfg *config.Config, ro runOptions) (s *session, err error) {
	m, err := loadManifest(ro.manifestPath, cfg)
	if err != nil {
		return nil, err
	}
	if err := restrictStages(m, ro.stages); err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid stage selection", err)
	}
	if strings.TrimSpace(m.DataRoot) == "" {
		return nil, exitError(foundry.ExitInvalidArgument, "Data root is not set",
			fmt.Errorf("set data_root in the manifest or configuration"))
	}
	root, err := filepath.Abs(m.DataRoot)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid data root", err)
	}

	s = &session{cfg: cfg, m: m, dataRoot: root, runID: ro.managedRunID}
	if s.runID == "" {
		s.runID = uuid.NewString()
	}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	if err := os.MkdirAll(root, 0o755); err != nil {
		return s, exitError(foundry.ExitFileWriteError, "Cannot create data root", err)
	}

	s.state, err = jobstate.Open(ctx, cfg.JobState(root))
	if err != nil {
		return s, exitError(foundry.ExitExternalServiceUnavailable, "Cannot open job state", err)
	}

	if dsn := strings.TrimSpace(m.Catalog.DSN); dsn != "" {
		s.catalog, err = catalog.Open(ctx, catalog.DefaultConfig(dsn))
		if err != nil {
			return s, exitError(foundry.ExitExternalServiceUnavailable, "Cannot open raster catalog", err)
		}
	}

	if err := s.openReport(ro.report); err != nil {
		return s, exitError(foundry.ExitFileWriteError, "Cannot open run report", err)
	}

	dir, err := runsDir(cfg, root)
	if err != nil {
		return s, err
	}
	s.registry = runregistry.NewStore(dir)

	s.metrics = observability.InitTelemetry()
	if ro.metrics || cfg.Metrics.Enabled {
		s.serveMetrics(ctx)
	}
	rec := runregistry.RunRecord{
		RunID:        s.runID,
		Name:         firstNonEmpty(ro.name, m.Name),
		ManifestPath: absPath(ro.manifestPath),
		DataRoot:     root,
		ReportPath:   s.reportPath,
		LogDir:       filepath.Join(root, "logs", s.runID),
	}
	if prev, gerr := s.registry.Get(s.runID); gerr == nil {
		rec.CreatedAt = prev.CreatedAt
		rec.StdoutPath = prev.StdoutPath
		rec.StderrPath = prev.StderrPath
		rec.Name = firstNonEmpty(rec.Name, prev.Name)
	}
	s.tracker, err = runregistry.Begin(s.registry, rec)
	if err != nil {
		return s, exitError(foundry.ExitFileWriteError, "Cannot write run record", err)
	}

	opts := pipeline.Options{
		DataRoot:      root,
		RunID:         s.runID,
		Workers:       cfg.Workers,
		Fetch:         cfg.FetchDefaults(),
		StageTimeout:  cfg.Stage.Timeout,
		StageRetries:  cfg.Stage.Retries,
		Resume:        ro.resume,
		Force:         ro.force,
		FailOnError:   ro.failOnError,
		Logger:        observability.CLILogger,
		FetchObserver: s.metrics,
		BatchObserver: s.metrics,
		State:         s.state,
		Report:        s.report,
		Tracker:       s.tracker,
		Heartbeat:     runregistry.DefaultHeartbeat,
	}
	if s.catalog != nil {
		opts.Catalog = s.catalog
	}
	s.pipe, err = pipeline.New(ctx, m, opts)
	if err != nil {
		_ = s.tracker.Finish(runregistry.RunStateFailed, err)
		return s, exitError(foundry.ExitInvalidArgument, "Cannot build pipeline", err)
	}
	return s, nil
}

func (s *session) openReport(target string) error {
	if target == "" {
		target = s.m.Output.Report
	}
	var w io.Writer
	switch target {
	case "stdout", "-":
		w = os.Stdout
		s.reportPath = "stdout"
	default:
		path := target
		if path == "" {
			path = filepath.Join(s.dataRoot, "reports", s.runID+".jsonl")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		w = f
		s.reportFile = f
		s.reportPath = absPath(path)
	}
	s.report = output.NewJSONLWriter(w, s.runID)
	return nil
}

// serveMetrics exposes /metrics and /health while the run lasts.
func (s *session) serveMetrics(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.stopMetrics = cancel
	srv := server.New(s.cfg.Metrics.Host, s.cfg.Metrics.Port,
		server.WithMetrics(s.metrics.Handler()),
		server.WithRunStore(s.registry))
	go func() {
		if err := srv.ListenAndServe(ctx); err != nil {
			observability.CLILogger.Warn("Metrics server stopped", zap.Error(err))
		}
	}()
}

func (s *session) close() {
	if s == nil {
		return
	}
	if s.stopMetrics != nil {
		s.stopMetrics()
	}
	if s.pipe != nil {
		s.pipe.Close()
	}
	if s.report != nil {
		_ = s.report.Close()
	}
	if s.reportFile != nil {
		_ = s.reportFile.Close()
	}
	if s.catalog != nil {
		_ = s.catalog.Close()
	}
	if s.state != nil {
		_ = s.state.Close()
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func absPath(p string) string {
	if p == "" {
		return ""
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}
