package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/oceangrid/internal/observability"
	"github.com/3leaps/oceangrid/pkg/pipeline"
	"github.com/3leaps/oceangrid/pkg/runregistry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline described by a manifest",
	Long: `Run every enabled stage of a pipeline manifest: download, process,
bin, regrid and composite.

Job outcomes are recorded in the job-state database and a JSONL report is
written under <data_root>/reports unless the manifest names another
destination. Failed jobs do not stop the run; the exit code is nonzero only
with --fail-on-error (or fail_on_error in the manifest).

Examples:
  oceangrid run --manifest chl-2016.yaml
  oceangrid run --manifest chl-2016.yaml --stages regrid,composite
  oceangrid run --manifest chl-2016.yaml --resume --metrics
  oceangrid run --manifest chl-2016.yaml --background --name chl-2016`,
	RunE: runRun,
}

var (
	runOpts       runOptions
	runStages     string
	runBackground bool
	runDedupe     bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	addRunFlags(runCmd, &runOpts)
	f.StringVar(&runStages, "stages", "", "Comma-separated stages to run (default: as the manifest says)")
	f.StringVar(&runOpts.name, "name", "", "Label for the run record")
	f.BoolVar(&runBackground, "background", false, "Start the run as a managed background process")
	f.BoolVar(&runDedupe, "dedupe", false, "With --background, refuse to start if this manifest is already running")
	f.StringVar(&runOpts.managedRunID, "_managed-run-id", "", "Internal: run id assigned by --background")
	_ = f.MarkHidden("_managed-run-id")
}

// addRunFlags registers the flags shared by run and the stage commands.
func addRunFlags(cmd *cobra.Command, ro *runOptions) {
	f := cmd.Flags()
	f.StringVarP(&ro.manifestPath, "manifest", "m", "", "Path to pipeline manifest (required)")
	f.BoolVar(&ro.resume, "resume", false, "Skip jobs an earlier run completed whose outputs still exist")
	f.BoolVar(&ro.force, "force", false, "Rebuild outputs even when newer than their inputs")
	f.BoolVar(&ro.failOnError, "fail-on-error", false, "Exit nonzero when any job fails")
	f.BoolVar(&ro.metrics, "metrics", false, "Serve /metrics and /health while running")
	f.StringVar(&ro.report, "report", "", "Report destination: a file path or stdout (default: <data_root>/reports/<run_id>.jsonl)")
	_ = cmd.MarkFlagRequired("manifest")
}

func runRun(cmd *cobra.Command, _ []string) error {
	ro := runOpts
	ro.stages = splitList(runStages)
	if runBackground {
		return startBackground(cmd, ro)
	}
	return executeRun(cmd.Context(), ro)
}

func executeRun(ctx context.Context, ro runOptions) error {
	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	s, err := openSession(ctx, cfg, ro)
	if err != nil {
		return err
	}
	defer s.close()

	observability.CLILogger.Info("Starting run",
		zap.String("run_id", s.runID),
		zap.String("manifest", ro.manifestPath),
		zap.String("data_root", s.dataRoot),
		zap.Strings("stages", s.pipe.EnabledStages()),
		zap.Int("jobs", len(s.pipe.Jobs())))

	rep, runErr := s.pipe.Run(ctx)
	if rep != nil {
		s.metrics.ObserveRun(string(rep.State))
		printRunSummary(rep, s.reportPath)
	}

	switch {
	case runErr == nil:
		return nil
	case errors.Is(runErr, pipeline.ErrLocked):
		return exitError(foundry.ExitFileWriteError, "Data root is in use by another run", runErr)
	case errors.Is(runErr, context.Canceled), rep != nil && rep.State == runregistry.RunStateStopped:
		return exitError(foundry.ExitSignalInt, "Run cancelled", runErr)
	case errors.Is(runErr, pipeline.ErrRunFailed):
		return exitError(foundry.ExitExternalServiceUnavailable, "Run finished with failed jobs", runErr)
	default:
		return exitError(foundry.ExitExternalServiceUnavailable, "Run failed", runErr)
	}
}

func printRunSummary(rep *pipeline.Report, reportPath string) {
	rows := make([][]string, 0, len(rep.Stages)+1)
	var total, ok, failed, skipped, notAttempted int
	for _, st := range rep.Stages {
		sum := st.Summary
		rows = append(rows, []string{
			st.Stage,
			strconv.Itoa(sum.Total),
			strconv.Itoa(sum.Succeeded),
			strconv.Itoa(sum.Skipped),
			strconv.Itoa(sum.Failed),
			strconv.Itoa(sum.NotAttempted),
			sum.Duration.Round(time.Millisecond).String(),
		})
		total += sum.Total
		ok += sum.Succeeded
		failed += sum.Failed
		skipped += sum.Skipped
		notAttempted += sum.NotAttempted
	}
	rows = append(rows, []string{
		"total",
		strconv.Itoa(total), strconv.Itoa(ok), strconv.Itoa(skipped),
		strconv.Itoa(failed), strconv.Itoa(notAttempted),
		rep.Duration.Round(time.Millisecond).String(),
	})
	right := []columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight}

	out := os.Stdout
	if reportPath == "stdout" {
		out = os.Stderr
	}
	_, _ = fmt.Fprintf(out, "run %s: %s\n", rep.RunID, rep.State)
	_, _ = fmt.Fprintln(out, renderTable([]string{"STAGE", "TOTAL", "OK", "SKIPPED", "FAILED", "NOT RUN", "DURATION"}, rows, right))
	if reportPath != "" && reportPath != "stdout" {
		_, _ = fmt.Fprintf(out, "report: %s\n", reportPath)
	}
}

func startBackground(cmd *cobra.Command, ro runOptions) error {
	cfg, err := currentConfig(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	m, err := loadManifest(ro.manifestPath, cfg)
	if err != nil {
		return err
	}
	dir, err := runsDir(cfg, m.DataRoot)
	if err != nil {
		return err
	}

	rec, err := runregistry.NewExecutor(dir).StartBackground(ro.manifestPath, runregistry.BackgroundOptions{
		Name:   firstNonEmpty(ro.name, m.Name),
		Dedupe: runDedupe,
		Args:   forwardedArgs(cmd, ro),
	})
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot start background run", err)
	}
	_, _ = fmt.Fprintf(os.Stdout, "run_id=%s\n", rec.RunID)
	_, _ = fmt.Fprintf(os.Stdout, "pid=%d\n", rec.PID)
	_, _ = fmt.Fprintf(os.Stdout, "stdout=%s\n", rec.StdoutPath)
	_, _ = fmt.Fprintf(os.Stdout, "stderr=%s\n", rec.StderrPath)
	return nil
}

// forwardedArgs rebuilds the flags a background child needs.
func forwardedArgs(cmd *cobra.Command, ro runOptions) []string {
	var args []string
	if len(ro.stages) > 0 {
		args = append(args, "--stages", strings.Join(ro.stages, ","))
	}
	if ro.name != "" {
		args = append(args, "--name", ro.name)
	}
	for _, f := range []struct {
		flag string
		on   bool
	}{
		{"--resume", ro.resume},
		{"--force", ro.force},
		{"--fail-on-error", ro.failOnError},
		{"--metrics", ro.metrics},
	} {
		if f.on {
			args = append(args, f.flag)
		}
	}
	if ro.report != "" {
		args = append(args, "--report", absPath(ro.report))
	}
	flags := cmd.Flags()
	if cfgFile != "" {
		args = append(args, "--config", absPath(cfgFile))
	}
	if flags.Changed("log-level") {
		args = append(args, "--log-level", logLevelFlag)
	}
	if flags.Changed("log-format") {
		args = append(args, "--log-format", logFormat)
	}
	if flags.Changed("data-root") {
		args = append(args, "--data-root", absPath(dataRootFlag))
	}
	if flags.Changed("workers") {
		args = append(args, "--workers", strconv.Itoa(workersFlag))
	}
	return args
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
