package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/oceangrid/pkg/runregistry"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage pipeline runs",
	Long: `Inspect and manage pipeline run records.

Run records live under <data_root>/runs (or runs_dir) with one directory per
run holding run.json and, for background runs, stdout.log and stderr.log.
Run ids may be abbreviated to any unique prefix.`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE:  runRunsList,
}

var runsStatusCmd = &cobra.Command{
	Use:   "status <run_id>",
	Short: "Show status for a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsStatus,
}

var runsStopCmd = &cobra.Command{
	Use:   "stop <run_id>",
	Short: "Stop a running background run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsStop,
}

var runsLogsCmd = &cobra.Command{
	Use:   "logs <run_id>",
	Short: "Show logs for a background run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsLogs,
}

var runsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete finished run records",
	RunE:  runRunsGC,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsStatusCmd, runsStopCmd, runsLogsCmd, runsGCCmd)

	runsListCmd.Flags().Bool("json", false, "Output as JSON")
	runsListCmd.Flags().String("state", "", "Only runs in this state")
	runsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	runsStopCmd.Flags().Bool("force", false, "Send SIGKILL immediately")
	runsStopCmd.Flags().Duration("grace", 10*time.Second, "Time to wait after SIGTERM before SIGKILL")
	runsLogsCmd.Flags().String("stream", "stderr", "Log stream: stdout, stderr, or both")
	runsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = whole file)")
	runsLogsCmd.Flags().Bool("follow", false, "Follow log output")
	runsGCCmd.Flags().String("max-age", "168h", "Delete finished runs older than this duration")
	runsGCCmd.Flags().Bool("dry-run", false, "Only list what would be deleted")
	runsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func runStore(cmd *cobra.Command) (*runregistry.Store, error) {
	cfg, err := currentConfig(cmd.Context())
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	dir, err := runsDir(cfg, "")
	if err != nil {
		return nil, err
	}
	return runregistry.NewStore(dir), nil
}

func resolveRunID(cmd *cobra.Command, prefix string) (string, error) {
	store, err := runStore(cmd)
	if err != nil {
		return "", err
	}
	return store.Resolve(prefix)
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	state, _ := cmd.Flags().GetString("state")

	store, err := runStore(cmd)
	if err != nil {
		return err
	}
	runs, err := store.List()
	if err != nil {
		return err
	}
	if state != "" {
		kept := runs[:0]
		for _, r := range runs {
			if string(r.State) == state {
				kept = append(kept, r)
			}
		}
		runs = kept
	}

	if jsonOutput {
		if runs == nil {
			runs = []runregistry.RunRecord{}
		}
		return writeJSON(runs)
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No runs found")
		return nil
	}

	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		name := r.Name
		if name == "" {
			name = "-"
		}
		rows = append(rows, []string{
			shortID(r.RunID),
			name,
			string(r.State),
			formatOptionalTime(r.StartedAt),
			formatOptionalTime(r.EndedAt),
			stageTally(r.Stages),
			orDash(r.ManifestPath),
		})
	}
	_, _ = fmt.Fprintln(os.Stdout, renderTable(
		[]string{"RUN ID", "NAME", "STATE", "STARTED", "ENDED", "JOBS", "MANIFEST"}, rows, nil))
	return nil
}

// stageTally is "ok/total" summed over stages.
func stageTally(stages []runregistry.StageSummary) string {
	if len(stages) == 0 {
		return "-"
	}
	var ok, total int
	for _, s := range stages {
		ok += s.Succeeded + s.Skipped
		total += s.Total
	}
	return strconv.Itoa(ok) + "/" + strconv.Itoa(total)
}

func runRunsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := runStore(cmd)
	if err != nil {
		return err
	}
	id, err := store.Resolve(args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Run not found", err)
	}
	rec, err := store.Get(id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(rec)
	}

	out := os.Stdout
	_, _ = fmt.Fprintf(out, "run_id=%s\n", rec.RunID)
	if rec.Name != "" {
		_, _ = fmt.Fprintf(out, "name=%s\n", rec.Name)
	}
	state := rec.State
	if !state.Terminal() && rec.PID > 0 && !runregistry.ProcessAlive(rec.PID) {
		state = runregistry.RunStateUnknown
	}
	_, _ = fmt.Fprintf(out, "state=%s\n", state)
	if rec.ManifestPath != "" {
		_, _ = fmt.Fprintf(out, "manifest_path=%s\n", rec.ManifestPath)
	}
	if rec.DataRoot != "" {
		_, _ = fmt.Fprintf(out, "data_root=%s\n", rec.DataRoot)
	}
	if rec.PID > 0 {
		_, _ = fmt.Fprintf(out, "pid=%d\n", rec.PID)
	}
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(out, "started_at=%s\n", formatOptionalTime(rec.StartedAt))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(out, "ended_at=%s\n", formatOptionalTime(rec.EndedAt))
	}
	if rec.LastHeartbeat != nil {
		_, _ = fmt.Fprintf(out, "last_heartbeat=%s\n", formatOptionalTime(rec.LastHeartbeat))
	}
	if rec.ReportPath != "" {
		_, _ = fmt.Fprintf(out, "report_path=%s\n", rec.ReportPath)
	}
	if rec.Error != "" {
		_, _ = fmt.Fprintf(out, "error=%s\n", rec.Error)
	}

	if len(rec.Stages) > 0 {
		rows := make([][]string, 0, len(rec.Stages))
		for _, s := range rec.Stages {
			rows = append(rows, []string{
				s.Stage,
				strconv.Itoa(s.Total),
				strconv.Itoa(s.Succeeded),
				strconv.Itoa(s.Skipped),
				strconv.Itoa(s.Failed),
				strconv.Itoa(s.NotAttempted),
				(time.Duration(s.DurationMS) * time.Millisecond).String(),
			})
		}
		_, _ = fmt.Fprintln(out, renderTable(
			[]string{"STAGE", "TOTAL", "OK", "SKIPPED", "FAILED", "NOT RUN", "DURATION"}, rows,
			[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight}))
	}
	return nil
}

func runRunsStop(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")
	grace, _ := cmd.Flags().GetDuration("grace")

	store, err := runStore(cmd)
	if err != nil {
		return err
	}
	id, err := store.Resolve(args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Run not found", err)
	}
	rec, err := store.Stop(id, force, grace)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot stop run", err)
	}
	_, _ = fmt.Fprintf(os.Stdout, "run_id=%s\nstate=%s\n", rec.RunID, rec.State)
	return nil
}

func runRunsLogs(cmd *cobra.Command, args []string) error {
	stream, _ := cmd.Flags().GetString("stream")
	stream = strings.ToLower(strings.TrimSpace(stream))
	tailN, _ := cmd.Flags().GetInt("tail")
	follow, _ := cmd.Flags().GetBool("follow")

	var paths func(rec *runregistry.RunRecord) []string
	switch stream {
	case "stdout":
		paths = func(rec *runregistry.RunRecord) []string { return []string{rec.StdoutPath} }
	case "stderr", "":
		paths = func(rec *runregistry.RunRecord) []string { return []string{rec.StderrPath} }
	case "both":
		paths = func(rec *runregistry.RunRecord) []string { return []string{rec.StdoutPath, rec.StderrPath} }
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --stream",
			fmt.Errorf("got %q, want stdout, stderr, or both", stream))
	}

	store, err := runStore(cmd)
	if err != nil {
		return err
	}
	id, err := store.Resolve(args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Run not found", err)
	}
	rec, err := store.Get(id)
	if err != nil {
		return err
	}
	if rec.StdoutPath == "" && rec.StderrPath == "" {
		return exitError(foundry.ExitFileNotFound, "No logs for run",
			fmt.Errorf("run %s was not started with --background", rec.RunID))
	}

	files := paths(rec)
	if follow {
		// Only the last stream is followed.
		for _, p := range files[:len(files)-1] {
			if err := printLogTail(os.Stdout, p, tailN); err != nil {
				return err
			}
		}
		return followLog(cmd.Context(), os.Stdout, files[len(files)-1])
	}
	for _, p := range files {
		if err := printLogTail(os.Stdout, p, tailN); err != nil {
			return err
		}
	}
	return nil
}

type runsGCResult struct {
	Removed []string `json:"removed"`
	DryRun  bool     `json:"dry_run"`
	MaxAge  string   `json:"max_age"`
}

func runRunsGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	maxAge, err := time.ParseDuration(strings.TrimSpace(maxAgeStr))
	if err != nil || maxAge <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age",
			fmt.Errorf("want a positive duration, got %q", maxAgeStr))
	}

	store, err := runStore(cmd)
	if err != nil {
		return err
	}
	removed, err := store.GC(time.Now().UTC().Add(-maxAge), dryRun)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Run gc failed", err)
	}

	if jsonOutput {
		if removed == nil {
			removed = []string{}
		}
		return writeJSON(runsGCResult{Removed: removed, DryRun: dryRun, MaxAge: maxAgeStr})
	}
	key := "deleted"
	if dryRun {
		key = "would_delete"
	}
	_, _ = fmt.Fprintf(os.Stdout, "%s=%d\n", key, len(removed))
	return nil
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printLogTail(w io.Writer, path string, n int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if n <= 0 {
		_, err := io.Copy(w, f)
		return err
	}
	lines, err := tailLines(f, n)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(w, line)
	}
	return nil
}

// tailLines keeps the last n lines of r.
func tailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	buf := make([]string, 0, n)
	for scanner.Scan() {
		if len(buf) < n {
			buf = append(buf, scanner.Text())
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}

// followLog copies path to w and keeps polling for appended bytes until
// ctx is done.
func followLog(ctx context.Context, w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := io.Copy(w, f); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
