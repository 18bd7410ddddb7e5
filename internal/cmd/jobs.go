package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/oceangrid/pkg/batch"
	"github.com/3leaps/oceangrid/pkg/jobstate"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect recorded job outcomes",
	Long: `List the per-job outcomes recorded in the job-state database under the
configured data root.

Examples:
  oceangrid jobs --status failure
  oceangrid jobs --run 3f2a --stage bin
  oceangrid jobs --counts
  oceangrid jobs prune --older-than 720h`,
	RunE: runJobsList,
}

var jobsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete job outcomes not updated within a duration",
	RunE:  runJobsPrune,
}

var (
	jobsRun    string
	jobsStage  string
	jobsStatus string
	jobsLimit  int
	jobsJSON   bool
	jobsCounts bool

	jobsOlderThan string
	jobsDryRun    bool
)

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsPruneCmd)

	f := jobsCmd.Flags()
	f.StringVar(&jobsRun, "run", "", "Only outcomes recorded by this run (id or unique prefix)")
	f.StringVar(&jobsStage, "stage", "", "Only this stage")
	f.StringVar(&jobsStatus, "status", "", "Only this status: success, failure or skipped")
	f.IntVar(&jobsLimit, "limit", 200, "Maximum rows (0 = all)")
	f.BoolVar(&jobsJSON, "json", false, "Output as JSON")
	f.BoolVar(&jobsCounts, "counts", false, "Show per-stage counts instead of jobs")

	jobsPruneCmd.Flags().StringVar(&jobsOlderThan, "older-than", "720h", "Delete outcomes last updated before now minus this duration")
	jobsPruneCmd.Flags().BoolVar(&jobsDryRun, "dry-run", false, "Only report the cutoff")
}

func openJobState(cmd *cobra.Command) (*jobstate.Store, error) {
	cfg, err := currentConfig(cmd.Context())
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	js := cfg.JobState(cfg.DataRoot)
	if js.Path == "" && js.URL == "" {
		return nil, exitError(foundry.ExitInvalidArgument, "Job state location unknown",
			fmt.Errorf("set --data-root, data_root or state.path"))
	}
	store, err := jobstate.Open(cmd.Context(), js)
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Cannot open job state", err)
	}
	return store, nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	switch batch.Status(jobsStatus) {
	case "", batch.StatusSuccess, batch.StatusFailure, batch.StatusSkipped:
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --status", fmt.Errorf("unknown status %q", jobsStatus))
	}

	store, err := openJobState(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	runID := jobsRun
	if runID != "" {
		if resolved, err := resolveRunID(cmd, runID); err == nil {
			runID = resolved
		}
	}

	if jobsCounts {
		counts, err := store.Counts(cmd.Context(), runID)
		if err != nil {
			return err
		}
		if jobsJSON {
			return writeJSON(counts)
		}
		rows := make([][]string, 0, len(counts))
		for _, c := range counts {
			rows = append(rows, []string{c.Stage, string(c.Status), strconv.Itoa(c.Count)})
		}
		_, _ = fmt.Fprintln(os.Stdout, renderTable([]string{"STAGE", "STATUS", "COUNT"}, rows,
			[]columnAlignment{alignLeft, alignLeft, alignRight}))
		return nil
	}

	recs, err := store.List(cmd.Context(), jobstate.Filter{
		RunID:  runID,
		Stage:  jobsStage,
		Status: batch.Status(jobsStatus),
		Limit:  jobsLimit,
	})
	if err != nil {
		return err
	}
	if jobsJSON {
		return writeJSON(recs)
	}
	if len(recs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		detail := r.Reason
		if r.ErrorMessage != "" {
			detail = r.ErrorCode + ": " + truncate(r.ErrorMessage, 60)
		}
		rows = append(rows, []string{
			r.Stage,
			r.Key.String(),
			string(r.Status),
			strconv.Itoa(r.Attempts),
			r.Duration.Round(time.Millisecond).String(),
			shortID(r.RunID),
			detail,
		})
	}
	_, _ = fmt.Fprintln(os.Stdout, renderTable(
		[]string{"STAGE", "JOB", "STATUS", "ATTEMPTS", "DURATION", "RUN", "DETAIL"}, rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight}))
	return nil
}

func runJobsPrune(cmd *cobra.Command, _ []string) error {
	age, err := time.ParseDuration(jobsOlderThan)
	if err != nil || age <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --older-than", fmt.Errorf("want a positive duration, got %q", jobsOlderThan))
	}
	cutoff := time.Now().UTC().Add(-age)
	if jobsDryRun {
		_, _ = fmt.Fprintf(os.Stdout, "cutoff=%s\n", cutoff.Format(time.RFC3339))
		return nil
	}

	store, err := openJobState(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	n, err := store.Prune(cmd.Context(), cutoff)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stdout, "deleted=%d\n", n)
	return nil
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
