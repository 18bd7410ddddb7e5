package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/oceangrid/internal/observability"
	"github.com/3leaps/oceangrid/pkg/pipeline"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what a manifest would do without running it",
	Long: `Validate a manifest, discover the scenes it selects and list the
composite windows it would build. Nothing is downloaded or written.

Examples:
  oceangrid plan --manifest chl-2016.yaml
  oceangrid plan --manifest chl-2016.yaml --json`,
	RunE: runPlan,
}

var (
	planManifest string
	planStages   string
	planJSON     bool
	planLimit    int
)

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.Flags().StringVarP(&planManifest, "manifest", "m", "", "Path to pipeline manifest (required)")
	planCmd.Flags().StringVar(&planStages, "stages", "", "Comma-separated stages to plan (default: as the manifest says)")
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Output as JSON")
	planCmd.Flags().IntVar(&planLimit, "limit", 50, "Scenes to list (0 = all)")
	_ = planCmd.MarkFlagRequired("manifest")
}

func runPlan(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	m, err := loadManifest(planManifest, cfg)
	if err != nil {
		return err
	}
	if err := restrictStages(m, splitList(planStages)); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid stage selection", err)
	}

	p, err := pipeline.New(ctx, m, pipeline.Options{
		DataRoot: cfg.DataRoot,
		Workers:  cfg.Workers,
		Fetch:    cfg.FetchDefaults(),
		Logger:   observability.CLILogger,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	defer p.Close()

	pl, err := p.Plan(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Scene discovery failed", err)
	}

	if planJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(pl)
	}
	printPlan(pl)
	return nil
}

func printPlan(pl *pipeline.Plan) {
	out := os.Stdout
	_, _ = fmt.Fprintln(out, "=== Pipeline Plan (dry-run) ===")
	_, _ = fmt.Fprintf(out, "Data root:   %s\n", pl.DataRoot)
	_, _ = fmt.Fprintf(out, "Stages:      %v\n", pl.Stages)
	_, _ = fmt.Fprintf(out, "Jobs:        %d date/sensor/variable combinations\n", len(pl.Jobs))
	_, _ = fmt.Fprintf(out, "Scenes:      %d (%d unparsed, %d filtered out)\n", len(pl.Scenes), pl.Unparsed, pl.Filtered)
	_, _ = fmt.Fprintln(out)

	if len(pl.Scenes) > 0 {
		rows := make([][]string, 0, len(pl.Scenes))
		for i, c := range pl.Scenes {
			if planLimit > 0 && i >= planLimit {
				break
			}
			size := "-"
			if c.Size >= 0 {
				size = strconv.FormatInt(c.Size, 10)
			}
			rows = append(rows, []string{
				c.Key.Sensor.Name(),
				c.Key.Time.UTC().Format("2006-01-02 15:04"),
				c.Name,
				size,
			})
		}
		_, _ = fmt.Fprintln(out, renderTable([]string{"SENSOR", "ACQUIRED", "FILE", "SIZE"}, rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight}))
		if planLimit > 0 && len(pl.Scenes) > planLimit {
			_, _ = fmt.Fprintf(out, "... %d more (use --limit 0 to list all)\n", len(pl.Scenes)-planLimit)
		}
		_, _ = fmt.Fprintln(out)
	}

	if len(pl.Windows) > 0 {
		rows := make([][]string, 0, len(pl.Windows))
		for _, w := range pl.Windows {
			rows = append(rows, []string{
				w.Period.String(),
				w.Start.Format("2006-01-02"),
				w.End.AddDate(0, 0, -1).Format("2006-01-02"),
			})
		}
		_, _ = fmt.Fprintln(out, renderTable([]string{"PERIOD", "FIRST DAY", "LAST DAY"}, rows, nil))
		_, _ = fmt.Fprintln(out)
	}
	_, _ = fmt.Fprintln(out, "Manifest validated successfully. Use 'oceangrid run' to execute.")
}
