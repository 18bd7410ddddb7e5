package cmd

import (
	"github.com/spf13/cobra"

	"github.com/3leaps/oceangrid/pkg/pipeline"
)

// newStageCommand builds a command that runs a manifest with only the
// given stages enabled.
func newStageCommand(use, short, long string, stages ...string) *cobra.Command {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long:  long,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := *ro
			opts.stages = stages
			return executeRun(cmd.Context(), opts)
		},
	}
	addRunFlags(cmd, ro)
	return cmd
}

func init() {
	rootCmd.AddCommand(newStageCommand("download",
		"Download level-1A scenes for a manifest",
		`Discover and download the level-1A scenes a manifest selects.

Files already present are skipped; with fetch.verify_remote in the manifest
their size is checked against the source first.

Example:
  oceangrid download --manifest chl-2016.yaml`,
		pipeline.StageDownload))

	rootCmd.AddCommand(newStageCommand("regrid",
		"Map existing level-3 bin files onto the manifest grid",
		`Map the level-3 bin files already in the archive onto the regular grid
the manifest describes, writing one daily raster per date, sensor and
variable.

Example:
  oceangrid regrid --manifest chl-2016.yaml --force`,
		pipeline.StageRegrid))

	rootCmd.AddCommand(newStageCommand("compose",
		"Build temporal composites from existing daily rasters",
		`Combine the daily rasters already in the archive into the composite
periods the manifest lists (8DAY, MO, ...).

Example:
  oceangrid compose --manifest chl-2016.yaml`,
		pipeline.StageComposite))
}
