package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/oceangrid/pkg/manifest"
)

var validateCmd = &cobra.Command{
	Use:   "validate <manifest>...",
	Short: "Validate pipeline manifests",
	Long: `Check manifests against the embedded schema and the semantic rules
(date range, sensors, variables, grid and composite settings).

Example:
  oceangrid validate chl-2016.yaml sst-2016.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(_ *cobra.Command, args []string) error {
	var failed int
	for _, path := range args {
		if _, err := manifest.Load(path); err != nil {
			failed++
			_, _ = fmt.Fprintf(os.Stdout, "%s: invalid\n", path)
			var verrs manifest.ValidationErrors
			if errors.As(err, &verrs) {
				for _, v := range verrs {
					_, _ = fmt.Fprintf(os.Stdout, "  - %s\n", v.Error())
				}
			} else {
				_, _ = fmt.Fprintf(os.Stdout, "  - %v\n", err)
			}
			continue
		}
		_, _ = fmt.Fprintf(os.Stdout, "%s: ok\n", path)
	}
	if failed > 0 {
		return exitError(foundry.ExitInvalidArgument, "Manifest validation failed", fmt.Errorf("%d of %d manifests invalid", failed, len(args)))
	}
	return nil
}
