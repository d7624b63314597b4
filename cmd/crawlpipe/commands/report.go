package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/krtong/bikenode.com-sub003/internal/pipeline"
	"github.com/krtong/bikenode.com-sub003/internal/stagestore"
)

func init() {
	rootCmd.AddCommand(reportCmd)
}

var reportCmd = &cobra.Command{
	Use:   "report [dir]",
	Short: "Prints the committed stage summaries and QC findings of an output directory.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := setup(cmd)
		if err != nil {
			return err
		}
		root := cfg.OutputDir
		if len(args) == 1 {
			root = args[0]
		}
		summary, err := pipeline.ReadSummary(root)
		if err != nil {
			return err
		}
		if len(summary.Stages) == 0 {
			return errors.New("no committed stages under " + root)
		}
		summary.Render(cmd.OutOrStdout())

		issues, err := pipeline.ReadIssues(root)
		switch {
		case errors.Is(err, stagestore.ErrInputMissing):
			return nil
		case err != nil:
			return err
		}
		if len(issues) > 0 {
			pipeline.RenderIssues(cmd.OutOrStdout(), issues)
		}
		return nil
	},
}
