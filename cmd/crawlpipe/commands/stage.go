package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/krtong/bikenode.com-sub003/internal/pipeline"
)

var stageInputs []string

func init() {
	stageCmd.Flags().StringArrayVar(&stageInputs, "input", nil, "Committed input stage directory; repeat in the order the stage declares its inputs.")
	rootCmd.AddCommand(stageCmd)
}

func stageNames() string {
	var names []string
	for _, s := range pipeline.Stages() {
		if len(s.Inputs) == 0 {
			names = append(names, s.Name)
			continue
		}
		names = append(names, fmt.Sprintf("%s (inputs: %s)", s.Name, strings.Join(s.Inputs, ", ")))
	}
	return strings.Join(names, "\n  ")
}

var stageCmd = &cobra.Command{
	Use:   "stage <name> --input <dir>... --output <dir>",
	Short: "Runs a single stage against explicit input and output directories.",
	Long:  "Runs a single stage against explicit input and output directories.\n\nStages:\n  " + stageNames(),
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		if !cmd.Flags().Changed("output") {
			return fmt.Errorf("%w: stage needs an explicit --output directory", pipeline.ErrConfig)
		}
		runner := pipeline.NewRunner(cfg, logger)
		summary, err := runner.RunStage(cmd.Context(), args[0], stageInputs, cfg.OutputDir, flags.resume)
		return finish(cmd, logger, summary, err)
	},
}
