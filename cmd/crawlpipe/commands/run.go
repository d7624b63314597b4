package commands

import (
	"github.com/spf13/cobra"

	"github.com/krtong/bikenode.com-sub003/internal/pipeline"
)

var runFlags struct {
	from string
	to   string
}

func init() {
	runCmd.Flags().StringVar(&runFlags.from, "from", "", "First stage to run (default map).")
	runCmd.Flags().StringVar(&runFlags.to, "to", "", "Last stage to run (default qc).")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run [--from <stage>] [--to <stage>] [--resume]",
	Short: "Runs the stages in order under the output directory.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd, pipeline.RunOptions{
			From:   runFlags.from,
			To:     runFlags.to,
			Resume: flags.resume,
		})
	},
}
