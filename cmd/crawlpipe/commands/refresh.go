package commands

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/krtong/bikenode.com-sub003/internal/config"
	"github.com/krtong/bikenode.com-sub003/internal/pipeline"
)

var refreshSchedule string

func init() {
	refreshCmd.Flags().StringVar(&refreshSchedule, "schedule", "", `Cron expression, e.g. "0 3 * * *" (overrides refresh.schedule).`)
	rootCmd.AddCommand(refreshCmd)
}

var refreshCmd = &cobra.Command{
	Use:   "refresh [--schedule <cron>]",
	Short: "Re-runs the full pipeline on a schedule into <output>/runs/<timestamp> until interrupted.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		spec := cfg.Refresh.Schedule
		if cmd.Flags().Changed("schedule") {
			spec = refreshSchedule
		}
		schedule, spec, err := parseSchedule(spec)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		cl := cronLogger{logger: logger}
		c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl)))
		c.Schedule(schedule, cron.FuncJob(func() { _, _ = refreshOnce(ctx, cfg, logger, time.Now()) }))
		c.Start()
		logger.Info("refresh scheduled", "schedule", spec, "next", schedule.Next(time.Now()))

		<-ctx.Done()
		logger.Info("refresh stopping; waiting for the running pipeline")
		<-c.Stop().Done()
		return nil
	},
}

func parseSchedule(spec string) (cron.Schedule, string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, "", fmt.Errorf("%w: refresh needs --schedule or refresh.schedule", pipeline.ErrConfig)
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, spec, fmt.Errorf("%w: schedule %q: %v", pipeline.ErrConfig, spec, err)
	}
	return schedule, spec, nil
}

// runDir is the output directory of a refresh run started at the given time.
func runDir(root string, at time.Time) string {
	return filepath.Join(root, "runs", at.UTC().Format("20060102T150405Z"))
}

// refreshOnce runs the full pipeline into its own run directory and returns it.
func refreshOnce(ctx context.Context, cfg config.Config, logger *slog.Logger, at time.Time) (pipeline.Summary, error) {
	runCfg := cfg
	runCfg.OutputDir = runDir(cfg.OutputDir, at)
	runner := pipeline.NewRunner(runCfg, logger)
	summary, err := runner.Run(ctx, pipeline.RunOptions{})
	if err != nil {
		logger.Error("refresh run failed", "run_id", runner.RunID(), "output", runCfg.OutputDir, "error", err)
		return summary, err
	}
	logger.Info("refresh run finished",
		"run_id", runner.RunID(),
		"output", runCfg.OutputDir,
		"attempted", summary.Attempted(),
		"successes", summary.Successes(),
		"blocked", summary.PermanentlyBlocked(),
	)
	return summary, nil
}

// cronLogger routes scheduler logs to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
