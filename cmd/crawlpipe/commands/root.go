package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/krtong/bikenode.com-sub003/internal/config"
	"github.com/krtong/bikenode.com-sub003/internal/pipeline"
)

var flags struct {
	config      string
	domain      string
	output      string
	maxPages    int
	concurrency int
	resume      bool
	logLevel    string
}

// exitCode is set by the command that ran.
var exitCode = pipeline.ExitOK

var rootCmd = &cobra.Command{
	Use:   "crawlpipe",
	Short: "crawlpipe maps, fetches and scrapes a site in resumable stages.",
	Long: `crawlpipe crawls one site into a staged output directory:
map, filter, group, probe, plan, fetch, scrape, dedupe, load and qc.
Without a subcommand it runs every stage.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd, pipeline.RunOptions{Resume: flags.resume})
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.config, "config", "", "Path to the YAML configuration file.")
	pf.StringVar(&flags.domain, "domain", "", "Site to crawl; replaces the configured seeds.")
	pf.StringVar(&flags.output, "output", "", "Output directory (overrides output_dir).")
	pf.IntVar(&flags.maxPages, "max-pages", 0, "Page budget for mapping and planning.")
	pf.IntVar(&flags.concurrency, "concurrency", 0, "Number of concurrent fetch workers.")
	pf.BoolVar(&flags.resume, "resume", false, "Skip stages whose output is already committed.")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn or error.")
}

// ExecuteContext runs the CLI and returns the process exit code.
func ExecuteContext(ctx context.Context) int {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitCode == pipeline.ExitOK {
			exitCode = pipeline.ExitFailure
		}
	}
	return exitCode
}

// setup loads configuration, applies flag overrides and builds the logger.
func setup(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(flags.config)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("%w: %v", pipeline.ErrConfig, err)
	}
	pf := cmd.Flags()
	if pf.Changed("domain") {
		domain := strings.ToLower(strings.TrimSpace(flags.domain))
		if strings.Contains(domain, "://") {
			cfg.Seeds = []string{domain}
		} else {
			cfg.Domain = strings.Trim(domain, "/")
			cfg.Seeds = nil
		}
	}
	if pf.Changed("output") {
		cfg.OutputDir = flags.output
	}
	if pf.Changed("max-pages") {
		cfg.Crawl.MaxPages = flags.maxPages
	}
	if pf.Changed("concurrency") {
		cfg.Worker.Concurrency = flags.concurrency
	}
	if pf.Changed("log-level") {
		cfg.Logging.Level = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, fmt.Errorf("%w: %v", pipeline.ErrConfig, err)
	}
	logger, err := config.NewLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("%w: %v", pipeline.ErrConfig, err)
	}
	return *cfg, logger, nil
}

// finish prints the summary and records the exit code for the outcome.
func finish(cmd *cobra.Command, logger *slog.Logger, summary pipeline.Summary, err error) error {
	if len(summary.Stages) > 0 {
		summary.Render(cmd.OutOrStdout())
	}
	exitCode = pipeline.ExitCode(summary, err)
	switch {
	case err == nil:
		if blocked := summary.PermanentlyBlocked(); blocked > 0 {
			logger.Warn("run finished with permanently blocked URLs", "blocked", blocked, "output", summary.OutputDir)
		}
		return nil
	case pipeline.Interrupted(err):
		logger.Warn("run interrupted; committed stages are kept, rerun with --resume", "output", summary.OutputDir)
		return errors.New("interrupted")
	default:
		return err
	}
}

func runPipeline(cmd *cobra.Command, opts pipeline.RunOptions) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	runner := pipeline.NewRunner(cfg, logger)
	logger.Info("run started", "run_id", runner.RunID(), "output", cfg.OutputDir, "from", opts.From, "to", opts.To, "resume", opts.Resume)
	summary, err := runner.Run(cmd.Context(), opts)
	return finish(cmd, logger, summary, err)
}
