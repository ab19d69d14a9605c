// Package cmd defines the CLI commands of the harvester executable.
package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/api"
	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/dispatcher"
	"github.com/JakeFAU/harvester/internal/runner"
	"github.com/JakeFAU/harvester/internal/state"
	"github.com/JakeFAU/harvester/internal/targets"
)

// crawlOptions are the flags shared by crawl and start.
type crawlOptions struct {
	fresh              bool
	fast               bool
	concurrency        int
	targetsConcurrency int
}

func (o *crawlOptions) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.BoolVar(&o.fresh, "fresh", false, "delete crawl state before starting")
	flags.BoolVar(&o.fast, "fast", false, "use fast-mode limits and per-target workers")
	flags.IntVar(&o.concurrency, "concurrency", 0, "workers per target in fast mode")
	flags.IntVar(&o.targetsConcurrency, "targets-concurrency", 0, "targets crawled at once")
}

// apply returns cfg with the flag overrides applied.
func (o crawlOptions) apply(cfg config.Config) config.Config {
	if o.fast {
		cfg = cfg.ApplyFast()
	}
	if o.concurrency > 0 {
		cfg.Crawler.Concurrency = o.concurrency
	}
	if o.targetsConcurrency > 0 {
		cfg.Crawler.TargetsConcurrency = o.targetsConcurrency
	}
	return cfg
}

// childArgs renders the flags for a supervised crawl child. --fresh is never
// forwarded so a restarted child resumes.
func (o crawlOptions) childArgs(cfgFile string) []string {
	args := []string{"crawl"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if o.fast {
		args = append(args, "--fast")
	}
	if o.concurrency > 0 {
		args = append(args, "--concurrency", strconv.Itoa(o.concurrency))
	}
	if o.targetsConcurrency > 0 {
		args = append(args, "--targets-concurrency", strconv.Itoa(o.targetsConcurrency))
	}
	return args
}

// newCrawlCmd creates the crawl subcommand, which runs the scheduler in process.
func newCrawlCmd() *cobra.Command {
	var opts crawlOptions
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run the crawl loop in the foreground",
		Long: `Crawls every configured target, run after run, until all targets are
completed, a run makes no progress, or the process is interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, opts)
		},
	}
	opts.register(cmd)
	return cmd
}

func runCrawl(cmd *cobra.Command, opts crawlOptions) error {
	ctx := cmd.Context()
	appInstance, err := resolveApp(ctx)
	if err != nil {
		return err
	}
	cfg := opts.apply(appInstance.Config())
	logger := appInstance.Logger()

	if opts.fresh {
		if err := state.Reset(cfg.Paths.StateFile); err != nil {
			return fmt.Errorf("fresh start: %w", err)
		}
		logger.Info("crawl state cleared", zap.String("path", cfg.Paths.StateFile))
	}

	list, err := targets.Open(cfg.Paths.TargetsFile).List()
	if err != nil {
		return fmt.Errorf("load targets: %w", err)
	}
	if len(list) == 0 {
		logger.Warn("no targets configured", zap.String("path", cfg.Paths.TargetsFile))
		return nil
	}

	if err := appInstance.Connect(ctx); err != nil {
		return err
	}
	store, err := appInstance.OpenState(cfg.Paths.StateFile)
	if err != nil {
		return err
	}
	engine, err := appInstance.NewCrawler(cfg, store)
	if err != nil {
		return err
	}

	if cfg.Server.Addr != "" {
		server := api.NewServer(store, logger)
		go func() {
			if err := server.Serve(ctx, cfg.Server.Addr); err != nil {
				logger.Error("status server stopped", zap.Error(err))
			}
		}()
	}

	dispatch := dispatcher.New(engine, cfg.Crawler.TargetsConcurrency, logger)
	loop := runner.New(runner.Config{
		PauseDuration: cfg.Runs.PauseDuration,
		MaxRuns:       cfg.Runs.MaxRuns,
	}, dispatch, store, logger)

	logger.Info("crawl starting",
		zap.Int("targets", len(list)),
		zap.Bool("fast", cfg.Crawler.Fast),
		zap.Int("workers_per_target", cfg.Crawler.Workers()),
		zap.Int("targets_concurrency", cfg.Crawler.TargetsConcurrency),
	)
	reason := loop.Run(ctx, list)
	logger.Info("crawl finished", zap.String("reason", reason))
	return nil
}
