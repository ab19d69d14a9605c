package cmd

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/expander"
	"github.com/JakeFAU/harvester/internal/targets"
	"github.com/JakeFAU/harvester/internal/worker"
)

// dryRunTargets bounds a --dry-run pass.
const dryRunTargets = 3

type expandOptions struct {
	numShards        int
	shardID          int
	maxURLsPerTarget int
	maxWorkers       int
	maxRequests      int
	dryRun           bool
	estimate         bool
}

func (o expandOptions) apply(cfg config.ExpandConfig) config.ExpandConfig {
	if o.maxURLsPerTarget > 0 {
		cfg.MaxURLsPerTarget = o.maxURLsPerTarget
	}
	if o.maxWorkers > 0 {
		cfg.MaxWorkers = o.maxWorkers
	}
	if o.maxRequests > 0 {
		cfg.MaxRequests = o.maxRequests
	}
	return cfg
}

func newExpandCmd() *cobra.Command {
	var opts expandOptions
	cmd := &cobra.Command{
		Use:   "expand",
		Short: "Crawl synthesized candidate URLs for one shard of the seeds",
		Long: `Generates pagination, search, path, archive and category guesses for
every seed target and crawls the URLs of one shard, with a resumable
shard-local progress file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExpand(cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&opts.numShards, "num-shards", 1, "total number of shards")
	flags.IntVar(&opts.shardID, "shard-id", 0, "shard owned by this process")
	flags.IntVar(&opts.maxURLsPerTarget, "max-urls-per-target", 0, "cap on generated URLs per seed")
	flags.IntVar(&opts.maxWorkers, "max-workers", 0, "URLs crawled at once")
	flags.IntVar(&opts.maxRequests, "max-requests", 0, "stop after this many requests")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "only process the first few expanded targets")
	flags.BoolVar(&opts.estimate, "estimate", false, "print the shard size and estimated runtime, then exit")
	return cmd
}

func runExpand(cmd *cobra.Command, opts expandOptions) error {
	ctx := cmd.Context()
	appInstance, err := resolveApp(ctx)
	if err != nil {
		return err
	}
	if err := expander.ValidateShard(opts.numShards, opts.shardID); err != nil {
		return err
	}
	cfg := appInstance.Config()
	expandCfg := opts.apply(cfg.Expand)
	logger := appInstance.Logger().With(zap.Int("shard", opts.shardID), zap.Int("num_shards", opts.numShards))

	seeds, err := targets.LoadMerged(append([]string{cfg.Paths.TargetsFile}, expandCfg.SeedFiles...)...)
	if err != nil {
		return fmt.Errorf("load seeds: %w", err)
	}
	shard := expander.Shard(expander.Expand(seeds, expandCfg.MaxURLsPerTarget, time.Now()), opts.numShards, opts.shardID)
	if opts.dryRun && len(shard) > dryRunTargets {
		shard = shard[:dryRunTargets]
	}

	out := cmd.OutOrStdout()
	if opts.estimate {
		est := expander.EstimateRun(shard, expandCfg.EstimatePerURL)
		fmt.Fprintf(out, "Shard %d/%d: %d targets, %d URLs\n", opts.shardID, opts.numShards, est.Targets, est.URLs)
		fmt.Fprintf(out, "Request cap: %d\n", expandCfg.MaxRequests)
		fmt.Fprintf(out, "Estimated runtime: %s\n", est.Duration.Round(time.Second))
		return nil
	}
	if len(shard) == 0 {
		logger.Warn("no expanded targets in shard")
		return nil
	}

	crawlCfg := cfg.ApplyFast()
	crawlCfg.Crawler.MaxDepth = 0
	stateFile := cfg.Paths.StateFile
	if opts.numShards > 1 {
		stateFile = shardStatePath(stateFile, opts.shardID)
	}

	if err := appInstance.Connect(ctx); err != nil {
		return err
	}
	store, err := appInstance.OpenState(stateFile)
	if err != nil {
		return err
	}
	engine, err := appInstance.NewCrawler(crawlCfg, store, worker.WithTransientTargets())
	if err != nil {
		return err
	}

	pass := expander.NewRunner(expander.Config{
		MaxWorkers:   expandCfg.MaxWorkers,
		MaxRequests:  expandCfg.MaxRequests,
		SaveEvery:    expandCfg.SaveEvery,
		ProgressPath: expander.ProgressPath(expandCfg.ProgressDir, opts.shardID),
	}, engine, store, logger)
	res, err := pass.Run(ctx, shard)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Requests: %d (succeeded %d, failed %d)\n", res.Requests, res.Succeeded, res.Failed)
	if res.LimitReached {
		fmt.Fprintln(out, "Request cap reached")
	}
	return nil
}

// shardStatePath tags the crawl-state file name with the shard id.
func shardStatePath(path string, shardID int) string {
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s_shard_%d%s", strings.TrimSuffix(path, ext), shardID, ext)
}
