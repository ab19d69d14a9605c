package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/state"
	"github.com/JakeFAU/harvester/internal/supervisor"
	"github.com/JakeFAU/harvester/internal/targets"
)

const bytesPerGB = 1024 * 1024 * 1024

// signaler is swapped in tests.
var signaler supervisor.Signaler = supervisor.OSSignaler{}

func newStartCmd(cfgFile *string) *cobra.Command {
	var opts crawlOptions
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Supervise a crawl process, restarting it if it dies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config()
			logger := appInstance.Logger()

			if _, alive, err := supervisor.Running(signaler, cfg.Paths.PIDFile); err != nil {
				return err
			} else if alive {
				return supervisor.ErrAlreadyRunning
			}
			if opts.fresh {
				if err := state.Reset(cfg.Paths.StateFile); err != nil {
					return fmt.Errorf("fresh start: %w", err)
				}
				logger.Info("crawl state cleared", zap.String("path", cfg.Paths.StateFile))
			}

			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate executable: %w", err)
			}
			if cfg.Supervisor.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.Supervisor.LogFile), 0o750); err != nil {
					return fmt.Errorf("create log dir: %w", err)
				}
			}
			sup := supervisor.New(supervisor.Config{
				PIDFile:          cfg.Paths.PIDFile,
				LivenessInterval: cfg.Supervisor.LivenessInterval,
				StopTimeout:      cfg.Supervisor.StopTimeout,
			}, supervisor.ExecLauncher{
				Path:    exe,
				Args:    opts.childArgs(*cfgFile),
				LogFile: cfg.Supervisor.LogFile,
			}, signaler, logger)
			return sup.Run(cmd.Context())
		},
	}
	opts.register(cmd)
	return cmd
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the supervised crawl gracefully",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config()
			rec, err := supervisor.Stop(signaler, cfg.Paths.PIDFile, cfg.Supervisor.StopTimeout, 0)
			out := cmd.OutOrStdout()
			switch {
			case errors.Is(err, supervisor.ErrNotRunning):
				fmt.Fprintln(out, "harvester is not running")
				return nil
			case err != nil:
				return err
			}
			fmt.Fprintf(out, "stopped harvester (pid %d)\n", rec.PID)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print supervisor state, data totals and output record counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), appInstance.Config())
		},
	}
}

func printStatus(out io.Writer, cfg config.Config) error {
	rule := "=================================================="
	fmt.Fprintln(out, rule)
	fmt.Fprintln(out, "HARVESTER STATUS")
	fmt.Fprintln(out, rule)

	rec, alive, err := supervisor.Running(signaler, cfg.Paths.PIDFile)
	if err != nil {
		return err
	}
	if alive {
		fmt.Fprintf(out, "Crawler: RUNNING (PID: %d, child: %d)\n", rec.PID, rec.ChildPID)
	} else {
		fmt.Fprintln(out, "Crawler: STOPPED")
	}

	store, err := state.Open(cfg.Paths.StateFile, nil)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	summary := store.Summary()
	updated := summary.Timestamp
	if updated == "" {
		updated = "never"
	}
	fmt.Fprintf(out, "Total Data Collected: %.2f GB\n", float64(summary.TotalDataSize)/bytesPerGB)
	fmt.Fprintf(out, "Current Run Data: %.2f GB\n", float64(summary.CurrentRunDataSize)/bytesPerGB)
	fmt.Fprintf(out, "Last Update: %s\n", updated)
	fmt.Fprintf(out, "Processed URLs: %d (failed: %d)\n", summary.Processed, summary.Failed)

	list, err := targets.Open(cfg.Paths.TargetsFile).List()
	if err != nil {
		return fmt.Errorf("load targets: %w", err)
	}
	completed := 0
	for _, t := range list {
		if summary.Targets[t.Name].Completed {
			completed++
		}
	}
	fmt.Fprintf(out, "Targets Completed: %d/%d\n", completed, len(list))

	counts, err := supervisor.CountRecords(cfg.Organize.OutputDir)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Training Data Files: %d\n", len(counts))
	for _, c := range counts {
		fmt.Fprintf(out, "  %s: %d records\n", c.Path, c.Records)
	}
	fmt.Fprintln(out, rule)
	return nil
}

func newOrganizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "organize",
		Short: "Run the configured post-processing command",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config()
			return supervisor.Organize(cmd.Context(), cfg.Organize.Command, cfg.Organize.Timeout, appInstance.Logger())
		},
	}
}
