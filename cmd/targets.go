package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/targets"
)

func targetsFile(cmd *cobra.Command) (*targets.File, error) {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return nil, err
	}
	return targets.Open(appInstance.Config().Paths.TargetsFile), nil
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			file, err := targetsFile(cmd)
			if err != nil {
				return err
			}
			list, err := file.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintf(out, "no targets in %s\n", file.Path())
				return nil
			}
			for i, t := range list {
				name := t.Name
				if name == "" {
					name = "Unnamed"
				}
				fmt.Fprintf(out, "%02d. %s -> %s\n", i+1, name, t.URL)
			}
			return nil
		},
	}
}

func newAddCmd() *cobra.Command {
	var target crawler.Target
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a target to the targets file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			file, err := targetsFile(cmd)
			if err != nil {
				return err
			}
			if err := file.Add(target); err != nil {
				return fmt.Errorf("add target: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s -> %s\n", target.Name, target.URL)
			return nil
		},
	}
	cmd.Flags().StringVar(&target.Name, "name", "", "target name")
	cmd.Flags().StringVar(&target.URL, "url", "", "seed URL")
	cmd.Flags().StringVar(&target.Type, "type", targets.DefaultType, "target type")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func newRemoveCmd() *cobra.Command {
	var rawURL string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove every target with the given URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			file, err := targetsFile(cmd)
			if err != nil {
				return err
			}
			removed, err := file.Remove(rawURL)
			if err != nil {
				return fmt.Errorf("remove target: %w", err)
			}
			for _, t := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s -> %s\n", t.Name, t.URL)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rawURL, "url", "", "seed URL to remove")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}
