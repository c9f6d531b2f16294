package main

import (
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/unixabg/dosi/internal/treestore"
)

// registryRoots are the top-level keys a registry owns.
var registryRoots = []string{"unknown", "adopted"}

func (a *app) newMigrateCmd() *cobra.Command {
	var to, dest string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy the registry into another store backend",
		Long: `migrate copies every marker, record and script from the configured
store into a new one, keeping check-in times. The source is left untouched;
point dosid at the destination afterwards.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dest == "" {
				return fmt.Errorf("--dest is required")
			}
			cfg := a.config()
			src, err := treestore.Open(cfg.Backend, cfg.DataRoot, cfg.SQLitePath)
			if err != nil {
				return err
			}
			defer src.Close()
			dst, err := treestore.Open(to, dest, dest)
			if err != nil {
				return err
			}
			defer dst.Close()

			total := 0
			for _, root := range registryRoots {
				n, err := treestore.CountLeaves(src, root)
				if err != nil {
					return err
				}
				total += n
			}
			bar := progressbar.NewOptions(total,
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionSetDescription("Copying registry"),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
			copied := 0
			for _, root := range registryRoots {
				n, err := treestore.Copy(dst, src, root, func(string) { _ = bar.Add(1) })
				copied += n
				if err != nil {
					return err
				}
			}
			_ = bar.Finish()
			ok(cmd.OutOrStdout(), "copied %d entries to %s store at %s", copied, to, dest)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "sqlite", "destination backend: dir or sqlite")
	cmd.Flags().StringVar(&dest, "dest", "", "destination directory (dir) or database file (sqlite)")
	return cmd
}
