package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/surf-session-core/internal/storage"
)

var (
	profileName string
	profileDays int
)

// profilesCmd manages stored session profiles
var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Manage stored session profiles",
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles, most recently used first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openProfiles(nil)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), store.List())
	},
}

var profilesExportCmd = &cobra.Command{
	Use:   "export <id> [file]",
	Short: "Export a profile to stdout or a file",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openProfiles(nil)
		if err != nil {
			return err
		}
		data, err := store.Export(args[0])
		if err != nil {
			return err
		}
		if len(args) == 2 {
			return storage.WriteFileAtomic(args[1], []byte(data))
		}
		fmt.Fprintln(cmd.OutOrStdout(), data)
		return nil
	},
}

var profilesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a profile under a new id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openProfiles(nil)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read profile file: %w", err)
		}
		p, err := store.Import(string(data), profileName)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), p)
	},
}

var profilesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a profile and its sidecar data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openProfiles(nil)
		if err != nil {
			return err
		}
		return store.Delete(args[0])
	},
}

var profilesCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete profiles unused for --days days",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openProfiles(nil)
		if err != nil {
			return err
		}
		days := profileDays
		if days <= 0 {
			days = cfg.Profiles.RetentionDays
		}
		n, err := store.CleanupOlderThan(days)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d profiles\n", n)
		return nil
	},
}

func init() {
	profilesImportCmd.Flags().StringVar(&profileName, "name", "", "Name for the imported profile")
	profilesCleanupCmd.Flags().IntVar(&profileDays, "days", 0, "Age in days (default: profiles.retention_days)")

	profilesCmd.AddCommand(profilesListCmd)
	profilesCmd.AddCommand(profilesExportCmd)
	profilesCmd.AddCommand(profilesImportCmd)
	profilesCmd.AddCommand(profilesDeleteCmd)
	profilesCmd.AddCommand(profilesCleanupCmd)
}
