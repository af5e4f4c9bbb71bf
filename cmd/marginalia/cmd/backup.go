package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wgilpin/marginalia/internal/config"
	"github.com/wgilpin/marginalia/internal/output"
)

func newBackupCmd() *cobra.Command {
	var restoreFrom string
	var list bool

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Take, list, or restore a timestamped backup of the database file",
		Long: `With no flags, copies the SQLite database file to a timestamped
sibling path, holding a cross-process file lock for the duration of
the copy so a concurrent writer can't be backed up mid-write. Backups
beyond the newest five are pruned automatically.

--list shows existing backups, newest first. --restore replaces the
live database with the named backup, after first backing up whatever
is currently live.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch {
			case list:
				return runListBackups(cmd)
			case restoreFrom != "":
				return runRestore(cmd, restoreFrom)
			default:
				return runBackup(cmd)
			}
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "List existing database backups, newest first")
	cmd.Flags().StringVar(&restoreFrom, "restore", "", "Restore the database from the given backup path")

	return cmd
}

func runBackup(cmd *cobra.Command) error {
	out := output.New(cmd.OutOrStdout())

	path, err := config.BackupDatabase(appConfig)
	if err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	if path == "" {
		out.Status("", "No database file found yet; nothing to back up")
		return nil
	}

	out.Successf("Database backed up to %s", path)
	return nil
}

func runListBackups(cmd *cobra.Command) error {
	out := output.New(cmd.OutOrStdout())

	backups, err := config.ListDatabaseBackups(appConfig)
	if err != nil {
		return fmt.Errorf("list backups failed: %w", err)
	}
	if len(backups) == 0 {
		out.Status("", "No backups found")
		return nil
	}
	for _, b := range backups {
		out.Status("", b)
	}
	return nil
}

func runRestore(cmd *cobra.Command, backupPath string) error {
	out := output.New(cmd.OutOrStdout())

	if err := config.RestoreDatabase(appConfig, backupPath); err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}

	out.Successf("Database restored from %s", backupPath)
	return nil
}
