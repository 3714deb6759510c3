package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewRestoreCommand creates the restore command.
func NewRestoreCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "restore <player-key>",
		Short:        "Replace a record with its newest loadable backup",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0])
			if err != nil {
				return err
			}
			e, err := newEnv(opts, cmd)
			if err != nil {
				return err
			}
			defer e.close()
			if err := e.openStore(); err != nil {
				return err
			}

			rec, backup, err := e.store.RestoreFromBackup(commandContext(cmd), key)
			if err != nil {
				return WrapExitError(ExitCommandError, "restoring "+key.String(), err)
			}
			return e.out.Success(map[string]interface{}{
				"player_key": key.String(),
				"version":    rec.Version,
				"backup":     backup,
			}, fmt.Sprintf("restored %s from %s (now version %d)", key, backup.Path, rec.Version))
		},
	}
}

// NewBackupsCommand creates the backups command.
func NewBackupsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "backups <player-key>",
		Short:        "List the snapshots kept for a record, newest first",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0])
			if err != nil {
				return err
			}
			e, err := newEnv(opts, cmd)
			if err != nil {
				return err
			}
			defer e.close()
			if err := e.openStore(); err != nil {
				return err
			}

			backups, err := e.store.Backups(key)
			if err != nil {
				return WrapExitError(ExitCommandError, "listing backups", err)
			}
			var b strings.Builder
			fmt.Fprintf(&b, "%d backup(s) for %s", len(backups), key)
			for _, backup := range backups {
				fmt.Fprintf(&b, "\n  %s  %d bytes  %s", backup.CreatedAt.Format("2006-01-02T15:04:05Z07:00"), backup.Size, backup.Path)
			}
			return e.out.Success(backups, b.String())
		},
	}
}

// NewArchiveCommand creates the archive command.
func NewArchiveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "archive <player-key>",
		Short:        "Move a record out of the live store",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0])
			if err != nil {
				return err
			}
			e, err := newEnv(opts, cmd)
			if err != nil {
				return err
			}
			defer e.close()
			if err := e.openStore(); err != nil {
				return err
			}

			path, err := e.store.Archive(commandContext(cmd), key)
			if err != nil {
				return WrapExitError(ExitCommandError, "archiving "+key.String(), err)
			}
			return e.out.Success(map[string]string{
				"player_key": key.String(),
				"path":       path,
			}, fmt.Sprintf("archived %s to %s", key, path))
		},
	}
}
