package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tapgame-core/internal/configsync"
	"github.com/tapgame-core/internal/mirrors"
	"github.com/tapgame-core/internal/replication"
	"github.com/tapgame-core/internal/worker"
)

// NewBackfillCommand creates the backfill command.
func NewBackfillCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Push every record on disk to the configured mirrors once",
		Long: `Backfill reads every record from disk and upserts it into each mirror
named in replication.mirrors. Mirrors keep the newest (updated_at, version),
so running it against a live deployment is safe.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(opts, cmd)
			if err != nil {
				return err
			}
			defer e.close()
			if err := e.openStore(); err != nil {
				return err
			}
			if err := e.connectRedis(); err != nil {
				return err
			}

			ctx := commandContext(cmd)
			set, err := mirrors.Open(ctx, e.cfg, e.redis, e.logger)
			if err != nil {
				return WrapExitError(ExitCommandError, "opening mirrors", err)
			}
			defer set.Close()
			if len(set.Mirrors) == 0 {
				return WrapExitError(ExitCommandError, "no mirrors configured in replication.mirrors", nil)
			}

			bridge := replication.NewBridge(set.Mirrors, &e.cfg.Replication, e.logger)
			reconciler := worker.NewSyncWorker(nil, e.store, bridge, nil, &e.cfg.Sync, e.logger)
			report, err := reconciler.Reconcile(ctx)

			text := fmt.Sprintf("mirrored %d record(s) in %d batch(es) to %s, %d skipped, %d failed",
				report.Records, report.Batches, strings.Join(bridge.Mirrors(), ","), len(report.Skipped), report.Failed)
			if err != nil {
				if ferr := e.out.Failure(report, err.Error(), text); ferr != nil {
					return ferr
				}
				return WrapExitError(ExitFailure, "backfill incomplete", err)
			}
			return e.out.Success(report, text)
		},
	}
}

// NewSyncConfigCommand creates the sync-config command.
func NewSyncConfigCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "sync-config",
		Short:        "Load every config variant from disk and print the report",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(opts, cmd)
			if err != nil {
				return err
			}
			defer e.close()

			report, err := configsync.New(&e.cfg.ConfigData, e.logger).SyncAll(commandContext(cmd))

			var b strings.Builder
			for _, vr := range report.Variants {
				fmt.Fprintf(&b, "%-13s loaded=%d skipped=%d generation=%d", vr.Variant, vr.Loaded, len(vr.Skipped), vr.Generation)
				if vr.Error != "" {
					fmt.Fprintf(&b, " error=%q", vr.Error)
				}
				b.WriteByte('\n')
				for _, issue := range vr.Skipped {
					fmt.Fprintf(&b, "  %s: %s\n", issue.File, issue.Reason)
				}
			}
			text := strings.TrimRight(b.String(), "\n")

			if err != nil {
				if ferr := e.out.Failure(report, err.Error(), text); ferr != nil {
					return ferr
				}
				return WrapExitError(ExitFailure, "config sync failed", err)
			}
			return e.out.Success(report, text)
		},
	}
}
