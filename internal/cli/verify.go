package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tapgame-core/internal/configsync"
	"github.com/tapgame-core/internal/domain"
)

// RecordIssue is a record that failed to load.
type RecordIssue struct {
	PlayerKey string `json:"player_key"`
	Reason    string `json:"reason"`
	Backups   int    `json:"backups"`
}

// VerifyResult is the outcome of a verify run.
type VerifyResult struct {
	Records        int                    `json:"records"`
	Healthy        int                    `json:"healthy"`
	RecordIssues   []RecordIssue          `json:"record_issues,omitempty"`
	ConfigEntities int                    `json:"config_entities"`
	ConfigIssues   []configsync.FileIssue `json:"config_issues,omitempty"`
}

// Clean reports whether nothing failed to load.
func (r VerifyResult) Clean() bool {
	return len(r.RecordIssues) == 0 && len(r.ConfigIssues) == 0
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Parse every record and config file and report the ones that fail",
		Args:  cobra.NoArgs,
		// Errors are reported through the formatter
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, cmd)
		},
	}
}

func runVerify(opts *RootOptions, cmd *cobra.Command) error {
	e, err := newEnv(opts, cmd)
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.openStore(); err != nil {
		return err
	}

	var result VerifyResult
	keys, err := e.store.Keys()
	if err != nil {
		return WrapExitError(ExitCommandError, "listing records", err)
	}
	for _, key := range keys {
		result.Records++
		_, err := e.store.ReadFromDisk(key)
		if err == nil {
			result.Healthy++
			continue
		}
		issue := RecordIssue{PlayerKey: key.String(), Reason: err.Error()}
		if errors.Is(err, domain.ErrCorruptRecord) || errors.Is(err, domain.ErrNotFound) {
			if backups, berr := e.store.Backups(key); berr == nil {
				issue.Backups = len(backups)
			}
		}
		result.RecordIssues = append(result.RecordIssues, issue)
	}

	report, err := configsync.New(&e.cfg.ConfigData, e.logger).SyncAll(commandContext(cmd))
	if err != nil {
		e.logger.Warn("config sync reported errors", "error", err)
	}
	for _, vr := range report.Variants {
		result.ConfigEntities += vr.Loaded
		result.ConfigIssues = append(result.ConfigIssues, vr.Skipped...)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "records: %d (%d healthy)\n", result.Records, result.Healthy)
	for _, issue := range result.RecordIssues {
		fmt.Fprintf(&b, "  %s: %s (%d backups)\n", issue.PlayerKey, issue.Reason, issue.Backups)
	}
	fmt.Fprintf(&b, "config entities: %d\n", result.ConfigEntities)
	for _, issue := range result.ConfigIssues {
		fmt.Fprintf(&b, "  %s: %s\n", issue.File, issue.Reason)
	}
	text := strings.TrimRight(b.String(), "\n")

	if result.Clean() {
		return e.out.Success(result, text)
	}
	if err := e.out.Failure(result, "verification failed", text); err != nil {
		return err
	}
	return WrapExitError(ExitFailure, fmt.Sprintf("verification failed: %d record(s), %d config file(s)",
		len(result.RecordIssues), len(result.ConfigIssues)), nil)
}
