package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/punchsync/internal/punch"
	"github.com/odyssey-erp/punchsync/internal/syncer"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Bulk     bool
	Import   string
	Device   string
	Subjects []string
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile stored punches with the ERP",
		Long: `Reconcile the latest punch of every employee, or every punch in an
import window, against the ERP attendance records.

The import window is FROM..TO in YYYY-MM-DD form, interpreted in the ERP
time zone. TO is inclusive.`,
		Example: `  punchsync sync
  punchsync sync --bulk
  punchsync sync --import 2025-03-01..2025-03-31`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Bulk, "bulk", false, "decide against daily snapshots and submit once per day")
	cmd.Flags().StringVar(&opts.Import, "import", "", "reconcile the window FROM..TO instead of the latest punches")
	cmd.Flags().StringVar(&opts.Device, "device", "", "only punches from this terminal address")
	cmd.Flags().StringSliceVar(&opts.Subjects, "subject", nil, "only these subject ids")

	return cmd
}

func runSync(cmd *cobra.Command, opts *SyncOptions) error {
	ctx := cmd.Context()
	backend, err := opts.open(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	loc := backend.Location
	if loc == nil {
		loc = time.UTC
	}
	runOpts := syncer.Options{
		Bulk:   opts.Bulk,
		Filter: punch.Filter{DeviceID: opts.Device, SubjectIDs: opts.Subjects},
	}

	var summary syncer.Summary
	if opts.Import != "" {
		from, to, perr := parseImportWindow(opts.Import, loc)
		if perr != nil {
			return WrapExitError(ExitCommandError, "invalid --import", perr)
		}
		summary, err = backend.Runner.Import(ctx, from, to, runOpts)
	} else {
		summary, err = backend.Runner.Run(ctx, runOpts)
	}

	if werr := writeSummary(opts.Out, opts.Format, summary); werr != nil {
		opts.Logger.Warn("write summary", "error", werr)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "sync aborted", err)
	}
	if summary.Failed() {
		return NewExitError(ExitFailure, fmt.Sprintf("sync reconciled none of %d punches", summary.Attempted()))
	}
	return nil
}

// parseImportWindow parses "FROM..TO" into [from, to) where to is the start of
// the day after TO.
func parseImportWindow(raw string, loc *time.Location) (time.Time, time.Time, error) {
	fromRaw, toRaw, ok := strings.Cut(raw, "..")
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("expected FROM..TO, got %q", raw)
	}
	from, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(fromRaw), loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("from: %w", err)
	}
	last, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(toRaw), loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("to: %w", err)
	}
	if last.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("window %s ends before it starts", raw)
	}
	return from, last.AddDate(0, 0, 1), nil
}
