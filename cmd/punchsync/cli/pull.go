package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewPullCommand creates the pull command.
func NewPullCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "pull",
		Short:         "Pull punches from every configured terminal into the store",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			backend, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer backend.Close()

			devices, err := backend.Devices()
			if err != nil {
				return WrapExitError(ExitCommandError, "load devices", err)
			}
			results, err := backend.Puller.PullAll(ctx, devices)
			if err != nil {
				return WrapExitError(ExitFailure, "pull interrupted", err)
			}

			rows := make([]pullRow, 0, len(results))
			failed := 0
			for _, r := range results {
				row := pullRow{Device: r.DeviceID, Pulled: r.Pulled, Inserted: r.Inserted, Cleared: r.Cleared}
				if r.Err != nil {
					row.Error = r.Err.Error()
					failed++
				}
				rows = append(rows, row)
			}
			if err := writePullRows(opts.Out, opts.Format, rows); err != nil {
				return err
			}
			if len(results) > 0 && failed == len(results) {
				return NewExitError(ExitFailure, "every device failed")
			}
			return nil
		},
	}
}

type pullRow struct {
	Device   string `json:"device"`
	Pulled   int    `json:"pulled"`
	Inserted int    `json:"inserted"`
	Cleared  bool   `json:"cleared"`
	Error    string `json:"error,omitempty"`
}

func writePullRows(w io.Writer, format string, rows []pullRow) error {
	if format == "json" {
		return writeJSON(w, rows)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tPULLED\tINSERTED\tCLEARED\tERROR")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%t\t%s\n", r.Device, r.Pulled, r.Inserted, r.Cleared, r.Error)
	}
	return tw.Flush()
}
