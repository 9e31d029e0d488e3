package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "migrate",
		Short:         "Create the punch store tables",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()
			if err := backend.Migrate(cmd.Context()); err != nil {
				return WrapExitError(ExitFailure, "migrate", err)
			}
			fmt.Fprintln(opts.Out, "schema up to date")
			return nil
		},
	}
}
