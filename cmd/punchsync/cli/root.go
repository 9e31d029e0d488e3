package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/punchsync/internal/app"
	"github.com/odyssey-erp/punchsync/internal/device"
	"github.com/odyssey-erp/punchsync/jobs"
)

// Backend is the slice of the service stack the commands drive.
type Backend struct {
	Runner   jobs.Runner
	Puller   jobs.DevicePuller
	Devices  func() ([]device.Device, error)
	Migrate  func(ctx context.Context) error
	Location *time.Location
	Close    func() error
}

// Connector opens a Backend for the loaded configuration.
type Connector func(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*Backend, error)

// RootOptions holds global flags and the state prepared by the root command.
type RootOptions struct {
	Module  string
	Verbose bool
	Format  string // "json" | "text"

	Config  *app.Config
	Logger  *slog.Logger
	Connect Connector
	Out     io.Writer
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the punchsync root command.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{Connect: connectServices})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "punchsync",
		Short: "Reconcile biometric punches with the ERP attendance API",
		Long: "punchsync pulls punches from attendance terminals into postgres and " +
			"reconciles them against the remote ERP attendance records.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if opts.Out == nil {
				opts.Out = cmd.OutOrStdout()
			}
			return opts.prepare()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Module, "module", "", "ERP module (overrides ERP_MODULE)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewPullCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewJobsCommand(opts))

	return cmd
}

// prepare loads configuration and the logger unless they were injected.
func (o *RootOptions) prepare() error {
	if o.Config == nil {
		cfg, err := app.LoadConfig()
		if err != nil {
			return WrapExitError(ExitCommandError, "load config", err)
		}
		o.Config = cfg
	}
	if o.Module != "" {
		o.Config.ERPModule = o.Module
		if _, err := o.Config.Module(); err != nil {
			return WrapExitError(ExitCommandError, "module", err)
		}
	}
	if o.Verbose {
		o.Config.LogLevel = "debug"
	}
	if o.Logger == nil {
		o.Logger = app.NewLogger(o.Config)
	}
	return nil
}

// open connects the backend; callers must call Close.
func (o *RootOptions) open(ctx context.Context) (*Backend, error) {
	backend, err := o.Connect(ctx, o.Config, o.Logger)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "connect", err)
	}
	return backend, nil
}

func connectServices(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*Backend, error) {
	services, err := app.NewServices(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Backend{
		Runner:   services.Orchestrator,
		Puller:   services.Puller,
		Devices:  services.Devices,
		Migrate:  services.Store.Migrate,
		Location: cfg.Location(),
		Close:    services.Close,
	}, nil
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
