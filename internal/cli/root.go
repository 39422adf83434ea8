// Package cli implements the glucosync command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/diabetactic/glucosync/internal/app"
	"github.com/diabetactic/glucosync/internal/config"
	"github.com/diabetactic/glucosync/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
	Verbose    bool

	cfg *config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the glucosync CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

// Run executes the CLI with args and returns the process exit code. Errors
// are reported on stderr in the selected format.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts := &RootOptions{}
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.ExecuteContext(ctx); err != nil {
		(&OutputFormatter{Format: opts.Format, Writer: stderr}).Error(err)
		return GetExitCode(err)
	}
	return ExitSuccess
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "glucosync",
		Short: "Offline-first glucose readings with gateway sync",
		Long: `glucosync keeps glucose readings in a local store, queues every change
while offline and reconciles with the remote gateway when connectivity
returns. It also drives the appointment lifecycle and multi-step workflows.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.load(cmd)
		},
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	})
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log at debug level")

	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewReadingCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewAppointmentCommand(opts))
	cmd.AddCommand(NewWorkflowCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewDaemonCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}

// load reads the configuration once and points the global logger at the
// command's stderr.
func (o *RootOptions) load(cmd *cobra.Command) error {
	if o.cfg != nil {
		return nil
	}
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	level := logging.ParseLevel(cfg.LogLevel)
	if o.Verbose {
		level = logging.LevelDebug
	}
	logging.Init(cmd.ErrOrStderr(), level)
	o.cfg = cfg
	return nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// withApp opens a session for the duration of fn.
func (o *RootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	if err := o.load(cmd); err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := app.Open(ctx, o.cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "open session", err)
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
			logging.Warn("close session", map[string]any{"error": cerr.Error()})
		}
	}()
	return fn(ctx, a)
}

// NewVersionCommand prints the build version.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the glucosync version",
		Args:  cobra.NoArgs,
		// The version never needs a config.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.formatter(cmd).Print(map[string]string{"version": app.Version}, func(w io.Writer) {
				fmt.Fprintf(w, "glucosync %s\n", app.Version)
			})
		},
	}
}
