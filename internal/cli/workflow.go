package cli

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/diabetactic/glucosync/internal/app"
	"github.com/diabetactic/glucosync/internal/appointment"
	"github.com/diabetactic/glucosync/internal/workflow"
)

// Environment variables read for workflow secrets.
const (
	EnvAuthPassword   = "GLUCOSYNC_AUTH_PASSWORD"
	EnvExportPassword = "GLUCOSYNC_EXPORT_PASSWORD"
)

// WorkflowOptions holds flags for workflow run.
type WorkflowOptions struct {
	*RootOptions
	Retries         int
	Username        string
	HospitalAccount string
	FormFile        string
	ExportPath      string
	ExportKeep      int
}

// NewWorkflowCommand creates the workflow command.
func NewWorkflowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Run multi-step workflows",
	}
	cmd.AddCommand(newWorkflowRunCommand(rootOpts))
	cmd.AddCommand(newWorkflowTypesCommand(rootOpts))
	return cmd
}

func newWorkflowRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WorkflowOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "run <type>",
		Short: "Execute a workflow, retrying failed attempts",
		Long: `Execute a workflow and print every attempt.

Types: FULL_SYNC, AUTH_AND_SYNC, APPOINTMENT_WITH_DATA, DATA_EXPORT, ACCOUNT_LINK.

The login password is read from ` + EnvAuthPassword + ` and the archive
password from ` + EnvExportPassword + `.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, opts, workflow.Type(args[0]))
		},
	}
	cmd.Flags().IntVar(&opts.Retries, "retries", 0, "retry a failed workflow up to n times")
	cmd.Flags().StringVar(&opts.Username, "username", "", "login name (AUTH_AND_SYNC)")
	cmd.Flags().StringVar(&opts.HospitalAccount, "hospital-account", "", "account to link (ACCOUNT_LINK)")
	cmd.Flags().StringVar(&opts.FormFile, "form", "", "clinical form JSON file (APPOINTMENT_WITH_DATA)")
	cmd.Flags().StringVar(&opts.ExportPath, "export-path", "", "archive path (DATA_EXPORT)")
	cmd.Flags().IntVar(&opts.ExportKeep, "export-keep", 0, "generated archives to keep (DATA_EXPORT)")
	return cmd
}

func runWorkflow(cmd *cobra.Command, opts *WorkflowOptions, typ workflow.Type) error {
	params := workflow.Params{
		Username:        opts.Username,
		Password:        os.Getenv(EnvAuthPassword),
		HospitalAccount: opts.HospitalAccount,
		ExportPath:      opts.ExportPath,
		ExportPassword:  os.Getenv(EnvExportPassword),
		ExportKeep:      opts.ExportKeep,
	}
	if opts.FormFile != "" {
		var form appointment.ClinicalForm
		if err := readJSONFile(opts.FormFile, &form); err != nil {
			return err
		}
		params.Form = &form
	}

	return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
		if params.Username == "" {
			params.Username = a.Config.Auth.Username
		}
		if params.Password == "" {
			params.Password = a.Config.Auth.Password
		}
		if params.ExportKeep == 0 {
			params.ExportKeep = a.Config.Export.Keep
		}

		wf := a.Workflows.Execute(ctx, typ, params)
		for i := 0; i < opts.Retries && wf.Status == workflow.StatusFailed; i++ {
			next, err := a.Workflows.Retry(ctx, wf.ID)
			if err != nil {
				return err
			}
			wf = next
		}

		attempts := a.Workflows.History()
		if err := opts.formatter(cmd).Print(attempts, func(w io.Writer) {
			for _, attempt := range attempts {
				printWorkflow(w, attempt)
			}
		}); err != nil {
			return err
		}
		if wf.Status != workflow.StatusCompleted {
			return NewExitError(ExitFailure, fmt.Sprintf("workflow %s failed: %s", typ, wf.Error))
		}
		return nil
	})
}

func newWorkflowTypesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List workflow types and their steps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defs := workflow.Catalogue(workflow.Deps{})
			out := make([]workflow.Definition, 0, len(defs))
			for _, typ := range workflow.Types() {
				out = append(out, defs[typ])
			}
			return rootOpts.formatter(cmd).Print(out, func(w io.Writer) {
				for _, def := range out {
					fmt.Fprintf(w, "%s\n", def.Type)
					for _, s := range def.Steps {
						critical := ""
						if s.Critical {
							critical = " (critical)"
						}
						fmt.Fprintf(w, "  %-22s %s%s\n", s.Name, s.Service, critical)
					}
				}
			})
		},
	}
}

func printWorkflow(w io.Writer, wf *workflow.Workflow) {
	fmt.Fprintf(w, "%s %s %s", wf.ID, wf.Type, wf.Status)
	if wf.Error != "" {
		fmt.Fprintf(w, ": %s", wf.Error)
	}
	fmt.Fprintln(w)
	for _, s := range wf.Steps {
		fmt.Fprintf(w, "  %-22s %s", s.Name, s.Status)
		if s.Error != "" {
			fmt.Fprintf(w, ": %s", s.Error)
		}
		fmt.Fprintln(w)
	}
	for _, k := range slices.Sorted(maps.Keys(wf.Output)) {
		fmt.Fprintf(w, "  %s=%s\n", k, wf.Output[k])
	}
}
