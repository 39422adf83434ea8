package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/diabetactic/glucosync/internal/app"
	"github.com/diabetactic/glucosync/internal/appointment"
)

// NewAppointmentCommand creates the appointment command.
func NewAppointmentCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "appointment",
		Short: "Drive the appointment request lifecycle",
	}

	snapshotCommand := func(use, short string, args cobra.PositionalArgs, run func(ctx context.Context, m *appointment.Machine, args []string) (appointment.Snapshot, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  args,
			RunE: func(cmd *cobra.Command, args []string) error {
				return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) error {
					snap, err := run(ctx, a.Appointments, args)
					if err != nil {
						return err
					}
					return rootOpts.formatter(cmd).Print(snap, func(w io.Writer) { printSnapshot(w, snap) })
				})
			},
		}
	}

	cmd.AddCommand(snapshotCommand("status", "Show the appointment state", cobra.NoArgs,
		func(ctx context.Context, m *appointment.Machine, _ []string) (appointment.Snapshot, error) {
			return m.GetAppointmentStatus(ctx)
		}))

	cmd.AddCommand(snapshotCommand("submit", "Request an appointment", cobra.NoArgs,
		func(ctx context.Context, m *appointment.Machine, _ []string) (appointment.Snapshot, error) {
			return m.SubmitRequest(ctx)
		}))

	cmd.AddCommand(snapshotCommand("accept <placement>", "Accept the pending request at placement", cobra.ExactArgs(1),
		func(ctx context.Context, m *appointment.Machine, args []string) (appointment.Snapshot, error) {
			placement, err := parsePlacement(args[0])
			if err != nil {
				return appointment.Snapshot{}, err
			}
			return m.AcceptRequest(ctx, placement)
		}))

	cmd.AddCommand(snapshotCommand("deny <placement>", "Deny the pending request at placement", cobra.ExactArgs(1),
		func(ctx context.Context, m *appointment.Machine, args []string) (appointment.Snapshot, error) {
			placement, err := parsePlacement(args[0])
			if err != nil {
				return appointment.Snapshot{}, err
			}
			return m.DenyRequest(ctx, placement)
		}))

	var formFile string
	form := snapshotCommand("form", "Submit the clinical form of an accepted request", cobra.NoArgs,
		func(ctx context.Context, m *appointment.Machine, _ []string) (appointment.Snapshot, error) {
			var f appointment.ClinicalForm
			if err := readJSONFile(formFile, &f); err != nil {
				return appointment.Snapshot{}, err
			}
			return m.SubmitClinicalForm(ctx, f)
		})
	form.Flags().StringVarP(&formFile, "file", "f", "", "clinical form JSON file")
	_ = form.MarkFlagRequired("file")
	cmd.AddCommand(form)

	var resolutionFile string
	resolve := snapshotCommand("resolve <appointment-id>", "Attach the doctor's resolution to a created appointment", cobra.ExactArgs(1),
		func(ctx context.Context, m *appointment.Machine, args []string) (appointment.Snapshot, error) {
			var res appointment.Resolution
			if err := readJSONFile(resolutionFile, &res); err != nil {
				return appointment.Snapshot{}, err
			}
			return m.AttachResolution(ctx, args[0], res)
		})
	resolve.Flags().StringVarP(&resolutionFile, "file", "f", "", "resolution JSON file")
	_ = resolve.MarkFlagRequired("file")
	cmd.AddCommand(resolve)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the appointments created so far",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				list, err := a.Appointments.ListAppointments(ctx)
				if err != nil {
					return err
				}
				return rootOpts.formatter(cmd).Print(list, func(w io.Writer) {
					if len(list) == 0 {
						fmt.Fprintln(w, "no appointments")
					}
					for _, apt := range list {
						fmt.Fprintf(w, "%s  insulin: %s  pump: %s\n", apt.AppointmentID, apt.Form.InsulinType, apt.Form.PumpType)
					}
				})
			})
		},
	})

	return cmd
}

func parsePlacement(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid placement %q", s))
	}
	return n, nil
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "read "+path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return WrapExitError(ExitCommandError, "parse "+path, err)
	}
	return nil
}

func printSnapshot(w io.Writer, s appointment.Snapshot) {
	fmt.Fprintf(w, "status: %s", s.Status)
	if s.Stale {
		fmt.Fprint(w, " (cached, gateway unreachable)")
	}
	fmt.Fprintln(w)
	if s.Placement > 0 {
		fmt.Fprintf(w, "placement: %d\n", s.Placement)
	}
	if s.AppointmentID != "" {
		fmt.Fprintf(w, "appointment: %s\n", s.AppointmentID)
	}
	if s.ResolutionStatus != "" {
		fmt.Fprintf(w, "resolution: %s\n", s.ResolutionStatus)
	}
}
