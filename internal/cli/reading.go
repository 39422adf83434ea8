package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/diabetactic/glucosync/internal/app"
	"github.com/diabetactic/glucosync/internal/db"
	"github.com/diabetactic/glucosync/internal/models"
	syncpkg "github.com/diabetactic/glucosync/internal/sync"
)

// readingFlags are the editable fields shared by add and edit.
type readingFlags struct {
	value float64
	unit  string
	at    string
	meal  string
	notes string
}

func (f *readingFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&f.value, "value", 0, "glucose value")
	cmd.Flags().StringVar(&f.unit, "unit", models.UnitMgDL, "unit (mg/dL|mmol/L)")
	cmd.Flags().StringVar(&f.at, "at", "", "measurement time, RFC3339 (default now)")
	cmd.Flags().StringVar(&f.meal, "meal", "", "meal context")
	cmd.Flags().StringVar(&f.notes, "notes", "", "free-form notes")
}

// apply overwrites the fields of in whose flags were set.
func (f *readingFlags) apply(cmd *cobra.Command, in *syncpkg.ReadingInput) error {
	flags := cmd.Flags()
	if flags.Changed("value") {
		in.Value = f.value
	}
	if flags.Changed("unit") || in.Unit == "" {
		in.Unit = f.unit
	}
	if flags.Changed("at") {
		t, err := time.Parse(time.RFC3339, f.at)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --at", err)
		}
		in.Timestamp = t.Unix()
	}
	if flags.Changed("meal") {
		in.MealContext = f.meal
	}
	if flags.Changed("notes") {
		in.Notes = f.notes
	}
	return nil
}

// NewReadingCommand creates the reading command.
func NewReadingCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reading",
		Short: "Record, edit and list glucose readings",
	}
	cmd.AddCommand(newReadingAddCommand(rootOpts))
	cmd.AddCommand(newReadingEditCommand(rootOpts))
	cmd.AddCommand(newReadingListCommand(rootOpts))
	cmd.AddCommand(newReadingDeleteCommand(rootOpts))
	return cmd
}

func newReadingAddCommand(rootOpts *RootOptions) *cobra.Command {
	f := &readingFlags{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a reading and queue it for sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := syncpkg.ReadingInput{Timestamp: time.Now().Unix()}
			if err := f.apply(cmd, &in); err != nil {
				return err
			}
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.RecordReading(ctx, in)
				if err != nil {
					return err
				}
				return rootOpts.formatter(cmd).Print(r, func(w io.Writer) {
					fmt.Fprintf(w, "recorded %s\n", r.ID)
				})
			})
		},
	}
	f.register(cmd)
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func newReadingEditCommand(rootOpts *RootOptions) *cobra.Command {
	f := &readingFlags{}
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change a reading and queue the update",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				cur, err := a.Repo.GetReading(ctx, args[0])
				if err != nil {
					return err
				}
				in := syncpkg.ReadingInput{
					Value:       cur.Value,
					Unit:        cur.Unit,
					Timestamp:   cur.Timestamp,
					MealContext: cur.MealContext,
					Notes:       cur.Notes,
				}
				if err := f.apply(cmd, &in); err != nil {
					return err
				}
				r, err := a.Engine.EditReading(ctx, cur.ID, in)
				if err != nil {
					return err
				}
				return rootOpts.formatter(cmd).Print(r, func(w io.Writer) {
					fmt.Fprintf(w, "updated %s\n", r.ID)
				})
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newReadingListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		unsynced bool
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List local readings by measurement time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				filter := db.ReadingFilter{Limit: limit}
				if unsynced {
					synced := false
					filter.Synced = &synced
				}
				readings, err := a.Repo.ListReadings(ctx, filter)
				if err != nil {
					return err
				}
				if readings == nil {
					readings = []*models.Reading{}
				}
				return rootOpts.formatter(cmd).Print(readings, func(w io.Writer) {
					for _, r := range readings {
						state := "synced"
						if !r.Synced {
							state = "pending"
						}
						fmt.Fprintf(w, "%s  %s  %g %s  %s\n",
							r.ID, time.Unix(r.Timestamp, 0).UTC().Format(time.RFC3339), r.Value, r.Unit, state)
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&unsynced, "unsynced", false, "only readings not yet pushed")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of readings (0 = all)")
	return cmd
}

func newReadingDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a reading and queue the server delete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteReading(ctx, args[0]); err != nil {
					return err
				}
				return rootOpts.formatter(cmd).Print(map[string]string{"deleted": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "deleted %s\n", args[0])
				})
			})
		},
	}
}
