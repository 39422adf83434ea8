package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/diabetactic/glucosync/internal/app"
	"github.com/diabetactic/glucosync/internal/sync/conflict"
)

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List and resolve edit conflicts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List unresolved conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				records, err := a.Conflicts.List(ctx)
				if err != nil {
					return err
				}
				return rootOpts.formatter(cmd).Print(records, func(w io.Writer) {
					for _, c := range records {
						fmt.Fprintf(w, "%s  fields=%s  local=%g  server=%g\n",
							c.EntityID, strings.Join(c.Fields, ","), c.Local.Value, c.Server.Value)
					}
				})
			})
		},
	})

	var keep string
	resolve := &cobra.Command{
		Use:   "resolve <reading-id>",
		Short: "Keep the local or the server version of a conflicting reading",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			choice := conflict.Choice("keep_" + keep)
			if !choice.Valid() {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid --keep %q: must be local or server", keep))
			}
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Engine.ResolveConflict(ctx, args[0], choice); err != nil {
					return err
				}
				return rootOpts.formatter(cmd).Print(map[string]string{"resolved": args[0], "choice": string(choice)}, func(w io.Writer) {
					fmt.Fprintf(w, "resolved %s (%s)\n", args[0], choice)
				})
			})
		},
	}
	resolve.Flags().StringVar(&keep, "keep", "", "version to keep (local|server)")
	_ = resolve.MarkFlagRequired("keep")
	cmd.AddCommand(resolve)

	return cmd
}
