package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/diabetactic/glucosync/internal/app"
	syncpkg "github.com/diabetactic/glucosync/internal/sync"
)

// NewSyncCommand creates the sync command. Without a subcommand it runs a
// full sync: push, then pull.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push queued changes and pull remote readings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res := a.Engine.FullSync(ctx)
				if err := rootOpts.formatter(cmd).Print(res, func(w io.Writer) {
					printPush(w, res.Push)
					printPull(w, res.Pull)
				}); err != nil {
					return err
				}
				return syncOutcome(res.Push, res.Pull)
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "push",
		Short: "Push queued changes only",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res := a.Engine.Push(ctx)
				if err := rootOpts.formatter(cmd).Print(res, func(w io.Writer) { printPush(w, res) }); err != nil {
					return err
				}
				return syncOutcome(res, syncpkg.PullResult{})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "pull",
		Short: "Pull remote readings only",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res := a.Engine.Pull(ctx)
				if err := rootOpts.formatter(cmd).Print(res, func(w io.Writer) { printPull(w, res) }); err != nil {
					return err
				}
				return syncOutcome(syncpkg.PushResult{}, res)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show connectivity, pending changes and conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				st := a.Engine.State()
				return rootOpts.formatter(cmd).Print(st, func(w io.Writer) {
					fmt.Fprintf(w, "status:    %s\n", st.Status)
					fmt.Fprintf(w, "online:    %t\n", st.Online)
					fmt.Fprintf(w, "pending:   %d\n", st.Pending)
					fmt.Fprintf(w, "conflicts: %d\n", st.Conflicts)
				})
			})
		},
	})

	return cmd
}

func printPush(w io.Writer, r syncpkg.PushResult) {
	fmt.Fprintf(w, "push: %d succeeded, %d failed, %d skipped, %d dropped\n", r.Success, r.Failed, r.Skipped, r.Dropped)
}

func printPull(w io.Writer, r syncpkg.PullResult) {
	if r.Error != "" {
		fmt.Fprintf(w, "pull: failed: %s\n", r.Error)
		return
	}
	fmt.Fprintf(w, "pull: %d merged, %d inserted, %d conflicts, %d skipped\n", r.Merged, r.Inserted, r.Conflicts, r.Skipped)
}

func syncOutcome(push syncpkg.PushResult, pull syncpkg.PullResult) error {
	switch {
	case pull.Error != "":
		return NewExitError(ExitFailure, "pull failed: "+pull.Error)
	case push.Failed > 0:
		return NewExitError(ExitFailure, fmt.Sprintf("%d queued changes failed to push", push.Failed))
	}
	return nil
}
