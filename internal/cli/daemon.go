package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/diabetactic/glucosync/internal/app"
	"github.com/diabetactic/glucosync/internal/logging"
	syncpkg "github.com/diabetactic/glucosync/internal/sync"
)

// NewDaemonCommand creates the daemon command: it probes connectivity, syncs
// on reconnect and on the configured interval until interrupted.
func NewDaemonCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Keep syncing in the background until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				unsubscribe := a.Engine.Subscribe(func(st syncpkg.State) {
					logging.Debug("sync state", map[string]any{
						"status":    st.Status,
						"online":    st.Online,
						"pending":   st.Pending,
						"conflicts": st.Conflicts,
					})
				})
				defer unsubscribe()

				a.StartBackground(ctx)
				logging.Info("daemon started", map[string]any{
					"sync_interval":  a.Config.Sync.Interval.String(),
					"probe_interval": a.Config.Sync.ProbeInterval.String(),
				})
				<-ctx.Done()

				st := a.Engine.State()
				return rootOpts.formatter(cmd).Print(st, func(w io.Writer) {
					fmt.Fprintf(w, "stopped: %d pending, %d conflicts\n", st.Pending, st.Conflicts)
				})
			})
		},
	}
}
