package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/diabetactic/glucosync/internal/app"
	"github.com/diabetactic/glucosync/internal/models"
	"github.com/diabetactic/glucosync/internal/sync/queue"
)

// QueueListing is the output of queue list.
type QueueListing struct {
	Stats queue.Stats             `json:"stats"`
	Items []models.SyncQueueItem `json:"items"`
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the outbound sync queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending changes in push order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				out := QueueListing{Stats: a.Queue.Stats(), Items: []models.SyncQueueItem{}}
				for _, it := range a.Queue.Items() {
					out.Items = append(out.Items, it.SyncQueueItem)
				}
				return rootOpts.formatter(cmd).Print(out, func(w io.Writer) {
					fmt.Fprintf(w, "%d pending (%d upserts, %d deletes)\n", out.Stats.Pending, out.Stats.Upserts, out.Stats.Deletes)
					for _, it := range out.Items {
						fmt.Fprintf(w, "%-6s %s  retries=%d", it.Operation, it.EntityID, it.RetryCount)
						if it.LastError != "" {
							fmt.Fprintf(w, "  last_error=%q", it.LastError)
						}
						fmt.Fprintln(w)
					}
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "dead",
		Short: "List changes dropped after exhausting their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				letters, err := a.Queue.DeadLetters(ctx)
				if err != nil {
					return err
				}
				return rootOpts.formatter(cmd).Print(letters, func(w io.Writer) {
					for _, l := range letters {
						fmt.Fprintf(w, "%-6s %s  retries=%d  %s\n", l.Operation, l.EntityID, l.RetryCount, l.LastError)
					}
				})
			})
		},
	})

	return cmd
}
