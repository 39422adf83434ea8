package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/diabetactic/glucosync/internal/app"
	"github.com/diabetactic/glucosync/internal/export"
)

// NewExportCommand creates the export command. The archive password, if
// any, is read from GLUCOSYNC_EXPORT_PASSWORD.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		output string
		keep   int
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the local readings to a tar.gz archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if !cmd.Flags().Changed("keep") {
					keep = a.Config.Export.Keep
				}
				res, err := a.Export.Export(ctx, export.Options{
					OutputPath: output,
					Password:   os.Getenv(EnvExportPassword),
					Keep:       keep,
				})
				if err != nil {
					return err
				}
				return rootOpts.formatter(cmd).Print(res, func(w io.Writer) {
					fmt.Fprintf(w, "wrote %s (%d readings, %d bytes", res.Path, res.ReadingCount, res.SizeBytes)
					if res.Encrypted {
						fmt.Fprint(w, ", encrypted")
					}
					fmt.Fprintln(w, ")")
				})
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "archive path (default: generated name in the export directory)")
	cmd.Flags().IntVar(&keep, "keep", 0, "generated archives to keep (0 = all)")

	cmd.AddCommand(&cobra.Command{
		Use:   "verify <archive>",
		Short: "Check an archive's checksums and reading count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				m, err := a.Export.Verify(ctx, args[0], os.Getenv(EnvExportPassword))
				if err != nil {
					return err
				}
				return rootOpts.formatter(cmd).Print(m, func(w io.Writer) {
					fmt.Fprintf(w, "ok: %d readings exported %s\n", m.ReadingCount, m.ExportedAt.Format("2006-01-02 15:04:05"))
				})
			})
		},
	})

	return cmd
}
