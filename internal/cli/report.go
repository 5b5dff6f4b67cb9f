package cli

import (
	"fmt"
	"strconv"

	"erpsync/internal/models"
	"erpsync/internal/report"

	"github.com/spf13/cobra"
)

// NewReportCommand creates the report command.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		out    string
		status string
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Export the sync log to an xlsx workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := models.SyncStatus(status)
			if st != "" && !st.Valid() {
				return &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("unknown status %q", status)}
			}

			app, err := newApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer app.Close()

			n, err := report.ExportSyncLog(cmd.Context(), app.Machine, st, out)
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), rootOpts.Format, map[string]any{"path": out, "rows": n}, [][2]string{
				{"path", out},
				{"rows", strconv.Itoa(n)},
			})
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "output .xlsx path (required)")
	cmd.Flags().StringVar(&status, "status", "", "only export records in this sync status")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}
