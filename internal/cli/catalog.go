package cli

import (
	"errors"
	"strconv"

	"erpsync/internal/dispatcher"
	"erpsync/internal/models"

	"github.com/spf13/cobra"
)

// NewCatalogCommand creates the catalog command group.
func NewCatalogCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Pull catalog data from the ERP",
	}
	cmd.AddCommand(newCatalogSubcommand(rootOpts, "import", "Queue a product catalog import", models.TaskProductImport))
	cmd.AddCommand(newCatalogSubcommand(rootOpts, "stock", "Queue a stock level update", models.TaskStockUpdate))
	return cmd
}

func newCatalogSubcommand(rootOpts *RootOptions, use, short string, kind models.TaskKind) *cobra.Command {
	var (
		skus []string
		now  bool
	)

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer app.Close()

			w := cmd.OutOrStdout()
			if now {
				var n int
				if kind == models.TaskProductImport {
					n, err = app.Worker.ImportProducts(cmd.Context())
				} else {
					n, err = app.Worker.UpdateStock(cmd.Context(), skus)
				}
				if err != nil {
					return err
				}
				return output(w, rootOpts.Format, map[string]any{"kind": kind, "updated": n}, [][2]string{
					{"kind", string(kind)},
					{"updated", strconv.Itoa(n)},
				})
			}

			task, err := app.Worker.EnqueueCatalogRefresh(cmd.Context(), kind, skus)
			if errors.Is(err, dispatcher.ErrDuplicate) {
				return output(w, rootOpts.Format, map[string]any{"kind": kind, "queued": false}, [][2]string{
					{"kind", string(kind)},
					{"queued", "already pending"},
				})
			}
			if err != nil {
				return err
			}
			return output(w, rootOpts.Format, task, [][2]string{
				{"kind", string(task.Kind)},
				{"task", strconv.FormatInt(task.ID, 10)},
				{"scheduled", task.ScheduledAt.Format("2006-01-02 15:04:05")},
			})
		},
	}

	if kind == models.TaskStockUpdate {
		cmd.Flags().StringSliceVar(&skus, "sku", nil, "limit the update to these SKUs")
	}
	cmd.Flags().BoolVar(&now, "now", false, "run inline instead of queueing")
	return cmd
}
