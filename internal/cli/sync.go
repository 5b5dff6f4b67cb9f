package cli

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"erpsync/internal/models"
	"erpsync/internal/syncstate"

	"github.com/spf13/cobra"
)

// NewHealthCommand creates the health command. It exits non-zero on a critical queue.
func NewHealthCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show job queue health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer app.Close()

			h, err := app.Dispatcher.Health(cmd.Context())
			if err != nil {
				return fmt.Errorf("queue health: %w", err)
			}

			err = output(cmd.OutOrStdout(), rootOpts.Format, h, [][2]string{
				{"status", string(h.Status)},
				{"total pending", strconv.Itoa(h.TotalPending)},
				{"order pending", strconv.Itoa(h.DomainPending)},
				{"runner", string(h.RunnerState)},
			})
			if err != nil {
				return err
			}
			if h.Status == models.HealthCritical {
				return &ExitError{Code: ExitFailure, Message: "queue is critical"}
			}
			return nil
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <order-id>",
		Short: "Show the ERP sync state of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := parseOrderID(args[0])
			if err != nil {
				return err
			}

			app, err := newApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer app.Close()

			view, err := app.Machine.GetSyncStatus(cmd.Context(), orderID)
			if errors.Is(err, syncstate.ErrNoSyncRecord) {
				return WrapExitError(ExitFailure, "no sync record", err)
			}
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), rootOpts.Format, view, statusLines(view))
		},
	}
}

func statusLines(v *syncstate.StatusView) [][2]string {
	lines := [][2]string{
		{"order", strconv.FormatInt(v.OrderID, 10)},
		{"status", string(v.Status)},
		{"attempt", fmt.Sprintf("%d/%d", v.AttemptNumber, v.MaxAttempts)},
	}
	if v.LastAttemptAt != nil {
		lines = append(lines, [2]string{"last attempt", v.LastAttemptAt.Format(time.RFC3339)})
	}
	if v.NextRetryAt != nil {
		lines = append(lines, [2]string{"next retry", v.NextRetryAt.Format(time.RFC3339)})
	}
	if v.LastError != "" {
		lines = append(lines, [2]string{"last error", v.LastError})
	}
	if v.DocRefs.OrderID != "" {
		lines = append(lines, [2]string{"erp order", v.DocRefs.OrderID})
	}
	return lines
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "retry <order-id>",
		Short: "Reset an order's sync state and push it now",
		Long: `Operator override: resets the order's sync record and runs one push inline.
An order that already synced successfully needs --confirm, since a second
push creates duplicate ERP documents.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := parseOrderID(args[0])
			if err != nil {
				return err
			}

			app, err := newApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer app.Close()

			res, out, err := app.Worker.ManualRetry(cmd.Context(), orderID, confirm)
			if err != nil {
				return err
			}

			data := map[string]string{"order_id": args[0], "result": string(res), "outcome": string(out)}
			err = output(cmd.OutOrStdout(), rootOpts.Format, data, [][2]string{
				{"result", string(res)},
				{"outcome", string(out)},
			})
			if err != nil {
				return err
			}

			switch res {
			case syncstate.ManualRetryNeedsConfirmation:
				return &ExitError{Code: ExitCommandError, Message: "order already synced; rerun with --confirm"}
			case syncstate.ManualRetryStillProcessing:
				return &ExitError{Code: ExitFailure, Message: "a sync attempt is in progress"}
			}
			if out != syncstate.OutcomeSucceeded {
				return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("sync %s", out)}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "allow re-pushing an already synced order")
	return cmd
}

func parseOrderID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("invalid order id %q", raw)}
	}
	return id, nil
}
