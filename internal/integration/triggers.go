package integration

import (
	"context"
	"errors"
	"fmt"

	"erpsync/internal/dispatcher"
	"erpsync/internal/events"
	"erpsync/internal/models"
	"erpsync/internal/syncstate"
)

// TriggerOrderSync queues an immediate push for the order. When the runner is down or the
// store rejects the task, the push runs inline instead. A queued duplicate is a no-op.
func (w *Worker) TriggerOrderSync(ctx context.Context, orderID int64, trigger string) error {
	p := models.OrderIntegration{OrderID: orderID, Trigger: trigger}
	log := w.logger.With().Int64("order_id", orderID).Str("trigger", trigger).Logger()

	if w.disp.IsAvailable() {
		_, err := w.disp.Enqueue(ctx, p, 0)
		switch {
		case err == nil:
			w.disp.ForceDrain()
			return nil
		case errors.Is(err, dispatcher.ErrDuplicate):
			log.Debug().Msg("order sync already queued")
			return nil
		default:
			log.Warn().Err(err).Msg("enqueue failed, running order sync inline")
		}
	} else {
		log.Warn().Msg("runner unavailable, running order sync inline")
	}

	return w.disp.RunSynchronously(ctx, p)
}

// ManualRetry is the operator override. The push runs inline so the caller sees its outcome.
func (w *Worker) ManualRetry(ctx context.Context, orderID int64, confirmed bool) (syncstate.ManualRetryResult, syncstate.Outcome, error) {
	var out syncstate.Outcome
	res, err := w.machine.ManualRetry(ctx, orderID, confirmed, func(ctx context.Context) error {
		w.note(ctx, orderID, "Manual ERP sync requested")
		var runErr error
		out, runErr = w.SyncOrder(ctx, orderID, true)
		return runErr
	})
	return res, out, err
}

// EnqueueCatalogRefresh schedules a catalog pull. Returns dispatcher.ErrDuplicate when
// the same refresh is already queued.
func (w *Worker) EnqueueCatalogRefresh(ctx context.Context, kind models.TaskKind, skus []string) (*models.Task, error) {
	var p models.Payload
	switch kind {
	case models.TaskProductImport:
		p = models.ProductImport{}
	case models.TaskStockUpdate:
		su := models.StockUpdate{SKUs: skus}
		if len(skus) > 0 {
			su.Scope = "skus"
		}
		p = su
	default:
		return nil, fmt.Errorf("%w: %s is not a catalog task", dispatcher.ErrUnknownKind, kind)
	}
	return w.disp.Enqueue(ctx, p, 0)
}

// ImportProducts pulls the ERP catalog into the local products table.
func (w *Worker) ImportProducts(ctx context.Context) (int, error) {
	token, err := w.erp.Authenticate(ctx)
	if err != nil {
		return 0, err
	}
	products, err := w.erp.FetchProducts(ctx, token)
	if err != nil {
		return 0, fmt.Errorf("fetch products: %w", err)
	}
	if err := w.catalog.UpsertProducts(ctx, products); err != nil {
		return 0, err
	}
	w.logger.Info().Int("count", len(products)).Msg("products imported")
	return len(products), nil
}

// UpdateStock pulls stock levels (all, or just skus) and applies them to known products.
func (w *Worker) UpdateStock(ctx context.Context, skus []string) (int, error) {
	token, err := w.erp.Authenticate(ctx)
	if err != nil {
		return 0, err
	}
	levels, err := w.erp.FetchStock(ctx, token, skus)
	if err != nil {
		return 0, fmt.Errorf("fetch stock: %w", err)
	}
	n, err := w.catalog.UpdateStock(ctx, levels)
	if err != nil {
		return 0, err
	}
	w.logger.Info().Int("fetched", len(levels)).Int("updated", n).Msg("stock updated")
	return n, nil
}

// Subscribe wires order lifecycle events to TriggerOrderSync.
func (w *Worker) Subscribe(bus *events.EventBus) {
	handle := func(event *events.Event) error {
		p, err := events.DecodeOrderEvent(event)
		if err != nil {
			return fmt.Errorf("decode %s: %w", event.Type, err)
		}
		if event.Type == events.EventOrderStatusChanged && !Syncable(p.Status) {
			return nil
		}
		return w.TriggerOrderSync(context.Background(), p.OrderID, event.Type)
	}
	bus.Subscribe(events.EventOrderPaid, handle)
	bus.Subscribe(events.EventOrderStatusChanged, handle)
}
