package syncstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"erpsync/internal/dispatcher"
	"erpsync/internal/metrics"
	"erpsync/internal/models"
)

// ManualRetry resets the order and runs it inline through run. An in_progress order is only
// overridden once it has been stuck past the threshold; a synced order needs confirmed.
func (m *Machine) ManualRetry(ctx context.Context, orderID int64, confirmed bool, run func(context.Context) error) (ManualRetryResult, error) {
	rec, err := m.db.GetSyncRecord(ctx, orderID)
	if err != nil {
		return "", err
	}

	if rec != nil {
		switch {
		case rec.Status == models.SyncInProgress && !rec.StuckSince(m.now(), m.cfg.StuckThreshold):
			return ManualRetryStillProcessing, nil
		case rec.Status == models.SyncSuccess && !confirmed:
			return ManualRetryNeedsConfirmation, nil
		}

		ok, err := m.db.ResetSync(ctx, orderID, rec, m.now())
		if err != nil {
			return "", err
		}
		if !ok {
			return ManualRetryStillProcessing, nil
		}
		metrics.IncTransition(string(models.SyncPending))
		m.logger.Info().
			Int64("order_id", orderID).
			Str("from", string(rec.Status)).
			Bool("confirmed", confirmed).
			Msg("sync reset by operator")
	}

	return ManualRetryStarted, run(ctx)
}

// GetSyncStatus returns the operator view of an order's sync record.
func (m *Machine) GetSyncStatus(ctx context.Context, orderID int64) (*StatusView, error) {
	rec, err := m.db.GetSyncRecord(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: order %d", ErrNoSyncRecord, orderID)
	}
	return m.view(rec), nil
}

// ListStatuses returns operator views, newest first, optionally filtered by status.
func (m *Machine) ListStatuses(ctx context.Context, status models.SyncStatus, limit int) ([]StatusView, error) {
	recs, err := m.db.ListSyncRecords(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	views := make([]StatusView, 0, len(recs))
	for i := range recs {
		views = append(views, *m.view(&recs[i]))
	}
	return views, nil
}

func (m *Machine) view(rec *models.SyncRecord) *StatusView {
	v := &StatusView{
		OrderID:       rec.OrderID,
		Status:        rec.Status,
		AttemptNumber: rec.AttemptNumber,
		MaxAttempts:   m.cfg.MaxAttempts,
		LastAttemptAt: rec.LastAttemptTime,
		DocRefs:       rec.DocRefs,
		UpdatedAt:     rec.UpdatedAt,
	}
	if rec.ErrorMessage != nil {
		v.LastError = truncate(*rec.ErrorMessage, models.ErrorMessageDisplayLimit)
	}
	if rec.Status == models.SyncRetryPending {
		v.NextRetryAt = rec.NextRetryTime
	}
	return v
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}

// RecoverDueRetries re-queues retry tasks for records whose retry is due but whose task is gone
// (for example the enqueue failed or the job store was restored).
func (m *Machine) RecoverDueRetries(ctx context.Context) (int, error) {
	due, err := m.db.ListDueRetries(ctx, m.now(), 100)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, rec := range due {
		_, err := m.scheduler.Enqueue(ctx, models.RetryOrderIntegration{OrderID: rec.OrderID, Attempt: rec.AttemptNumber + 1}, 0)
		switch {
		case err == nil:
			queued++
		case errors.Is(err, dispatcher.ErrDuplicate):
		default:
			return queued, fmt.Errorf("requeue retry for order %d: %w", rec.OrderID, err)
		}
	}
	if queued > 0 {
		m.logger.Info().Int("count", queued).Msg("recovered due retries")
	}
	return queued, nil
}

// RunRecovery calls RecoverDueRetries every interval until ctx is done.
func (m *Machine) RunRecovery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RecoverDueRetries(ctx); err != nil {
				m.logger.Error().Err(err).Msg("retry recovery failed")
			}
		}
	}
}
