package syncstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"erpsync/internal/config"
	"erpsync/internal/database"
	"erpsync/internal/dispatcher"
	"erpsync/internal/domain"
	"erpsync/internal/logging"
	"erpsync/internal/metrics"
	"erpsync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNoSyncRecord is returned when an attempt is concluded for an order that has no sync record.
var ErrNoSyncRecord = errors.New("no sync record")

// Scheduler is the part of the dispatcher the machine uses to queue retries.
type Scheduler interface {
	Enqueue(ctx context.Context, p models.Payload, delay time.Duration) (*models.Task, error)
}

// Machine owns every transition of the sync log.
type Machine struct {
	db        *database.DB
	scheduler Scheduler
	notifier  domain.Notifier
	cfg       config.SyncConfig
	logger    *zerolog.Logger

	now      func() time.Time
	newToken func() string
}

func New(db *database.DB, scheduler Scheduler, notifier domain.Notifier, cfg config.SyncConfig, logger *zerolog.Logger) *Machine {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = models.MaxSyncAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = models.SyncRetryDelay
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = models.StuckThreshold
	}
	return &Machine{
		db:        db,
		scheduler: scheduler,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logging.Component(logger, "syncstate"),
		now:       time.Now,
		newToken:  uuid.NewString,
	}
}

// MaxAttempts is the automatic attempt budget per order.
func (m *Machine) MaxAttempts() int {
	return m.cfg.MaxAttempts
}

// ShouldSync is the admission guard. It never admits a second attempt while one is in progress.
func (m *Machine) ShouldSync(ctx context.Context, orderID int64, manual bool) (bool, error) {
	rec, err := m.db.GetSyncRecord(ctx, orderID)
	if err != nil {
		return false, err
	}
	return admits(rec, manual, m.now()), nil
}

func admits(rec *models.SyncRecord, manual bool, now time.Time) bool {
	if rec == nil {
		return true
	}
	switch rec.Status {
	case models.SyncInProgress:
		return false
	case models.SyncSuccess:
		// Resending a synced order needs operator confirmation, gated by the caller.
		return manual
	case models.SyncPermanentlyFailed, models.SyncBlocked:
		return manual
	case models.SyncRetryPending:
		return rec.RetryDue(now)
	default:
		return true
	}
}

// Start unconditionally moves the order into in_progress and issues a fresh attempt token.
// Prefer TryClaim, which folds the admission check into the same update.
func (m *Machine) Start(ctx context.Context, orderID int64) (Attempt, error) {
	token := m.newToken()
	rec, err := m.db.StartSyncAttempt(ctx, orderID, token, m.now())
	if err != nil {
		return Attempt{}, err
	}
	metrics.IncTransition(string(models.SyncInProgress))
	return attemptFrom(rec), nil
}

// TryClaim admits and starts an attempt in one compare-and-swap.
func (m *Machine) TryClaim(ctx context.Context, orderID int64, manual bool) (Attempt, ClaimResult, error) {
	rec, err := m.db.GetSyncRecord(ctx, orderID)
	if err != nil {
		return Attempt{}, ClaimNotEligible, err
	}
	if rec != nil && rec.Status == models.SyncInProgress {
		return Attempt{}, ClaimAlreadyInProgress, nil
	}
	if !admits(rec, manual, m.now()) {
		return Attempt{}, ClaimNotEligible, nil
	}

	token := m.newToken()
	ok, err := m.db.ClaimSyncAttempt(ctx, orderID, rec, token, m.now())
	if err != nil {
		return Attempt{}, ClaimNotEligible, err
	}
	if !ok {
		// Someone else moved the record between our read and the update.
		cur, err := m.db.GetSyncRecord(ctx, orderID)
		if err != nil {
			return Attempt{}, ClaimNotEligible, err
		}
		if cur != nil && cur.Status == models.SyncInProgress {
			return Attempt{}, ClaimAlreadyInProgress, nil
		}
		return Attempt{}, ClaimNotEligible, nil
	}

	claimed, err := m.db.GetSyncRecord(ctx, orderID)
	if err != nil {
		return Attempt{}, ClaimNotEligible, err
	}
	if claimed == nil {
		return Attempt{}, ClaimNotEligible, fmt.Errorf("%w: order %d vanished after claim", ErrNoSyncRecord, orderID)
	}
	metrics.IncTransition(string(models.SyncInProgress))
	m.logger.Info().Int64("order_id", orderID).Int("attempt", claimed.AttemptNumber).Bool("manual", manual).Msg("sync attempt started")
	return attemptFrom(claimed), ClaimClaimed, nil
}

// Succeed records a successful attempt and merges the produced document references.
func (m *Machine) Succeed(ctx context.Context, a Attempt, response string, refs models.DocReferences) (Outcome, error) {
	ok, err := m.db.CompleteSyncAttempt(ctx, a.OrderID, a.Token, response, refs, m.now())
	if err != nil {
		return "", err
	}
	if !ok {
		return m.stale(ctx, a, "succeed")
	}

	metrics.IncTransition(string(models.SyncSuccess))
	m.logger.Info().Int64("order_id", a.OrderID).Int("attempt", a.Number).Str("erp_order", refs.OrderID).Msg("order synced")
	return OutcomeSucceeded, nil
}

// Fail concludes an attempt with an error. Retryable failures below the attempt cap schedule a
// retry; everything else becomes permanently_failed. A token mismatch is a no-op.
func (m *Machine) Fail(ctx context.Context, a Attempt, f Failure) (Outcome, error) {
	rec, err := m.db.GetSyncRecord(ctx, a.OrderID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", fmt.Errorf("%w: order %d", ErrNoSyncRecord, a.OrderID)
	}
	if rec.Status != models.SyncInProgress || rec.AttemptToken != a.Token {
		return m.stale(ctx, a, "fail")
	}

	now := m.now()
	msg := f.message()
	log := m.logger.With().Int64("order_id", a.OrderID).Int("attempt", rec.AttemptNumber).Str("error", msg).Logger()

	if f.Retryable && rec.AttemptNumber < m.cfg.MaxAttempts {
		next := now.Add(m.cfg.RetryDelay)
		ok, err := m.db.MarkSyncRetry(ctx, a.OrderID, a.Token, msg, f.Response, next, now)
		if err != nil {
			return "", err
		}
		if !ok {
			return m.stale(ctx, a, "fail")
		}
		metrics.IncTransition(string(models.SyncRetryPending))

		m.scheduleRetry(ctx, a.OrderID, rec.AttemptNumber+1)
		log.Warn().Time("next_retry", next).Msg("sync attempt failed, retry scheduled")
		m.notify(ctx, "ERP sync retry scheduled", fmt.Sprintf(
			"Order %d: attempt %d/%d failed: %s\nNext retry at %s",
			a.OrderID, rec.AttemptNumber, m.cfg.MaxAttempts, msg, next.UTC().Format(time.RFC3339),
		))
		return OutcomeRetryScheduled, nil
	}

	ok, err := m.db.MarkSyncFailed(ctx, a.OrderID, a.Token, msg, f.Response, now)
	if err != nil {
		return "", err
	}
	if !ok {
		return m.stale(ctx, a, "fail")
	}
	metrics.IncTransition(string(models.SyncPermanentlyFailed))

	log.Error().Bool("retryable", f.Retryable).Msg("sync permanently failed")
	m.notify(ctx, "ERP sync failed", fmt.Sprintf(
		"Order %d: attempt %d/%d failed: %s\nManual intervention required.",
		a.OrderID, rec.AttemptNumber, m.cfg.MaxAttempts, msg,
	))
	return OutcomePermanentlyFailed, nil
}

// Block parks the order without consuming an attempt. Used when a precondition fails
// before any ERP call.
func (m *Machine) Block(ctx context.Context, orderID int64, reason string) error {
	if err := m.db.BlockSync(ctx, orderID, reason, m.now()); err != nil {
		return err
	}
	metrics.IncTransition(string(models.SyncBlocked))
	m.logger.Warn().Int64("order_id", orderID).Str("reason", reason).Msg("sync blocked")
	return nil
}

func (m *Machine) scheduleRetry(ctx context.Context, orderID int64, attempt int) {
	_, err := m.scheduler.Enqueue(ctx, models.RetryOrderIntegration{OrderID: orderID, Attempt: attempt}, m.cfg.RetryDelay)
	switch {
	case err == nil:
	case errors.Is(err, dispatcher.ErrDuplicate):
		m.logger.Debug().Int64("order_id", orderID).Msg("retry already queued")
	default:
		// RecoverDueRetries picks the order up once the retry is due.
		m.logger.Error().Err(err).Int64("order_id", orderID).Msg("enqueue retry")
	}
}

func (m *Machine) stale(ctx context.Context, a Attempt, op string) (Outcome, error) {
	rec, err := m.db.GetSyncRecord(ctx, a.OrderID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", fmt.Errorf("%w: order %d", ErrNoSyncRecord, a.OrderID)
	}
	m.logger.Warn().
		Int64("order_id", a.OrderID).
		Int("attempt", a.Number).
		Str("op", op).
		Str("current_status", string(rec.Status)).
		Msg("ignoring outcome of superseded attempt")
	return OutcomeStale, nil
}

func (m *Machine) notify(ctx context.Context, title, body string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, title, body); err != nil {
		m.logger.Warn().Err(err).Str("title", title).Msg("operator notification failed")
	}
}
