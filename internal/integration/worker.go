package integration

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"erpsync/internal/database"
	"erpsync/internal/dispatcher"
	"erpsync/internal/domain"
	"erpsync/internal/erp"
	"erpsync/internal/logging"
	"erpsync/internal/models"
	"erpsync/internal/syncstate"

	"github.com/rs/zerolog"
)

// ERPClient is the slice of the ERP API the worker calls.
type ERPClient interface {
	Authenticate(ctx context.Context) (string, error)
	FindCustomer(ctx context.Context, token, email string) (string, error)
	PostDocument(ctx context.Context, kind erp.DocumentKind, payload any, token string) (*erp.Result, error)
	FetchProducts(ctx context.Context, token string) ([]models.Product, error)
	FetchStock(ctx context.Context, token string, skus []string) ([]models.StockLevel, error)
}

// Worker is the task body for every integration task kind.
type Worker struct {
	orders  domain.OrderSource
	catalog domain.CatalogStore
	erp     ERPClient
	machine *syncstate.Machine
	disp    *dispatcher.Dispatcher
	locker  domain.Locker
	lockTTL time.Duration
	logger  *zerolog.Logger
}

func NewWorker(
	orders domain.OrderSource,
	catalog domain.CatalogStore,
	erpClient ERPClient,
	machine *syncstate.Machine,
	disp *dispatcher.Dispatcher,
	locker domain.Locker,
	lockTTL time.Duration,
	logger *zerolog.Logger,
) *Worker {
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	return &Worker{
		orders:  orders,
		catalog: catalog,
		erp:     erpClient,
		machine: machine,
		disp:    disp,
		locker:  locker,
		lockTTL: lockTTL,
		logger:  logging.Component(logger, "integration"),
	}
}

// Init binds the worker to every task kind. Calling it again is a no-op.
func Init(d *dispatcher.Dispatcher, w *Worker) error {
	for _, kind := range models.TaskKinds {
		err := d.Register(kind, w.HandleTask)
		if err != nil && !errors.Is(err, dispatcher.ErrAlreadyRegistered) {
			return err
		}
	}
	return nil
}

// HandleTask is the dispatcher handler. Sync outcomes (retry, permanent failure, block)
// are not task errors; only store or ERP catalog failures are.
func (w *Worker) HandleTask(ctx context.Context, task *models.Task, payload models.Payload) error {
	ctx = dispatcher.WithTask(ctx, task)
	switch p := payload.(type) {
	case models.OrderIntegration:
		_, err := w.SyncOrder(ctx, p.OrderID, false)
		return err
	case models.RetryOrderIntegration:
		_, err := w.SyncOrder(ctx, p.OrderID, false)
		return err
	case models.ProductImport:
		_, err := w.ImportProducts(ctx)
		return err
	case models.StockUpdate:
		_, err := w.UpdateStock(ctx, p.SKUs)
		return err
	default:
		return fmt.Errorf("%w: %T", dispatcher.ErrUnknownKind, payload)
	}
}

// Syncable reports whether an order in this storefront status may be pushed.
func Syncable(status string) bool {
	switch status {
	case models.OrderStatusPaid, models.OrderStatusProcessing, models.OrderStatusCompleted:
		return true
	}
	return false
}

func lockKey(orderID int64) string {
	return "order:" + strconv.FormatInt(orderID, 10)
}

// SyncOrder runs one admitted attempt for the order, or explains why none ran.
func (w *Worker) SyncOrder(ctx context.Context, orderID int64, manual bool) (syncstate.Outcome, error) {
	log := w.logger.With().Int64("order_id", orderID).Bool("manual", manual).Logger()

	release, ok, err := w.locker.Acquire(ctx, lockKey(orderID), w.lockTTL)
	if err != nil {
		return "", fmt.Errorf("acquire order lock: %w", err)
	}
	if !ok {
		log.Debug().Msg("order locked by another attempt")
		return syncstate.OutcomeSkipped, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("release order lock")
		}
	}()

	admit, err := w.machine.ShouldSync(ctx, orderID, manual)
	if err != nil {
		return "", err
	}
	if !admit {
		log.Debug().Msg("sync not admitted")
		return syncstate.OutcomeSkipped, nil
	}

	order, reason, err := w.checkPreconditions(ctx, orderID)
	if err != nil {
		return "", err
	}
	if reason != "" {
		if err := w.machine.Block(ctx, orderID, reason); err != nil {
			return "", err
		}
		w.note(ctx, orderID, "ERP sync blocked: "+reason)
		return syncstate.OutcomeBlocked, nil
	}

	attempt, res, err := w.machine.TryClaim(ctx, orderID, manual)
	if err != nil {
		return "", err
	}
	if res != syncstate.ClaimClaimed {
		log.Debug().Str("claim", string(res)).Msg("sync not claimed")
		return syncstate.OutcomeSkipped, nil
	}

	return w.push(ctx, order, attempt)
}

func (w *Worker) checkPreconditions(ctx context.Context, orderID int64) (*models.Order, string, error) {
	order, err := w.orders.GetOrder(ctx, orderID)
	if errors.Is(err, database.ErrOrderNotFound) {
		return nil, "order not found", nil
	}
	if err != nil {
		return nil, "", err
	}
	if !Syncable(order.Status) {
		return order, fmt.Sprintf("order status %q does not permit sync", order.Status), nil
	}
	if order.PaymentMethod != models.PaymentMethodCash && strings.TrimSpace(order.PaymentProof) == "" {
		return order, fmt.Sprintf("payment proof missing for %s payment", order.PaymentMethod), nil
	}
	return order, "", nil
}

// push performs the ERP calls for a claimed attempt. Every return path, panics included,
// concludes the attempt.
func (w *Worker) push(ctx context.Context, order *models.Order, a syncstate.Attempt) (out syncstate.Outcome, err error) {
	log := w.logger.With().Int64("order_id", order.ID).Int("attempt", a.Number).Logger()
	concluded := false

	defer func() {
		r := recover()
		if r != nil {
			log.Error().Interface("panic", r).Msg("order sync panicked")
		}
		if concluded {
			if r != nil {
				err = fmt.Errorf("panic after sync outcome recorded: %v", r)
			}
			return
		}
		cause := errors.New("sync attempt ended without an outcome")
		if r != nil {
			cause = fmt.Errorf("panic during order sync: %v", r)
		}
		out, err = w.machine.Fail(context.WithoutCancel(ctx), a, syncstate.Failure{Err: cause, Retryable: true})
		w.note(context.WithoutCancel(ctx), order.ID, fmt.Sprintf("ERP sync attempt %d aborted: %v", a.Number, cause))
	}()

	refs, raw, erpErr := w.pushDocuments(ctx, order)
	if erpErr != nil {
		out, err = w.machine.Fail(ctx, a, syncstate.Failure{
			Err:       erpErr,
			Response:  erp.ResponseBody(erpErr),
			Retryable: erp.IsRetryable(erpErr),
		})
		concluded = true
		w.note(ctx, order.ID, fmt.Sprintf("ERP sync attempt %d failed (%s): %v", a.Number, out, erpErr))
		return out, err
	}

	out, err = w.machine.Succeed(ctx, a, raw, refs)
	concluded = true
	if out == syncstate.OutcomeSucceeded {
		w.note(ctx, order.ID, fmt.Sprintf("Synced to ERP: customer %s, order %s, invoice %s, payment %s",
			refs.CustomerID, refs.OrderID, refs.InvoiceID, refs.PaymentID))
	}
	return out, err
}

type customerDoc struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type orderDoc struct {
	CustomerID string `json:"customer_id"`
	ExternalID string `json:"external_id"`
	Number     string `json:"number"`
	TotalCents int64  `json:"total_cents"`
	Currency   string `json:"currency"`
}

type invoiceDoc struct {
	OrderID    string `json:"order_id"`
	TotalCents int64  `json:"total_cents"`
	Currency   string `json:"currency"`
}

type paymentDoc struct {
	InvoiceID   string `json:"invoice_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Method      string `json:"method"`
	Reference   string `json:"reference,omitempty"`
}

func (w *Worker) pushDocuments(ctx context.Context, order *models.Order) (models.DocReferences, string, error) {
	var refs models.DocReferences

	token, err := w.erp.Authenticate(ctx)
	if err != nil {
		return refs, "", err
	}

	refs.CustomerID, err = w.erp.FindCustomer(ctx, token, order.CustomerEmail)
	if err != nil {
		return refs, "", fmt.Errorf("customer lookup: %w", err)
	}
	if refs.CustomerID == "" {
		res, err := w.erp.PostDocument(ctx, erp.DocCustomer, customerDoc{Name: order.CustomerName, Email: order.CustomerEmail}, token)
		if err != nil {
			return refs, "", fmt.Errorf("create customer: %w", err)
		}
		refs.CustomerID = res.ID
	}

	so, err := w.erp.PostDocument(ctx, erp.DocOrder, orderDoc{
		CustomerID: refs.CustomerID,
		ExternalID: strconv.FormatInt(order.ID, 10),
		Number:     order.Number,
		TotalCents: order.TotalCents,
		Currency:   order.Currency,
	}, token)
	if err != nil {
		return refs, "", fmt.Errorf("create sales order: %w", err)
	}
	refs.OrderID = so.ID

	inv, err := w.erp.PostDocument(ctx, erp.DocInvoice, invoiceDoc{OrderID: so.ID, TotalCents: order.TotalCents, Currency: order.Currency}, token)
	if err != nil {
		return refs, "", fmt.Errorf("create invoice: %w", err)
	}
	refs.InvoiceID = inv.ID

	pay, err := w.erp.PostDocument(ctx, erp.DocPayment, paymentDoc{
		InvoiceID:   inv.ID,
		AmountCents: order.TotalCents,
		Currency:    order.Currency,
		Method:      order.PaymentMethod,
		Reference:   order.PaymentProof,
	}, token)
	if err != nil {
		return refs, "", fmt.Errorf("create payment: %w", err)
	}
	refs.PaymentID = pay.ID

	return refs, pay.Raw, nil
}

func (w *Worker) note(ctx context.Context, orderID int64, text string) {
	if err := w.orders.AppendAuditNote(ctx, orderID, text); err != nil {
		w.logger.Warn().Err(err).Int64("order_id", orderID).Msg("append audit note")
	}
}
