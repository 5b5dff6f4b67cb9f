package models

import "time"

const (
	// MaxSyncAttempts is one initial attempt plus two automatic retries.
	MaxSyncAttempts = 3

	// SyncRetryDelay is a fixed offset from the failing attempt, not a backoff.
	SyncRetryDelay = 5 * time.Minute

	// StuckThreshold is how old an in_progress attempt must be before an operator may override it.
	StuckThreshold = 5 * time.Minute

	// CatalogMinDelay keeps catalog work from starting before the enqueueing request has returned.
	CatalogMinDelay = 30 * time.Second

	// ErrorMessageDisplayLimit truncates last_error for operator views.
	ErrorMessageDisplayLimit = 200
)

// Queue health thresholds.
const (
	HealthWarningPending  = 50
	HealthCriticalPending = 200

	RunnerActiveWindow  = 5 * time.Minute
	RunnerBlockedAfter  = 2 * time.Minute
	RunnerSlowAfter     = 30 * time.Second
	DefaultPollInterval = 2 * time.Second
	DefaultBatchSize    = 20
	DefaultWorkers      = 4
	DefaultWakeQueueKey = "erpsync:jobs:wake"
	StaleRunningAfter   = 15 * time.Minute
)

const (
	OrderStatusPending    = "pending"
	OrderStatusPaid       = "paid"
	OrderStatusProcessing = "processing"
	OrderStatusCompleted  = "completed"
	OrderStatusCancelled  = "cancelled"
	OrderStatusRefunded   = "refunded"
)

const (
	PaymentMethodCash         = "cash"
	PaymentMethodCard         = "card"
	PaymentMethodBankTransfer = "bank_transfer"
)
