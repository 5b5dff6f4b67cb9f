package models

import "time"

type SyncStatus string

const (
	SyncPending           SyncStatus = "pending"
	SyncInProgress        SyncStatus = "in_progress"
	SyncSuccess           SyncStatus = "success"
	SyncRetryPending      SyncStatus = "retry_pending"
	SyncPermanentlyFailed SyncStatus = "permanently_failed"
	SyncBlocked           SyncStatus = "blocked"
)

// Valid reports whether s is a known sync status.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncPending, SyncInProgress, SyncSuccess, SyncRetryPending, SyncPermanentlyFailed, SyncBlocked:
		return true
	}
	return false
}

// DocReferences are the ERP identifiers produced by a successful push.
// Empty fields mean "not produced".
type DocReferences struct {
	CustomerID string `json:"customer_id,omitempty"`
	OrderID    string `json:"order_id,omitempty"`
	InvoiceID  string `json:"invoice_id,omitempty"`
	PaymentID  string `json:"payment_id,omitempty"`
}

// SyncRecord is the one-per-order row of the sync log.
type SyncRecord struct {
	ID              int64         `json:"id"`
	OrderID         int64         `json:"order_id"`
	Status          SyncStatus    `json:"status"`
	AttemptNumber   int           `json:"attempt_number"`
	AttemptToken    string        `json:"-"`
	LastAttemptTime *time.Time    `json:"last_attempt_time"`
	NextRetryTime   *time.Time    `json:"next_retry_time"`
	ErrorMessage    *string       `json:"error_message"`
	LastResponse    *string       `json:"last_response"`
	DocRefs         DocReferences `json:"doc_references"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// RetryDue reports whether a retry_pending record may start at now.
func (r *SyncRecord) RetryDue(now time.Time) bool {
	if r.NextRetryTime == nil {
		return true
	}
	return !now.Before(*r.NextRetryTime)
}

// StuckSince reports whether an in_progress attempt started more than threshold ago.
func (r *SyncRecord) StuckSince(now time.Time, threshold time.Duration) bool {
	if r.Status != SyncInProgress {
		return false
	}
	if r.LastAttemptTime == nil {
		return true
	}
	return now.Sub(*r.LastAttemptTime) > threshold
}
