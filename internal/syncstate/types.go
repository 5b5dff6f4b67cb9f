package syncstate

import (
	"time"

	"erpsync/internal/models"
)

// Attempt identifies one admitted run for an order. Token must accompany its outcome.
type Attempt struct {
	OrderID  int64
	RecordID int64
	Token    string
	Number   int
}

func attemptFrom(rec *models.SyncRecord) Attempt {
	return Attempt{
		OrderID:  rec.OrderID,
		RecordID: rec.ID,
		Token:    rec.AttemptToken,
		Number:   rec.AttemptNumber,
	}
}

type ClaimResult string

const (
	ClaimClaimed           ClaimResult = "claimed"
	ClaimAlreadyInProgress ClaimResult = "already_in_progress"
	ClaimNotEligible       ClaimResult = "not_eligible"
)

type Outcome string

const (
	OutcomeSucceeded         Outcome = "succeeded"
	OutcomeRetryScheduled    Outcome = "retry_scheduled"
	OutcomePermanentlyFailed Outcome = "permanently_failed"
	// OutcomeStale: the attempt was superseded and its outcome was dropped.
	OutcomeStale   Outcome = "stale"
	OutcomeBlocked Outcome = "blocked"
	OutcomeSkipped Outcome = "skipped"
)

type ManualRetryResult string

const (
	ManualRetryStarted           ManualRetryResult = "started"
	ManualRetryNeedsConfirmation ManualRetryResult = "needs_confirmation"
	ManualRetryStillProcessing   ManualRetryResult = "still_processing"
)

// Failure describes why an attempt failed. Response is the raw upstream body, if any.
type Failure struct {
	Err       error
	Response  string
	Retryable bool
}

func (f Failure) message() string {
	if f.Err == nil {
		return "unknown error"
	}
	return f.Err.Error()
}

// StatusView is the operator-facing summary of an order's sync state.
type StatusView struct {
	OrderID       int64                `json:"order_id"`
	Status        models.SyncStatus    `json:"status"`
	AttemptNumber int                  `json:"attempt_number"`
	MaxAttempts   int                  `json:"max_attempts"`
	LastError     string               `json:"last_error,omitempty"`
	NextRetryAt   *time.Time           `json:"next_retry_at,omitempty"`
	LastAttemptAt *time.Time           `json:"last_attempt_at,omitempty"`
	DocRefs       models.DocReferences `json:"doc_references"`
	UpdatedAt     time.Time            `json:"updated_at"`
}
