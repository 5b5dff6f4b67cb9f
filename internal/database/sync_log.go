package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"erpsync/internal/models"
)

const syncColumns = `id, order_id, status, attempt_number, attempt_token, last_attempt_time, next_retry_time,
    error_message, last_response, customer_ref, erp_order_ref, invoice_ref, payment_ref, created_at, updated_at`

func scanSyncRecord(row rowScanner) (*models.SyncRecord, error) {
	var (
		r            models.SyncRecord
		lastAttempt  sql.NullTime
		nextRetry    sql.NullTime
		errorMessage sql.NullString
		lastResponse sql.NullString
		customerRef  sql.NullString
		orderRef     sql.NullString
		invoiceRef   sql.NullString
		paymentRef   sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.OrderID, &r.Status, &r.AttemptNumber, &r.AttemptToken, &lastAttempt, &nextRetry,
		&errorMessage, &lastResponse, &customerRef, &orderRef, &invoiceRef, &paymentRef, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.LastAttemptTime = timePtr(lastAttempt)
	r.NextRetryTime = timePtr(nextRetry)
	r.ErrorMessage = stringPtr(errorMessage)
	r.LastResponse = stringPtr(lastResponse)
	r.DocRefs = models.DocReferences{
		CustomerID: customerRef.String,
		OrderID:    orderRef.String,
		InvoiceID:  invoiceRef.String,
		PaymentID:  paymentRef.String,
	}
	return &r, nil
}

// GetSyncRecord returns the sync log row for an order, or nil when the order was never synced.
func (db *DB) GetSyncRecord(ctx context.Context, orderID int64) (*models.SyncRecord, error) {
	row := db.QueryRowContext(ctx, `SELECT `+syncColumns+` FROM sync_log WHERE order_id = ?`, orderID)
	rec, err := scanSyncRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync record %d: %w", orderID, err)
	}
	return rec, nil
}

// StartSyncAttempt unconditionally upserts the record into in_progress and bumps attempt_number.
func (db *DB) StartSyncAttempt(ctx context.Context, orderID int64, token string, now time.Time) (*models.SyncRecord, error) {
	now = utc(now)
	_, err := db.ExecContext(ctx,
		`INSERT INTO sync_log (order_id, status, attempt_number, attempt_token, last_attempt_time, created_at, updated_at)
         VALUES (?, 'in_progress', 1, ?, ?, ?, ?)
         ON CONFLICT(order_id) DO UPDATE SET
            status = 'in_progress',
            attempt_number = sync_log.attempt_number + 1,
            attempt_token = excluded.attempt_token,
            last_attempt_time = excluded.last_attempt_time,
            next_retry_time = NULL,
            updated_at = excluded.updated_at`,
		orderID, token, now, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start sync attempt for %d: %w", orderID, err)
	}
	return db.GetSyncRecord(ctx, orderID)
}

// ClaimSyncAttempt atomically moves the record into in_progress, but only if it still matches
// observed (nil meaning "no record yet"). It reports false when another caller got there first.
func (db *DB) ClaimSyncAttempt(ctx context.Context, orderID int64, observed *models.SyncRecord, token string, now time.Time) (bool, error) {
	now = utc(now)

	var (
		res sql.Result
		err error
	)
	if observed == nil {
		res, err = db.ExecContext(ctx,
			`INSERT INTO sync_log (order_id, status, attempt_number, attempt_token, last_attempt_time, created_at, updated_at)
             VALUES (?, 'in_progress', 1, ?, ?, ?, ?)
             ON CONFLICT(order_id) DO NOTHING`,
			orderID, token, now, now, now,
		)
	} else {
		res, err = db.ExecContext(ctx,
			`UPDATE sync_log SET
                status = 'in_progress',
                attempt_number = attempt_number + 1,
                attempt_token = ?,
                last_attempt_time = ?,
                next_retry_time = NULL,
                updated_at = ?
             WHERE order_id = ? AND status = ? AND status <> 'in_progress'
                AND attempt_token = ? AND attempt_number = ?`,
			token, now, now, orderID, observed.Status, observed.AttemptToken, observed.AttemptNumber,
		)
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim sync attempt for %d: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}
	return n == 1, nil
}

// CompleteSyncAttempt records success for the attempt holding token. Non-empty refs overwrite
// the stored ones; empty refs keep what an earlier success produced.
func (db *DB) CompleteSyncAttempt(ctx context.Context, orderID int64, token, response string, refs models.DocReferences, now time.Time) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE sync_log SET
            status = 'success',
            error_message = NULL,
            next_retry_time = NULL,
            last_response = ?,
            customer_ref = COALESCE(?, customer_ref),
            erp_order_ref = COALESCE(?, erp_order_ref),
            invoice_ref = COALESCE(?, invoice_ref),
            payment_ref = COALESCE(?, payment_ref),
            updated_at = ?
         WHERE order_id = ? AND status = 'in_progress' AND attempt_token = ?`,
		nullString(response),
		nullString(refs.CustomerID), nullString(refs.OrderID), nullString(refs.InvoiceID), nullString(refs.PaymentID),
		utc(now), orderID, token,
	)
	return affectedOne(res, err, "complete", orderID)
}

// MarkSyncRetry moves the attempt holding token to retry_pending.
func (db *DB) MarkSyncRetry(ctx context.Context, orderID int64, token, errMsg, response string, nextRetry, now time.Time) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE sync_log SET
            status = 'retry_pending',
            error_message = ?,
            last_response = ?,
            next_retry_time = ?,
            updated_at = ?
         WHERE order_id = ? AND status = 'in_progress' AND attempt_token = ?`,
		errMsg, nullString(response), utc(nextRetry), utc(now), orderID, token,
	)
	return affectedOne(res, err, "mark retry", orderID)
}

// MarkSyncFailed moves the attempt holding token to permanently_failed.
func (db *DB) MarkSyncFailed(ctx context.Context, orderID int64, token, errMsg, response string, now time.Time) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE sync_log SET
            status = 'permanently_failed',
            error_message = ?,
            last_response = ?,
            next_retry_time = NULL,
            updated_at = ?
         WHERE order_id = ? AND status = 'in_progress' AND attempt_token = ?`,
		errMsg, nullString(response), utc(now), orderID, token,
	)
	return affectedOne(res, err, "mark failed", orderID)
}

// BlockSync unconditionally marks the order blocked without consuming an attempt.
// Clearing the token turns any in-flight attempt's later outcome into a no-op.
func (db *DB) BlockSync(ctx context.Context, orderID int64, reason string, now time.Time) error {
	now = utc(now)
	_, err := db.ExecContext(ctx,
		`INSERT INTO sync_log (order_id, status, attempt_number, attempt_token, error_message, created_at, updated_at)
         VALUES (?, 'blocked', 0, '', ?, ?, ?)
         ON CONFLICT(order_id) DO UPDATE SET
            status = 'blocked',
            attempt_token = '',
            error_message = excluded.error_message,
            next_retry_time = NULL,
            updated_at = excluded.updated_at`,
		orderID, reason, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to block sync for %d: %w", orderID, err)
	}
	return nil
}

// ResetSync rewinds the record to pending with attempt_number 0, provided it still
// has the observed status and token.
func (db *DB) ResetSync(ctx context.Context, orderID int64, observed *models.SyncRecord, now time.Time) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE sync_log SET
            status = 'pending',
            attempt_number = 0,
            attempt_token = '',
            error_message = NULL,
            next_retry_time = NULL,
            updated_at = ?
         WHERE order_id = ? AND status = ? AND attempt_token = ?`,
		utc(now), orderID, observed.Status, observed.AttemptToken,
	)
	return affectedOne(res, err, "reset", orderID)
}

// ListSyncRecords returns the most recently updated records, optionally filtered by status.
func (db *DB) ListSyncRecords(ctx context.Context, status models.SyncStatus, limit int) ([]models.SyncRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + syncColumns + ` FROM sync_log`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	return db.querySyncRecords(ctx, query, args...)
}

// ListDueRetries returns retry_pending records whose retry time has passed.
func (db *DB) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]models.SyncRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.querySyncRecords(ctx,
		`SELECT `+syncColumns+` FROM sync_log
         WHERE status = 'retry_pending' AND next_retry_time <= ?
         ORDER BY next_retry_time ASC LIMIT ?`,
		utc(now), limit,
	)
}

func (db *DB) querySyncRecords(ctx context.Context, query string, args ...any) ([]models.SyncRecord, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync records: %w", err)
	}
	defer rows.Close()

	var records []models.SyncRecord
	for rows.Next() {
		rec, err := scanSyncRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func affectedOne(res sql.Result, err error, op string, orderID int64) (bool, error) {
	if err != nil {
		return false, fmt.Errorf("failed to %s sync record %d: %w", op, orderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read %s result: %w", op, err)
	}
	return n == 1, nil
}
