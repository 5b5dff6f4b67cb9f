package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"erpsync/internal/models"
)

var ErrOrderNotFound = errors.New("order not found")

const orderColumns = `id, number, status, customer_name, customer_email, total_cents, currency,
    payment_method, payment_proof, created_at, updated_at`

// SaveOrder inserts or replaces the local copy of a storefront order.
func (db *DB) SaveOrder(ctx context.Context, order *models.Order) error {
	now := utc(time.Now())
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	_, err := db.ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
            number = excluded.number,
            status = excluded.status,
            customer_name = excluded.customer_name,
            customer_email = excluded.customer_email,
            total_cents = excluded.total_cents,
            currency = excluded.currency,
            payment_method = excluded.payment_method,
            payment_proof = excluded.payment_proof,
            updated_at = excluded.updated_at`,
		order.ID, order.Number, order.Status, order.CustomerName, order.CustomerEmail, order.TotalCents,
		order.Currency, order.PaymentMethod, order.PaymentProof, utc(order.CreatedAt), order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save order %d: %w", order.ID, err)
	}
	return nil
}

func (db *DB) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	var o models.Order
	err := db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id).Scan(
		&o.ID, &o.Number, &o.Status, &o.CustomerName, &o.CustomerEmail, &o.TotalCents, &o.Currency,
		&o.PaymentMethod, &o.PaymentProof, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order %d: %w", id, err)
	}
	return &o, nil
}

func (db *DB) UpdateOrderStatus(ctx context.Context, id int64, status string) error {
	res, err := db.ExecContext(ctx, `UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`, status, utc(time.Now()), id)
	ok, err := affectedOne(res, err, "update order status", id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	return nil
}

// AppendAuditNote attaches a human-readable trail entry to an order.
func (db *DB) AppendAuditNote(ctx context.Context, orderID int64, note string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO order_notes (order_id, note, created_at) VALUES (?, ?, ?)`,
		orderID, note, utc(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit note to %d: %w", orderID, err)
	}
	return nil
}

func (db *DB) ListAuditNotes(ctx context.Context, orderID int64) ([]models.AuditNote, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, order_id, note, created_at FROM order_notes WHERE order_id = ? ORDER BY id ASC`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit notes: %w", err)
	}
	defer rows.Close()

	var notes []models.AuditNote
	for rows.Next() {
		var n models.AuditNote
		if err := rows.Scan(&n.ID, &n.OrderID, &n.Note, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit note: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}
