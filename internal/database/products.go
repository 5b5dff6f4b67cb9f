package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"erpsync/internal/models"
)

// UpsertProducts writes the catalog pulled from the ERP in a single transaction.
func (db *DB) UpsertProducts(ctx context.Context, products []models.Product) error {
	if len(products) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin products tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO products (sku, name, price_cents, stock, updated_at) VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(sku) DO UPDATE SET
            name = excluded.name,
            price_cents = excluded.price_cents,
            stock = excluded.stock,
            updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare product upsert: %w", err)
	}
	defer stmt.Close()

	now := utc(time.Now())
	for _, p := range products {
		if p.SKU == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, p.SKU, p.Name, p.PriceCents, p.Stock, now); err != nil {
			return fmt.Errorf("failed to upsert product %s: %w", p.SKU, err)
		}
	}

	return tx.Commit()
}

// UpdateStock applies stock levels to known SKUs and returns how many rows changed.
func (db *DB) UpdateStock(ctx context.Context, levels []models.StockLevel) (int, error) {
	if len(levels) == 0 {
		return 0, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin stock tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := utc(time.Now())
	updated := 0
	for _, l := range levels {
		res, err := tx.ExecContext(ctx, `UPDATE products SET stock = ?, updated_at = ? WHERE sku = ?`, l.Quantity, now, l.SKU)
		if err != nil {
			return 0, fmt.Errorf("failed to update stock for %s: %w", l.SKU, err)
		}
		n, _ := res.RowsAffected()
		updated += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit stock update: %w", err)
	}
	return updated, nil
}

func (db *DB) GetProduct(ctx context.Context, sku string) (*models.Product, error) {
	var p models.Product
	err := db.QueryRowContext(ctx,
		`SELECT sku, name, price_cents, stock, updated_at FROM products WHERE sku = ?`, sku,
	).Scan(&p.SKU, &p.Name, &p.PriceCents, &p.Stock, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product %s: %w", sku, err)
	}
	return &p, nil
}

func (db *DB) ListProducts(ctx context.Context) ([]models.Product, error) {
	rows, err := db.QueryContext(ctx, `SELECT sku, name, price_cents, stock, updated_at FROM products ORDER BY sku ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.SKU, &p.Name, &p.PriceCents, &p.Stock, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}
