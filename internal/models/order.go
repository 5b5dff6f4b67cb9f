package models

import "time"

// Order is the storefront entity the integration reads before pushing.
type Order struct {
	ID            int64     `json:"id"`
	Number        string    `json:"number"`
	Status        string    `json:"status"`
	CustomerName  string    `json:"customer_name"`
	CustomerEmail string    `json:"customer_email"`
	TotalCents    int64     `json:"total_cents"`
	Currency      string    `json:"currency"`
	PaymentMethod string    `json:"payment_method"`
	PaymentProof  string    `json:"payment_proof"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AuditNote is a human-readable trail entry attached to an order.
type AuditNote struct {
	ID        int64     `json:"id"`
	OrderID   int64     `json:"order_id"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
}

// Product is a catalog row pulled from the ERP.
type Product struct {
	SKU        string    `json:"sku"`
	Name       string    `json:"name"`
	PriceCents int64     `json:"price_cents"`
	Stock      int64     `json:"stock"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// StockLevel is a single stock figure pulled from the ERP.
type StockLevel struct {
	SKU      string `json:"sku"`
	Quantity int64  `json:"quantity"`
}
