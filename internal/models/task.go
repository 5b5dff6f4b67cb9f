package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// TaskKind is the closed set of integration tasks the dispatcher accepts.
type TaskKind string

const (
	TaskProductImport         TaskKind = "product_import"
	TaskStockUpdate           TaskKind = "stock_update"
	TaskOrderIntegration      TaskKind = "order_integration"
	TaskRetryOrderIntegration TaskKind = "retry_order_integration"
)

// TaskKinds lists every known kind in registration order.
var TaskKinds = []TaskKind{TaskProductImport, TaskStockUpdate, TaskOrderIntegration, TaskRetryOrderIntegration}

// Valid reports whether k is one of the known kinds.
func (k TaskKind) Valid() bool {
	switch k {
	case TaskProductImport, TaskStockUpdate, TaskOrderIntegration, TaskRetryOrderIntegration:
		return true
	}
	return false
}

// IsCatalog reports whether the kind pulls catalog data (and so is subject to CatalogMinDelay).
func (k TaskKind) IsCatalog() bool {
	return k == TaskProductImport || k == TaskStockUpdate
}

// IsOrder reports whether the kind pushes an order to the ERP.
func (k TaskKind) IsOrder() bool {
	return k == TaskOrderIntegration || k == TaskRetryOrderIntegration
}

type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskRunning  TaskStatus = "running"
	TaskComplete TaskStatus = "complete"
	TaskFailed   TaskStatus = "failed"
)

// Task is a row of the durable job store.
type Task struct {
	ID          int64      `json:"id"`
	Kind        TaskKind   `json:"kind"`
	EntityKey   string     `json:"entity_key"`
	Payload     string     `json:"payload"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   *string    `json:"last_error"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// Payload is implemented by every typed task payload.
type Payload interface {
	Kind() TaskKind
	// EntityKey is the second half of the dedup key.
	EntityKey() string
}

type OrderIntegration struct {
	OrderID int64  `json:"order_id"`
	Trigger string `json:"trigger,omitempty"`
}

func (OrderIntegration) Kind() TaskKind      { return TaskOrderIntegration }
func (p OrderIntegration) EntityKey() string { return strconv.FormatInt(p.OrderID, 10) }

type RetryOrderIntegration struct {
	OrderID int64 `json:"order_id"`
	Attempt int   `json:"attempt"`
}

func (RetryOrderIntegration) Kind() TaskKind      { return TaskRetryOrderIntegration }
func (p RetryOrderIntegration) EntityKey() string { return strconv.FormatInt(p.OrderID, 10) }

type ProductImport struct {
	Scope string `json:"scope"`
}

func (ProductImport) Kind() TaskKind { return TaskProductImport }
func (p ProductImport) EntityKey() string {
	if p.Scope == "" {
		return "all"
	}
	return p.Scope
}

type StockUpdate struct {
	Scope string   `json:"scope"`
	SKUs  []string `json:"skus,omitempty"`
}

func (StockUpdate) Kind() TaskKind { return TaskStockUpdate }
func (p StockUpdate) EntityKey() string {
	if p.Scope == "" {
		return "all"
	}
	return p.Scope
}

// EncodePayload serializes p for the payload column.
func EncodePayload(p Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return string(raw), nil
}

// DecodePayload restores the typed payload stored for a task of the given kind.
func DecodePayload(kind TaskKind, raw string) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case TaskOrderIntegration:
		var v OrderIntegration
		err = json.Unmarshal([]byte(raw), &v)
		p = v
	case TaskRetryOrderIntegration:
		var v RetryOrderIntegration
		err = json.Unmarshal([]byte(raw), &v)
		p = v
	case TaskProductImport:
		var v ProductImport
		err = json.Unmarshal([]byte(raw), &v)
		p = v
	case TaskStockUpdate:
		var v StockUpdate
		err = json.Unmarshal([]byte(raw), &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown task kind: %s", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}
