package sales

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DeliveryStatus tracks fulfilment of a finalized invoice. Delivery changes
// never touch stock; the inventory movement happened at finalization.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliveryShipped   DeliveryStatus = "SHIPPED"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
)

// CartLine is one requested product. BatchID zero means the batch store
// picks batches oldest-first at finalization.
type CartLine struct {
	ProductID int64 `json:"product_id"`
	BatchID   int64 `json:"batch_id,omitempty"`
	Quantity  int64 `json:"quantity"`
}

// Cart is the customer's requested items before pricing.
type Cart struct {
	Lines []CartLine `json:"lines"`
}

// QuoteLine is a cart line with its resolved price.
type QuoteLine struct {
	ProductID int64           `json:"product_id"`
	BatchID   int64           `json:"batch_id,omitempty"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

// Quote is a priced cart. Prices are fixed at quote time and carried into
// finalization unchanged, even across retries.
type Quote struct {
	Lines    []QuoteLine     `json:"lines"`
	Subtotal decimal.Decimal `json:"subtotal"`
	Total    decimal.Decimal `json:"total"`
	QuotedAt time.Time       `json:"quoted_at"`
}

// Invoice is the immutable record of a completed sale. Only DeliveryStatus
// may change after creation.
type Invoice struct {
	ID        int64          `json:"id"`
	Number    string         `json:"number"`
	Customer  string         `json:"customer"`
	Delivery  DeliveryStatus `json:"delivery"`
	Total     decimal.Decimal `json:"total"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Lines     []InvoiceLine  `json:"lines,omitempty"`
}

// InvoiceLine records one batch consumption at its quoted price. A cart line
// served from several batches produces several invoice lines.
type InvoiceLine struct {
	ID        int64           `json:"id"`
	InvoiceID int64           `json:"invoice_id"`
	ProductID int64           `json:"product_id"`
	BatchID   int64           `json:"batch_id"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

var (
	// ErrNotFound indicates record missing.
	ErrNotFound = errors.New("sales: invoice not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("sales: invalid input")
	// ErrProductUnavailable rejects quoting an unknown or deactivated product.
	ErrProductUnavailable = errors.New("sales: product unavailable")
	// ErrInvalidDelivery rejects a backward delivery transition.
	ErrInvalidDelivery = errors.New("sales: invalid delivery transition")
	// ErrStockConflict is the sentinel matched by errors.Is against a
	// StockConflictError.
	ErrStockConflict = errors.New("sales: insufficient stock for sale")
)

// StockConflictError reports which cart lines lost the stock race. The whole
// finalization rolled back; the caller re-quotes or re-selects those lines.
type StockConflictError struct {
	LineIndexes []int
}

func (e *StockConflictError) Error() string {
	return fmt.Sprintf("sales: insufficient stock for sale, lines %v", e.LineIndexes)
}

func (e *StockConflictError) Is(target error) bool {
	return target == ErrStockConflict
}
