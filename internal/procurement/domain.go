package procurement

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Purchase order lifecycle statuses.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusInTransit Status = "IN_TRANSIT"
	StatusArrived   Status = "ARRIVED"
	StatusCancelled Status = "CANCELLED"
)

// PurchaseOrder models an inbound delivery from a supplier. Arrived orders
// carry a Posted flag: false means the arrival was recorded but its stock
// increments have not all reached the batch store and ledger yet.
type PurchaseOrder struct {
	ID        int64      `json:"id"`
	Number    string     `json:"number"`
	Supplier  string     `json:"supplier"`
	Status    Status     `json:"status"`
	ETA       *time.Time `json:"eta,omitempty"`
	ArrivedAt *time.Time `json:"arrived_at,omitempty"`
	Posted    bool       `json:"posted"`
	Note      string     `json:"note,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Lines     []Line     `json:"lines,omitempty"`
}

// Line is one ordered product.
type Line struct {
	ID        int64           `json:"id"`
	OrderID   int64           `json:"order_id"`
	ProductID int64           `json:"product_id"`
	Quantity  int64           `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	Posted    bool            `json:"posted"`
}

// CreateInput describes a new purchase order.
type CreateInput struct {
	Number   string
	Supplier string
	ETA      *time.Time
	Note     string
	Lines    []LineInput
}

// LineInput describes one ordered product.
type LineInput struct {
	ProductID int64
	Quantity  int64
	UnitCost  decimal.Decimal
}

var (
	// ErrInvalidState occurs when an action violates the status workflow.
	ErrInvalidState = errors.New("procurement: invalid state transition")
	// ErrNotFound indicates record missing.
	ErrNotFound = errors.New("procurement: order not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("procurement: invalid input")
	// ErrPartialArrival marks an order whose arrival was recorded but whose
	// stock posting did not complete. The order stays in a recoverable
	// arrived-but-unposted state for retry; the inventory increment is
	// never silently dropped.
	ErrPartialArrival = errors.New("procurement: arrival recorded but stock posting incomplete")
)
