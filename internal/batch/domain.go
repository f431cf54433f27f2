package batch

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Batch is one arrival lot for a product. A depleted batch stays at zero as
// a historical cost record, it is never deleted.
type Batch struct {
	ID           int64
	ProductID    int64
	BatchNumber  string
	ArrivedAt    time.Time
	UnitCost     decimal.Decimal
	CurrentStock int64
	Version      int64
	CreatedAt    time.Time
}

// CreateInput describes a new batch created by an arrival confirmation.
type CreateInput struct {
	ProductID   int64
	BatchNumber string
	Quantity    int64
	UnitCost    decimal.Decimal
	ArrivedAt   time.Time
}

// Allocation pairs a batch with the quantity to take from it.
type Allocation struct {
	BatchID     int64
	BatchNumber string
	Quantity    int64
	UnitCost    decimal.Decimal
}

// ErrDuplicateBatchNumber guards arrival idempotency: re-submitting the same
// lot number for a product is rejected, not re-inserted.
var ErrDuplicateBatchNumber = errors.New("batch: batch number already exists for product")

// ErrInsufficientBatchStock means the product's batches together cannot cover
// the requested quantity. When the ledger disagrees this is a data-integrity
// signal, not a user error.
var ErrInsufficientBatchStock = errors.New("batch: insufficient batch stock")

// ErrNegativeBatchStock means a consume would drive a batch below zero.
// Always a bug signal, never expected in normal operation.
var ErrNegativeBatchStock = errors.New("batch: consume would drive stock negative")

// ErrBatchNotFound indicates the batch does not exist.
var ErrBatchNotFound = errors.New("batch: not found")

// ErrStaleBatch surfaces after bounded retries of a conditional decrement.
var ErrStaleBatch = errors.New("batch: concurrent update conflict")

// ErrInvalidQuantity indicates a non-positive quantity.
var ErrInvalidQuantity = errors.New("batch: quantity must be positive")
