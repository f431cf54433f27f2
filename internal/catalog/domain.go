package catalog

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Product is the aggregate root for its ledger entry and batches. Products
// are never destroyed, only deactivated.
type Product struct {
	ID        int64           `json:"id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	UOM       string          `json:"uom"`
	SalePrice decimal.Decimal `json:"sale_price"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// RegisterInput captures a catalog registration.
type RegisterInput struct {
	SKU       string
	Name      string
	Category  string
	UOM       string
	SalePrice decimal.Decimal
}

// UpdateInput carries optional field updates. SKU is immutable.
type UpdateInput struct {
	Name      *string
	Category  *string
	SalePrice *decimal.Decimal
}

// ErrNotFound indicates a missing product.
var ErrNotFound = errors.New("catalog: product not found")

// ErrDuplicateSKU indicates the SKU is already registered.
var ErrDuplicateSKU = errors.New("catalog: sku already registered")

// ErrValidation indicates invalid input.
var ErrValidation = errors.New("catalog: invalid input")
