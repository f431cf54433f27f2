package ledger

import (
	"errors"
	"time"
)

// Entry holds the authoritative running counters for one product. OnHand is
// live: arrivals and sales move it immediately. PendingInbound and
// PendingOutbound tally the current day's movements and are reset by the
// day-close fold.
type Entry struct {
	ProductID        int64
	OnHand           int64
	PendingInbound   int64
	PendingOutbound  int64
	Version          int64
	LastReconciledAt time.Time
	UpdatedAt        time.Time
}

// ProjectedBalance is the display-only balance view. It is never used as a
// write input and is clamped at zero.
func (e Entry) ProjectedBalance() int64 {
	projected := e.OnHand + e.PendingInbound - e.PendingOutbound
	if projected < 0 {
		return 0
	}
	return projected
}

// FoldResult captures one day's movement for a product at fold time.
type FoldResult struct {
	ProductID  int64
	InitialQty int64
	InboundQty int64
	OutboundQty int64
	FinalBalance int64
	FoldedAt   time.Time
}

// ErrInsufficientStock triggered when an outbound reservation exceeds on-hand.
var ErrInsufficientStock = errors.New("ledger: insufficient on-hand stock")

// ErrAlreadyReconciledToday guards the once-per-day fold.
var ErrAlreadyReconciledToday = errors.New("ledger: counters already reconciled today")

// ErrVersionConflict surfaces after the bounded optimistic retry is exhausted.
var ErrVersionConflict = errors.New("ledger: concurrent update conflict")

// ErrEntryNotFound indicates the product has no ledger entry.
var ErrEntryNotFound = errors.New("ledger: entry not found")

// ErrInvalidQuantity indicates a non-positive delta.
var ErrInvalidQuantity = errors.New("ledger: quantity must be positive")
