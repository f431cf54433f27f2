package dayclose

import (
	"errors"
	"time"
)

// ArchiveRecord is one product's immutable daily snapshot. FinalBalance is
// the on-hand quantity at close; InitialQty is derived so that
// initial + inbound - outbound = final always holds.
type ArchiveRecord struct {
	ID           int64     `json:"id"`
	ProductID    int64     `json:"product_id"`
	SnapshotDate time.Time `json:"snapshot_date"`
	InitialQty   int64     `json:"initial_qty"`
	InboundQty   int64     `json:"inbound_qty"`
	OutboundQty  int64     `json:"outbound_qty"`
	FinalBalance int64     `json:"final_balance"`
	CreatedAt    time.Time `json:"created_at"`
}

// ProductFailure records one product that could not be closed.
type ProductFailure struct {
	ProductID int64  `json:"product_id"`
	Reason    string `json:"reason"`
}

// Result summarises a close run.
type Result struct {
	Date     string           `json:"date"`
	Products int              `json:"products"`
	Closed   int              `json:"closed"`
	Skipped  int              `json:"skipped"`
	Failed   []ProductFailure `json:"failed,omitempty"`
}

var (
	// ErrAlreadyClosed rejects re-running a completed close without force.
	ErrAlreadyClosed = errors.New("dayclose: date already closed")
	// ErrCloseInProgress indicates another runner holds the close lock.
	ErrCloseInProgress = errors.New("dayclose: close already in progress")
	// ErrArchiveNotFound indicates a missing snapshot row.
	ErrArchiveNotFound = errors.New("dayclose: archive record not found")
)
