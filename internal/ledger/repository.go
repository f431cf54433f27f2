package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists ledger entries in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get loads the entry for a product.
func (r *Repository) Get(ctx context.Context, productID int64) (Entry, error) {
	if r == nil {
		return Entry{}, errors.New("ledger repository not initialised")
	}
	var e Entry
	var reconciledAt *time.Time
	err := r.pool.QueryRow(ctx, `SELECT product_id, on_hand, pending_inbound, pending_outbound, version, last_reconciled_at, updated_at
FROM stock_ledger WHERE product_id=$1`, productID).
		Scan(&e.ProductID, &e.OnHand, &e.PendingInbound, &e.PendingOutbound, &e.Version, &reconciledAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, err
	}
	if reconciledAt != nil {
		e.LastReconciledAt = *reconciledAt
	}
	return e, nil
}

// Create seeds a zero-valued entry for a newly registered product.
func (r *Repository) Create(ctx context.Context, productID int64) (Entry, error) {
	if r == nil {
		return Entry{}, errors.New("ledger repository not initialised")
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO stock_ledger (product_id, on_hand, pending_inbound, pending_outbound, version, updated_at)
VALUES ($1, 0, 0, 0, 1, NOW()) ON CONFLICT (product_id) DO NOTHING`, productID)
	if err != nil {
		return Entry{}, err
	}
	return r.Get(ctx, productID)
}

// DebitOutboundTx applies a sale's movement inside a caller-owned
// transaction: on-hand down, the daily outbound counter up. The non-negative
// guard is in the statement; ok=false means on-hand could not cover qty and
// the caller rolls the transaction back.
func DebitOutboundTx(ctx context.Context, tx pgx.Tx, productID, qty int64) (bool, error) {
	tag, err := tx.Exec(ctx, `UPDATE stock_ledger
SET on_hand=on_hand-$2, pending_outbound=pending_outbound+$2, version=version+1, updated_at=NOW()
WHERE product_id=$1 AND on_hand >= $2`, productID, qty)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateConditional writes the entry counters conditioned on the version read
// by the caller. Returns false when another writer got there first.
func (r *Repository) UpdateConditional(ctx context.Context, e Entry, expectedVersion int64) (bool, error) {
	if r == nil {
		return false, errors.New("ledger repository not initialised")
	}
	var reconciledAt any
	if !e.LastReconciledAt.IsZero() {
		reconciledAt = e.LastReconciledAt
	}
	tag, err := r.pool.Exec(ctx, `UPDATE stock_ledger
SET on_hand=$2, pending_inbound=$3, pending_outbound=$4, last_reconciled_at=$5, version=version+1, updated_at=NOW()
WHERE product_id=$1 AND version=$6`,
		e.ProductID, e.OnHand, e.PendingInbound, e.PendingOutbound, reconciledAt, expectedVersion)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
