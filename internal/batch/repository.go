package batch

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository persists batches in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const batchColumns = `id, product_id, batch_number, arrived_at, unit_cost, current_stock, version, created_at`

func scanBatch(row pgx.Row) (Batch, error) {
	var b Batch
	var cost string
	if err := row.Scan(&b.ID, &b.ProductID, &b.BatchNumber, &b.ArrivedAt, &cost, &b.CurrentStock, &b.Version, &b.CreatedAt); err != nil {
		return Batch{}, err
	}
	parsed, err := decimal.NewFromString(cost)
	if err != nil {
		return Batch{}, err
	}
	b.UnitCost = parsed
	return b, nil
}

// Insert creates the batch row. The unique (product_id, batch_number) index
// makes re-submitting an arrival detectable as ErrDuplicateBatchNumber.
func (r *Repository) Insert(ctx context.Context, in CreateInput) (Batch, error) {
	if r == nil {
		return Batch{}, errors.New("batch repository not initialised")
	}
	arrivedAt := in.ArrivedAt
	if arrivedAt.IsZero() {
		arrivedAt = time.Now().UTC()
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO stock_batches (product_id, batch_number, arrived_at, unit_cost, current_stock, version, created_at)
VALUES ($1,$2,$3,$4,$5,1,NOW())
RETURNING `+batchColumns,
		in.ProductID, in.BatchNumber, arrivedAt, in.UnitCost.String(), in.Quantity)
	b, err := scanBatch(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Batch{}, ErrDuplicateBatchNumber
		}
		return Batch{}, err
	}
	return b, nil
}

// Get loads one batch.
func (r *Repository) Get(ctx context.Context, id int64) (Batch, error) {
	if r == nil {
		return Batch{}, errors.New("batch repository not initialised")
	}
	b, err := scanBatch(r.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM stock_batches WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrBatchNotFound
		}
		return Batch{}, err
	}
	return b, nil
}

// GetByNumber loads a batch by its (product, number) identity.
func (r *Repository) GetByNumber(ctx context.Context, productID int64, number string) (Batch, error) {
	if r == nil {
		return Batch{}, errors.New("batch repository not initialised")
	}
	b, err := scanBatch(r.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM stock_batches WHERE product_id=$1 AND batch_number=$2`, productID, number))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrBatchNotFound
		}
		return Batch{}, err
	}
	return b, nil
}

// ListForProduct returns all batches for a product in FIFO order, including
// depleted ones kept as cost records.
func (r *Repository) ListForProduct(ctx context.Context, productID int64) ([]Batch, error) {
	if r == nil {
		return nil, errors.New("batch repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT `+batchColumns+` FROM stock_batches
WHERE product_id=$1 ORDER BY arrived_at ASC, id ASC`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	batches := []Batch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// ConsumeConditional decrements a batch conditioned on the version the
// caller read. The stock guard is in the statement so a concurrent depletion
// can never push stock below zero.
func (r *Repository) ConsumeConditional(ctx context.Context, id, qty, expectedVersion int64) (bool, error) {
	if r == nil {
		return false, errors.New("batch repository not initialised")
	}
	tag, err := r.pool.Exec(ctx, `UPDATE stock_batches
SET current_stock=current_stock-$2, version=version+1
WHERE id=$1 AND version=$3 AND current_stock >= $2`, id, qty, expectedVersion)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Restore adds quantity back to a batch, compensating a failed multi-step
// operation.
func (r *Repository) Restore(ctx context.Context, id, qty int64) error {
	if r == nil {
		return errors.New("batch repository not initialised")
	}
	tag, err := r.pool.Exec(ctx, `UPDATE stock_batches
SET current_stock=current_stock+$2, version=version+1 WHERE id=$1`, id, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}

// ConsumeFIFOTx allocates and decrements lots oldest-first inside a
// caller-owned transaction, holding row locks on the product's open lots for
// its duration. Sales finalization consumes through here so the FIFO order
// and the stock guard stay in this package. Returns ok=false when the lots
// together cannot cover qty; the caller rolls the transaction back.
func ConsumeFIFOTx(ctx context.Context, tx pgx.Tx, productID, qty int64) ([]Allocation, bool, error) {
	rows, err := tx.Query(ctx, `SELECT `+batchColumns+` FROM stock_batches
WHERE product_id=$1 AND current_stock > 0
ORDER BY arrived_at ASC, id ASC
FOR UPDATE`, productID)
	if err != nil {
		return nil, false, err
	}
	batches := []Batch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			rows.Close()
			return nil, false, err
		}
		batches = append(batches, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	plan, ok := planFIFO(batches, qty)
	if !ok {
		return nil, false, nil
	}
	for _, a := range plan {
		if _, err := tx.Exec(ctx, `UPDATE stock_batches
SET current_stock=current_stock-$2, version=version+1 WHERE id=$1`, a.BatchID, a.Quantity); err != nil {
			return nil, false, err
		}
	}
	return plan, true, nil
}

// ConsumeTx decrements one explicit lot inside a caller-owned transaction.
// The stock guard is in the statement; ok=false means the lot could not
// cover qty or does not belong to the product.
func ConsumeTx(ctx context.Context, tx pgx.Tx, batchID, productID, qty int64) (bool, error) {
	tag, err := tx.Exec(ctx, `UPDATE stock_batches
SET current_stock=current_stock-$3, version=version+1
WHERE id=$1 AND product_id=$2 AND current_stock >= $3`, batchID, productID, qty)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AvailableTotal sums remaining stock across a product's batches.
func (r *Repository) AvailableTotal(ctx context.Context, productID int64) (int64, error) {
	if r == nil {
		return 0, errors.New("batch repository not initialised")
	}
	var total int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(current_stock), 0) FROM stock_batches WHERE product_id=$1`, productID).Scan(&total)
	return total, err
}
