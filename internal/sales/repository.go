package sales

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stockforge/stockforge/internal/batch"
	"github.com/stockforge/stockforge/internal/ledger"
	"github.com/stockforge/stockforge/internal/platform/db"
)

// FinalizeLine is one priced cart line ready for stock consumption.
// CartIndex points back at the quote line for conflict reporting.
type FinalizeLine struct {
	CartIndex int
	ProductID int64
	BatchID   int64
	Quantity  int64
	UnitPrice decimal.Decimal
}

// FinalizeInput describes a sale ready to commit.
type FinalizeInput struct {
	Customer string
	Lines    []FinalizeLine
}

// Repository persists invoices and owns the finalization transaction.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const invoiceColumns = `id, number, customer, delivery, total, created_at, updated_at`

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	var total string
	err := row.Scan(&inv.ID, &inv.Number, &inv.Customer, &inv.Delivery, &total, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, ErrNotFound
		}
		return Invoice{}, err
	}
	inv.Total, err = decimal.NewFromString(total)
	if err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

// Finalize commits the sale in one transaction: invoice header and lines,
// batch decrements, ledger outbound. Any line that cannot get its stock rolls
// the whole transaction back and is reported in a StockConflictError.
func (r *Repository) Finalize(ctx context.Context, in FinalizeInput) (Invoice, error) {
	// Once the transaction starts the sale either commits whole or rolls
	// back whole; caller cancellation must not tear it down mid-flight.
	ctx = context.WithoutCancel(ctx)
	var inv Invoice
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO invoices (number, customer, delivery, total)
			VALUES ('', $1, $2, 0)
			RETURNING `+invoiceColumns,
			in.Customer, DeliveryPending)
		var err error
		inv, err = scanInvoice(row)
		if err != nil {
			return err
		}
		if err := tx.QueryRow(ctx, `
			UPDATE invoices SET number = 'INV-' || lpad(id::text, 6, '0')
			WHERE id = $1 RETURNING number`, inv.ID).Scan(&inv.Number); err != nil {
			return err
		}

		var conflicts []int
		total := decimal.Zero
		for _, ln := range in.Lines {
			allocs, ok, err := consumeLine(ctx, tx, ln)
			if err != nil {
				return err
			}
			if !ok {
				conflicts = append(conflicts, ln.CartIndex)
				continue
			}
			ok, err = ledger.DebitOutboundTx(ctx, tx, ln.ProductID, ln.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				conflicts = append(conflicts, ln.CartIndex)
				continue
			}
			for _, a := range allocs {
				lineTotal := ln.UnitPrice.Mul(decimal.NewFromInt(a.Quantity))
				var il InvoiceLine
				err := tx.QueryRow(ctx, `
					INSERT INTO invoice_lines (invoice_id, product_id, batch_id, quantity, unit_price, line_total)
					VALUES ($1, $2, $3, $4, $5, $6)
					RETURNING id`,
					inv.ID, ln.ProductID, a.BatchID, a.Quantity, ln.UnitPrice, lineTotal).Scan(&il.ID)
				if err != nil {
					return err
				}
				il.InvoiceID = inv.ID
				il.ProductID = ln.ProductID
				il.BatchID = a.BatchID
				il.Quantity = a.Quantity
				il.UnitPrice = ln.UnitPrice
				il.LineTotal = lineTotal
				inv.Lines = append(inv.Lines, il)
				total = total.Add(lineTotal)
			}
		}
		if len(conflicts) > 0 {
			return &StockConflictError{LineIndexes: conflicts}
		}

		inv.Total = total
		_, err = tx.Exec(ctx, `UPDATE invoices SET total = $2 WHERE id = $1`, inv.ID, total)
		return err
	})
	if err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

// consumeLine decrements batch stock for one line through the batch
// package's tx-scoped consumption, so the FIFO order and the stock guards
// live there. Returns ok=false when stock is insufficient.
func consumeLine(ctx context.Context, tx pgx.Tx, ln FinalizeLine) ([]batch.Allocation, bool, error) {
	if ln.BatchID != 0 {
		ok, err := batch.ConsumeTx(ctx, tx, ln.BatchID, ln.ProductID, ln.Quantity)
		if err != nil || !ok {
			return nil, false, err
		}
		return []batch.Allocation{{BatchID: ln.BatchID, Quantity: ln.Quantity}}, true, nil
	}
	return batch.ConsumeFIFOTx(ctx, tx, ln.ProductID, ln.Quantity)
}

// Get loads an invoice with its lines.
func (r *Repository) Get(ctx context.Context, id int64) (Invoice, error) {
	inv, err := scanInvoice(r.pool.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if err != nil {
		return Invoice{}, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, invoice_id, product_id, batch_id, quantity, unit_price, line_total
		FROM invoice_lines WHERE invoice_id = $1 ORDER BY id`, id)
	if err != nil {
		return Invoice{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var il InvoiceLine
		var price, lineTotal string
		if err := rows.Scan(&il.ID, &il.InvoiceID, &il.ProductID, &il.BatchID, &il.Quantity, &price, &lineTotal); err != nil {
			return Invoice{}, err
		}
		if il.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return Invoice{}, err
		}
		if il.LineTotal, err = decimal.NewFromString(lineTotal); err != nil {
			return Invoice{}, err
		}
		inv.Lines = append(inv.Lines, il)
	}
	return inv, rows.Err()
}

// List returns invoices, newest first.
func (r *Repository) List(ctx context.Context, limit, offset int) ([]Invoice, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// UpdateDelivery moves delivery from one status to another. It reports
// whether a row changed; stock is never touched here.
func (r *Repository) UpdateDelivery(ctx context.Context, id int64, from, to DeliveryStatus) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE invoices SET delivery = $3, updated_at = now()
		WHERE id = $1 AND delivery = $2`,
		id, from, to)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
