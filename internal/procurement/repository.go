package procurement

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockforge/stockforge/internal/platform/db"
)

// Repository persists purchase orders.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const orderColumns = `id, number, supplier, status, eta, arrived_at, posted, note, created_at, updated_at`

func scanOrder(row pgx.Row) (PurchaseOrder, error) {
	var po PurchaseOrder
	err := row.Scan(&po.ID, &po.Number, &po.Supplier, &po.Status, &po.ETA,
		&po.ArrivedAt, &po.Posted, &po.Note, &po.CreatedAt, &po.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, ErrNotFound
		}
		return PurchaseOrder{}, err
	}
	return po, nil
}

// Create inserts the order with its lines in one transaction.
func (r *Repository) Create(ctx context.Context, in CreateInput) (PurchaseOrder, error) {
	var po PurchaseOrder
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO purchase_orders (number, supplier, status, eta, note)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING `+orderColumns,
			in.Number, in.Supplier, StatusPending, in.ETA, in.Note)
		var err error
		po, err = scanOrder(row)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrValidation
			}
			return err
		}
		for _, ln := range in.Lines {
			var id int64
			err = tx.QueryRow(ctx, `
				INSERT INTO purchase_order_lines (order_id, product_id, quantity, unit_cost)
				VALUES ($1, $2, $3, $4)
				RETURNING id`,
				po.ID, ln.ProductID, ln.Quantity, ln.UnitCost).Scan(&id)
			if err != nil {
				return err
			}
			po.Lines = append(po.Lines, Line{
				ID:        id,
				OrderID:   po.ID,
				ProductID: ln.ProductID,
				Quantity:  ln.Quantity,
				UnitCost:  ln.UnitCost,
			})
		}
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	return po, nil
}

// Get loads an order with its lines.
func (r *Repository) Get(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, err := scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM purchase_orders WHERE id = $1`, id))
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Lines, err = r.lines(ctx, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	return po, nil
}

func (r *Repository) lines(ctx context.Context, orderID int64) ([]Line, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, order_id, product_id, quantity, unit_cost, posted
		FROM purchase_order_lines
		WHERE order_id = $1
		ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Line
	for rows.Next() {
		var ln Line
		if err := rows.Scan(&ln.ID, &ln.OrderID, &ln.ProductID, &ln.Quantity, &ln.UnitCost, &ln.Posted); err != nil {
			return nil, err
		}
		out = append(out, ln)
	}
	return out, rows.Err()
}

// List returns orders, newest first, optionally filtered by status.
func (r *Repository) List(ctx context.Context, status Status) ([]PurchaseOrder, error) {
	q := `SELECT ` + orderColumns + ` FROM purchase_orders`
	args := []any{}
	if status != "" {
		q += ` WHERE status = $1`
		args = append(args, strings.ToUpper(string(status)))
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT 200`

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PurchaseOrder
	for rows.Next() {
		po, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, po)
	}
	return out, rows.Err()
}

// UpdateStatus moves the order to next only if its current status matches one
// of from. It reports whether a row changed.
func (r *Repository) UpdateStatus(ctx context.Context, id int64, from []Status, next Status) (bool, error) {
	fromStr := make([]string, len(from))
	for i, s := range from {
		fromStr[i] = string(s)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE purchase_orders
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = ANY($3)`,
		id, next, fromStr)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetETA updates the expected arrival date.
func (r *Repository) SetETA(ctx context.Context, id int64, eta time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE purchase_orders SET eta = $2, updated_at = now() WHERE id = $1`, id, eta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkArrived flips the order into the arrived-unposted state. Returns the
// order as it was before the update so the caller can branch on prior status.
// Already-arrived and cancelled orders are returned untouched; cancelled is
// terminal and the caller rejects it, so the row must not change here.
func (r *Repository) MarkArrived(ctx context.Context, id int64, at time.Time) (PurchaseOrder, error) {
	var prev PurchaseOrder
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+orderColumns+` FROM purchase_orders WHERE id = $1 FOR UPDATE`, id)
		var err error
		prev, err = scanOrder(row)
		if err != nil {
			return err
		}
		if prev.Status == StatusArrived || prev.Status == StatusCancelled {
			return nil
		}
		_, err = tx.Exec(ctx, `
			UPDATE purchase_orders
			SET status = $2, arrived_at = $3, posted = FALSE, updated_at = now()
			WHERE id = $1`,
			id, StatusArrived, at)
		return err
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	return prev, nil
}

// MarkLinePosted records that one line's stock increment has been applied.
func (r *Repository) MarkLinePosted(ctx context.Context, lineID int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE purchase_order_lines SET posted = TRUE WHERE id = $1`, lineID)
	return err
}

// MarkPosted records that every line of the order has been applied.
func (r *Repository) MarkPosted(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE purchase_orders SET posted = TRUE, updated_at = now() WHERE id = $1`, id)
	return err
}
