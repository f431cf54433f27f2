package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository persists products in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const productColumns = `id, sku, name, category, uom, sale_price, active, created_at, updated_at`

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	var price string
	if err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Category, &p.UOM, &price, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Product{}, err
	}
	parsed, err := decimal.NewFromString(price)
	if err != nil {
		return Product{}, err
	}
	p.SalePrice = parsed
	return p, nil
}

// Insert registers a product and seeds its zero-valued ledger entry in the
// same transaction, so a product never exists without stock counters.
func (r *Repository) Insert(ctx context.Context, in RegisterInput) (Product, error) {
	if r == nil {
		return Product{}, errors.New("catalog repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Product{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `INSERT INTO products (sku, name, category, uom, sale_price, active, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,TRUE,NOW(),NOW()) RETURNING `+productColumns,
		in.SKU, in.Name, in.Category, in.UOM, in.SalePrice.String())
	p, err := scanProduct(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Product{}, ErrDuplicateSKU
		}
		return Product{}, err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO stock_ledger (product_id, on_hand, pending_inbound, pending_outbound, version, updated_at)
VALUES ($1, 0, 0, 0, 1, NOW())`, p.ID); err != nil {
		return Product{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Product{}, err
	}
	return p, nil
}

// Get loads a product by id.
func (r *Repository) Get(ctx context.Context, id int64) (Product, error) {
	if r == nil {
		return Product{}, errors.New("catalog repository not initialised")
	}
	p, err := scanProduct(r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, err
	}
	return p, nil
}

// GetBySKU resolves the scan flow's primary lookup.
func (r *Repository) GetBySKU(ctx context.Context, sku string) (Product, error) {
	if r == nil {
		return Product{}, errors.New("catalog repository not initialised")
	}
	p, err := scanProduct(r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE sku=$1`, sku))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, err
	}
	return p, nil
}

// List returns products, optionally only active ones.
func (r *Repository) List(ctx context.Context, activeOnly bool, limit, offset int) ([]Product, error) {
	if r == nil {
		return nil, errors.New("catalog repository not initialised")
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + productColumns + ` FROM products`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY sku ASC LIMIT $1 OFFSET $2`
	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	products := []Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// ListActiveIDs feeds the day-close fan-out.
func (r *Repository) ListActiveIDs(ctx context.Context) ([]int64, error) {
	if r == nil {
		return nil, errors.New("catalog repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT id FROM products WHERE active ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Update applies the partial update.
func (r *Repository) Update(ctx context.Context, id int64, in UpdateInput) (Product, error) {
	if r == nil {
		return Product{}, errors.New("catalog repository not initialised")
	}
	sets := []string{"updated_at=NOW()"}
	args := []any{id}
	if in.Name != nil {
		args = append(args, *in.Name)
		sets = append(sets, fmt.Sprintf("name=$%d", len(args)))
	}
	if in.Category != nil {
		args = append(args, *in.Category)
		sets = append(sets, fmt.Sprintf("category=$%d", len(args)))
	}
	if in.SalePrice != nil {
		args = append(args, in.SalePrice.String())
		sets = append(sets, fmt.Sprintf("sale_price=$%d", len(args)))
	}
	query := `UPDATE products SET ` + strings.Join(sets, ", ") + ` WHERE id=$1 RETURNING ` + productColumns
	p, err := scanProduct(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, err
	}
	return p, nil
}

// SetActive toggles product availability.
func (r *Repository) SetActive(ctx context.Context, id int64, active bool) error {
	if r == nil {
		return errors.New("catalog repository not initialised")
	}
	tag, err := r.pool.Exec(ctx, `UPDATE products SET active=$2, updated_at=NOW() WHERE id=$1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
