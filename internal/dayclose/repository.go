package dayclose

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Run statuses in day_close_runs.
const (
	runStatusRunning = "RUNNING"
	runStatusClosed  = "CLOSED"
	runStatusFailed  = "FAILED"
)

// Repository persists archive snapshots and close run bookkeeping.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WasClosed reports whether the date has a completed close run.
func (r *Repository) WasClosed(ctx context.Context, day time.Time) (bool, error) {
	var closed bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM day_close_runs WHERE run_date = $1 AND status = $2
		)`, day.Format("2006-01-02"), runStatusClosed).Scan(&closed)
	return closed, err
}

// StartRun opens (or reopens, for force) the run row for the date.
func (r *Repository) StartRun(ctx context.Context, day time.Time) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO day_close_runs (run_date, status, started_at)
		VALUES ($1, $2, now())
		ON CONFLICT (run_date)
		DO UPDATE SET status = $2, started_at = now(), finished_at = NULL
		RETURNING id`, day.Format("2006-01-02"), runStatusRunning).Scan(&id)
	return id, err
}

// FinishRun records the outcome of a run.
func (r *Repository) FinishRun(ctx context.Context, id int64, closed, failed int) error {
	status := runStatusClosed
	if failed > 0 {
		status = runStatusFailed
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE day_close_runs
		SET status = $2, closed_count = $3, failed_count = $4, finished_at = now()
		WHERE id = $1`, id, status, closed, failed)
	return err
}

// UpsertArchive writes the snapshot. Without force the unique
// (product_id, snapshot_date) constraint makes a second insert a no-op
// update carrying the same values; force overwrites.
func (r *Repository) UpsertArchive(ctx context.Context, rec ArchiveRecord) (ArchiveRecord, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO daily_archive (product_id, snapshot_date, initial_qty, inbound_qty, outbound_qty, final_balance)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (product_id, snapshot_date)
		DO UPDATE SET initial_qty = EXCLUDED.initial_qty,
		              inbound_qty = EXCLUDED.inbound_qty,
		              outbound_qty = EXCLUDED.outbound_qty,
		              final_balance = EXCLUDED.final_balance
		RETURNING id, product_id, snapshot_date, initial_qty, inbound_qty, outbound_qty, final_balance, created_at`,
		rec.ProductID, rec.SnapshotDate.Format("2006-01-02"),
		rec.InitialQty, rec.InboundQty, rec.OutboundQty, rec.FinalBalance)
	return scanArchive(row)
}

// GetArchive loads one product's snapshot for a date.
func (r *Repository) GetArchive(ctx context.Context, productID int64, day time.Time) (ArchiveRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, product_id, snapshot_date, initial_qty, inbound_qty, outbound_qty, final_balance, created_at
		FROM daily_archive
		WHERE product_id = $1 AND snapshot_date = $2`,
		productID, day.Format("2006-01-02"))
	return scanArchive(row)
}

// ListArchive returns every product's snapshot for a date.
func (r *Repository) ListArchive(ctx context.Context, day time.Time) ([]ArchiveRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, product_id, snapshot_date, initial_qty, inbound_qty, outbound_qty, final_balance, created_at
		FROM daily_archive
		WHERE snapshot_date = $1
		ORDER BY product_id`, day.Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ArchiveRecord
	for rows.Next() {
		rec, err := scanArchive(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanArchive(row pgx.Row) (ArchiveRecord, error) {
	var rec ArchiveRecord
	err := row.Scan(&rec.ID, &rec.ProductID, &rec.SnapshotDate,
		&rec.InitialQty, &rec.InboundQty, &rec.OutboundQty, &rec.FinalBalance, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ArchiveRecord{}, ErrArchiveNotFound
		}
		return ArchiveRecord{}, err
	}
	return rec, nil
}
