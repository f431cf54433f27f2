package shared

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AttentionKind classifies integrity-risk states an operator must see.
type AttentionKind string

const (
	// AttentionPartialArrival marks an order arrived but not posted to stock.
	AttentionPartialArrival AttentionKind = "PARTIAL_ARRIVAL"
	// AttentionOutOfSync marks a product whose day close failed half-way.
	AttentionOutOfSync AttentionKind = "OUT_OF_SYNC"
	// AttentionNegativeBatch marks an attempted negative batch decrement.
	// Always a bug signal, never expected in normal operation.
	AttentionNegativeBatch AttentionKind = "NEGATIVE_BATCH"
)

// AttentionFlag is one open issue in the needs-attention channel.
type AttentionFlag struct {
	ID         int64
	Kind       AttentionKind
	Entity     string
	EntityID   string
	Detail     string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// AttentionStore records integrity-risk states against entities instead of
// blocking the rest of the system.
type AttentionStore struct {
	pool *pgxpool.Pool
}

// NewAttentionStore constructs the store.
func NewAttentionStore(pool *pgxpool.Pool) *AttentionStore {
	return &AttentionStore{pool: pool}
}

// Record inserts an open flag. Re-recording the same open (kind, entity,
// entity_id) updates the detail instead of stacking duplicates.
func (s *AttentionStore) Record(ctx context.Context, kind AttentionKind, entity, entityID, detail string) error {
	if s == nil {
		return errors.New("attention store not initialised")
	}
	if entity == "" || entityID == "" {
		return errors.New("attention flag requires entity/entity_id")
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO attention_flags (kind, entity, entity_id, detail, created_at)
VALUES ($1,$2,$3,$4,NOW())
ON CONFLICT (kind, entity, entity_id) WHERE resolved_at IS NULL
DO UPDATE SET detail=EXCLUDED.detail`, string(kind), entity, entityID, detail)
	return err
}

// ListOpen returns unresolved flags, newest first.
func (s *AttentionStore) ListOpen(ctx context.Context, limit int) ([]AttentionFlag, error) {
	if s == nil {
		return nil, errors.New("attention store not initialised")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT id, kind, entity, entity_id, detail, created_at, resolved_at
FROM attention_flags WHERE resolved_at IS NULL ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	flags := []AttentionFlag{}
	for rows.Next() {
		var f AttentionFlag
		var kind string
		if err := rows.Scan(&f.ID, &kind, &f.Entity, &f.EntityID, &f.Detail, &f.CreatedAt, &f.ResolvedAt); err != nil {
			return nil, err
		}
		f.Kind = AttentionKind(kind)
		flags = append(flags, f)
	}
	return flags, rows.Err()
}

// Resolve closes a flag.
func (s *AttentionStore) Resolve(ctx context.Context, id int64) error {
	if s == nil {
		return errors.New("attention store not initialised")
	}
	tag, err := s.pool.Exec(ctx, `UPDATE attention_flags SET resolved_at=NOW() WHERE id=$1 AND resolved_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveFor closes every open flag of a kind against one entity, used when a
// retried operation finally succeeds.
func (s *AttentionStore) ResolveFor(ctx context.Context, kind AttentionKind, entity, entityID string) error {
	if s == nil {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE attention_flags SET resolved_at=NOW()
WHERE kind=$1 AND entity=$2 AND entity_id=$3 AND resolved_at IS NULL`, string(kind), entity, entityID)
	return err
}
