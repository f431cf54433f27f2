package batch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/stockforge/stockforge/internal/shared"
)

// AttentionPort records integrity flags for operator review.
type AttentionPort interface {
	Record(ctx context.Context, kind shared.AttentionKind, entity, entityID, detail string) error
}

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	Insert(ctx context.Context, in CreateInput) (Batch, error)
	Get(ctx context.Context, id int64) (Batch, error)
	GetByNumber(ctx context.Context, productID int64, number string) (Batch, error)
	ListForProduct(ctx context.Context, productID int64) ([]Batch, error)
	ConsumeConditional(ctx context.Context, id, qty, expectedVersion int64) (bool, error)
	Restore(ctx context.Context, id, qty int64) error
	AvailableTotal(ctx context.Context, productID int64) (int64, error)
}

// Service owns per-lot stock with FIFO consumption.
type Service struct {
	repo        RepositoryPort
	attention   AttentionPort
	logger      *slog.Logger
	maxAttempts int
}

// NewService builds Service.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, maxAttempts: 3}
}

// WithAttention registers the attention queue so negative-stock consumption
// attempts leave an operator-visible flag.
func (s *Service) WithAttention(a AttentionPort) *Service {
	s.attention = a
	return s
}

// CreateBatch records a new arrival lot. Duplicate lot numbers per product
// are rejected with ErrDuplicateBatchNumber, which arrival confirmation
// relies on for idempotent replay.
func (s *Service) CreateBatch(ctx context.Context, in CreateInput) (Batch, error) {
	if in.ProductID == 0 || in.BatchNumber == "" {
		return Batch{}, ErrBatchNotFound
	}
	if in.Quantity <= 0 {
		return Batch{}, ErrInvalidQuantity
	}
	return s.repo.Insert(ctx, in)
}

// Get loads one batch.
func (s *Service) Get(ctx context.Context, id int64) (Batch, error) {
	return s.repo.Get(ctx, id)
}

// GetByNumber loads a batch by its (product, number) identity.
func (s *Service) GetByNumber(ctx context.Context, productID int64, number string) (Batch, error) {
	return s.repo.GetByNumber(ctx, productID, number)
}

// ListForProduct returns all batches for a product in arrival order.
func (s *Service) ListForProduct(ctx context.Context, productID int64) ([]Batch, error) {
	return s.repo.ListForProduct(ctx, productID)
}

// AvailableTotal sums remaining stock across a product's batches.
func (s *Service) AvailableTotal(ctx context.Context, productID int64) (int64, error) {
	return s.repo.AvailableTotal(ctx, productID)
}

// SelectForConsumption plans which batches cover the quantity, oldest
// arrival first. The plan sums exactly to qty. When the batches together
// cannot cover it the call fails with ErrInsufficientBatchStock even if the
// ledger's on-hand suggests otherwise; that divergence is an integrity
// signal for the caller to surface.
func (s *Service) SelectForConsumption(ctx context.Context, productID, qty int64) ([]Allocation, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	batches, err := s.repo.ListForProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	plan, ok := planFIFO(batches, qty)
	if !ok {
		return nil, ErrInsufficientBatchStock
	}
	return plan, nil
}

// planFIFO walks batches oldest-first and allocates qty against remaining
// lot stock. The single source of the FIFO order; the in-transaction
// consumption path plans with it too.
func planFIFO(batches []Batch, qty int64) ([]Allocation, bool) {
	remaining := qty
	plan := []Allocation{}
	for _, b := range batches {
		if remaining == 0 {
			break
		}
		if b.CurrentStock <= 0 {
			continue
		}
		take := b.CurrentStock
		if take > remaining {
			take = remaining
		}
		plan = append(plan, Allocation{BatchID: b.ID, BatchNumber: b.BatchNumber, Quantity: take, UnitCost: b.UnitCost})
		remaining -= take
	}
	if remaining > 0 {
		return nil, false
	}
	return plan, true
}

// Consume decrements one batch with optimistic retry. A quantity exceeding
// the batch's remaining stock is ErrNegativeBatchStock and logged loudly:
// the caller computed its plan from state that can no longer exist.
func (s *Service) Consume(ctx context.Context, batchID, qty int64) (Batch, error) {
	if qty <= 0 {
		return Batch{}, ErrInvalidQuantity
	}
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		b, err := s.repo.Get(ctx, batchID)
		if err != nil {
			return Batch{}, err
		}
		if b.CurrentStock < qty {
			s.logger.Error("batch consume would go negative",
				slog.Int64("batch_id", batchID),
				slog.Int64("current_stock", b.CurrentStock),
				slog.Int64("qty", qty))
			if s.attention != nil {
				_ = s.attention.Record(ctx, shared.AttentionNegativeBatch, "batch",
					strconv.FormatInt(batchID, 10),
					fmt.Sprintf("consume %d exceeds remaining %d", qty, b.CurrentStock))
			}
			return Batch{}, ErrNegativeBatchStock
		}
		ok, err := s.repo.ConsumeConditional(ctx, batchID, qty, b.Version)
		if err != nil {
			return Batch{}, err
		}
		if ok {
			b.CurrentStock -= qty
			b.Version++
			return b, nil
		}
	}
	return Batch{}, ErrStaleBatch
}

// Restore adds quantity back to a batch as compensation for a failed
// multi-step operation.
func (s *Service) Restore(ctx context.Context, batchID, qty int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	return s.repo.Restore(ctx, batchID, qty)
}
