package batch

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stockforge/stockforge/internal/shared"
)

type memoryRepo struct {
	batches       map[int64]Batch
	nextID        int64
	conflictCount int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{batches: make(map[int64]Batch)}
}

func (r *memoryRepo) Insert(ctx context.Context, in CreateInput) (Batch, error) {
	for _, b := range r.batches {
		if b.ProductID == in.ProductID && b.BatchNumber == in.BatchNumber {
			return Batch{}, ErrDuplicateBatchNumber
		}
	}
	r.nextID++
	arrivedAt := in.ArrivedAt
	if arrivedAt.IsZero() {
		arrivedAt = time.Now().UTC()
	}
	b := Batch{
		ID:           r.nextID,
		ProductID:    in.ProductID,
		BatchNumber:  in.BatchNumber,
		ArrivedAt:    arrivedAt,
		UnitCost:     in.UnitCost,
		CurrentStock: in.Quantity,
		Version:      1,
		CreatedAt:    time.Now().UTC(),
	}
	r.batches[b.ID] = b
	return b, nil
}

func (r *memoryRepo) Get(ctx context.Context, id int64) (Batch, error) {
	b, ok := r.batches[id]
	if !ok {
		return Batch{}, ErrBatchNotFound
	}
	return b, nil
}

func (r *memoryRepo) GetByNumber(ctx context.Context, productID int64, number string) (Batch, error) {
	for _, b := range r.batches {
		if b.ProductID == productID && b.BatchNumber == number {
			return b, nil
		}
	}
	return Batch{}, ErrBatchNotFound
}

func (r *memoryRepo) ListForProduct(ctx context.Context, productID int64) ([]Batch, error) {
	result := []Batch{}
	for _, b := range r.batches {
		if b.ProductID == productID {
			result = append(result, b)
		}
	}
	// FIFO order by arrival date, id breaks ties.
	for i := 0; i < len(result); i++ {
		for j := i + 1; j < len(result); j++ {
			if result[j].ArrivedAt.Before(result[i].ArrivedAt) ||
				(result[j].ArrivedAt.Equal(result[i].ArrivedAt) && result[j].ID < result[i].ID) {
				result[i], result[j] = result[j], result[i]
			}
		}
	}
	return result, nil
}

func (r *memoryRepo) ConsumeConditional(ctx context.Context, id, qty, expectedVersion int64) (bool, error) {
	if r.conflictCount > 0 {
		r.conflictCount--
		return false, nil
	}
	b, ok := r.batches[id]
	if !ok || b.Version != expectedVersion || b.CurrentStock < qty {
		return false, nil
	}
	b.CurrentStock -= qty
	b.Version++
	r.batches[id] = b
	return true, nil
}

func (r *memoryRepo) Restore(ctx context.Context, id, qty int64) error {
	b, ok := r.batches[id]
	if !ok {
		return ErrBatchNotFound
	}
	b.CurrentStock += qty
	b.Version++
	r.batches[id] = b
	return nil
}

func (r *memoryRepo) AvailableTotal(ctx context.Context, productID int64) (int64, error) {
	var total int64
	for _, b := range r.batches {
		if b.ProductID == productID {
			total += b.CurrentStock
		}
	}
	return total, nil
}

func day(d int) time.Time {
	return time.Date(2024, 3, d, 9, 0, 0, 0, time.UTC)
}

func TestCreateBatchDuplicateNumber(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil)
	ctx := context.Background()

	_, err := svc.CreateBatch(ctx, CreateInput{ProductID: 1, BatchNumber: "PO-1001", Quantity: 20, UnitCost: decimal.NewFromInt(3)})
	require.NoError(t, err)

	_, err = svc.CreateBatch(ctx, CreateInput{ProductID: 1, BatchNumber: "PO-1001", Quantity: 20, UnitCost: decimal.NewFromInt(3)})
	require.ErrorIs(t, err, ErrDuplicateBatchNumber)

	// Same number on another product is fine.
	_, err = svc.CreateBatch(ctx, CreateInput{ProductID: 2, BatchNumber: "PO-1001", Quantity: 5, UnitCost: decimal.NewFromInt(3)})
	require.NoError(t, err)
}

func TestSelectForConsumptionFIFO(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil)
	ctx := context.Background()

	older, err := svc.CreateBatch(ctx, CreateInput{ProductID: 1, BatchNumber: "B1", Quantity: 5, UnitCost: decimal.NewFromInt(2), ArrivedAt: day(1)})
	require.NoError(t, err)
	newer, err := svc.CreateBatch(ctx, CreateInput{ProductID: 1, BatchNumber: "B2", Quantity: 10, UnitCost: decimal.NewFromInt(3), ArrivedAt: day(2)})
	require.NoError(t, err)

	plan, err := svc.SelectForConsumption(ctx, 1, 8)
	require.NoError(t, err)
	require.Len(t, plan, 2)
	require.Equal(t, older.ID, plan[0].BatchID)
	require.Equal(t, int64(5), plan[0].Quantity)
	require.Equal(t, newer.ID, plan[1].BatchID)
	require.Equal(t, int64(3), plan[1].Quantity)
}

func TestSelectForConsumptionSkipsDepleted(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	empty, err := svc.CreateBatch(ctx, CreateInput{ProductID: 1, BatchNumber: "B1", Quantity: 4, UnitCost: decimal.NewFromInt(2), ArrivedAt: day(1)})
	require.NoError(t, err)
	_, err = svc.Consume(ctx, empty.ID, 4)
	require.NoError(t, err)
	full, err := svc.CreateBatch(ctx, CreateInput{ProductID: 1, BatchNumber: "B2", Quantity: 6, UnitCost: decimal.NewFromInt(3), ArrivedAt: day(2)})
	require.NoError(t, err)

	plan, err := svc.SelectForConsumption(ctx, 1, 3)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	require.Equal(t, full.ID, plan[0].BatchID)

	// The depleted batch stays behind as a cost record.
	batches, err := svc.ListForProduct(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batches, 2)
}

func TestSelectForConsumptionInsufficient(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil)
	ctx := context.Background()

	_, err := svc.CreateBatch(ctx, CreateInput{ProductID: 1, BatchNumber: "B1", Quantity: 5, UnitCost: decimal.NewFromInt(2)})
	require.NoError(t, err)

	_, err = svc.SelectForConsumption(ctx, 1, 6)
	require.ErrorIs(t, err, ErrInsufficientBatchStock)
}

type memoryAttention struct {
	kinds []shared.AttentionKind
}

func (m *memoryAttention) Record(_ context.Context, kind shared.AttentionKind, _, _, _ string) error {
	m.kinds = append(m.kinds, kind)
	return nil
}

func TestConsumeNegativeGuard(t *testing.T) {
	attention := &memoryAttention{}
	svc := NewService(newMemoryRepo(), nil).WithAttention(attention)
	ctx := context.Background()

	b, err := svc.CreateBatch(ctx, CreateInput{ProductID: 1, BatchNumber: "B1", Quantity: 3, UnitCost: decimal.NewFromInt(2)})
	require.NoError(t, err)

	_, err = svc.Consume(ctx, b.ID, 4)
	require.ErrorIs(t, err, ErrNegativeBatchStock)

	got, err := svc.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), got.CurrentStock)
	require.Equal(t, []shared.AttentionKind{shared.AttentionNegativeBatch}, attention.kinds)
}

func TestConsumeRetriesThenConflicts(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	b, err := svc.CreateBatch(ctx, CreateInput{ProductID: 1, BatchNumber: "B1", Quantity: 10, UnitCost: decimal.NewFromInt(2)})
	require.NoError(t, err)

	repo.conflictCount = 2
	got, err := svc.Consume(ctx, b.ID, 4)
	require.NoError(t, err)
	require.Equal(t, int64(6), got.CurrentStock)

	repo.conflictCount = 10
	_, err = svc.Consume(ctx, b.ID, 1)
	require.ErrorIs(t, err, ErrStaleBatch)
}

func TestRestoreCompensation(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil)
	ctx := context.Background()

	b, err := svc.CreateBatch(ctx, CreateInput{ProductID: 1, BatchNumber: "B1", Quantity: 10, UnitCost: decimal.NewFromInt(2)})
	require.NoError(t, err)
	_, err = svc.Consume(ctx, b.ID, 4)
	require.NoError(t, err)
	require.NoError(t, svc.Restore(ctx, b.ID, 4))

	got, err := svc.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), got.CurrentStock)
}
