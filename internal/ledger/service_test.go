package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	entries map[int64]Entry
	// conflictCount fails the next N conditional updates, simulating a
	// concurrent writer.
	conflictCount int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{entries: make(map[int64]Entry)}
}

func (r *memoryRepo) Get(ctx context.Context, productID int64) (Entry, error) {
	e, ok := r.entries[productID]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return e, nil
}

func (r *memoryRepo) Create(ctx context.Context, productID int64) (Entry, error) {
	if _, ok := r.entries[productID]; !ok {
		r.entries[productID] = Entry{ProductID: productID, Version: 1}
	}
	return r.entries[productID], nil
}

func (r *memoryRepo) UpdateConditional(ctx context.Context, e Entry, expectedVersion int64) (bool, error) {
	if r.conflictCount > 0 {
		r.conflictCount--
		return false, nil
	}
	current, ok := r.entries[e.ProductID]
	if !ok || current.Version != expectedVersion {
		return false, nil
	}
	e.Version = expectedVersion + 1
	r.entries[e.ProductID] = e
	return true, nil
}

func seeded(t *testing.T, onHand int64) (*Service, *memoryRepo) {
	t.Helper()
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	_, err := svc.Seed(context.Background(), 1)
	require.NoError(t, err)
	if onHand > 0 {
		_, err = svc.ApplyInbound(context.Background(), 1, onHand)
		require.NoError(t, err)
		// Clear the seeding movement so tests start from a quiet day.
		_, err = svc.FoldDailyCounters(context.Background(), 1, time.Date(2024, 1, 1, 23, 55, 0, 0, time.UTC))
		require.NoError(t, err)
	}
	return svc, repo
}

func TestApplyInbound(t *testing.T) {
	svc, _ := seeded(t, 50)
	entry, err := svc.ApplyInbound(context.Background(), 1, 20)
	require.NoError(t, err)
	require.Equal(t, int64(70), entry.OnHand)
	require.Equal(t, int64(20), entry.PendingInbound)
	require.Equal(t, int64(0), entry.PendingOutbound)
}

func TestApplyOutboundReserved(t *testing.T) {
	svc, _ := seeded(t, 50)

	entry, err := svc.ApplyOutboundReserved(context.Background(), 1, 8)
	require.NoError(t, err)
	require.Equal(t, int64(42), entry.OnHand)
	require.Equal(t, int64(8), entry.PendingOutbound)

	_, err = svc.ApplyOutboundReserved(context.Background(), 1, 43)
	require.ErrorIs(t, err, ErrInsufficientStock)
}

func TestOnHandNeverNegative(t *testing.T) {
	svc, _ := seeded(t, 0)
	_, err := svc.ApplyOutboundReserved(context.Background(), 1, 1)
	require.ErrorIs(t, err, ErrInsufficientStock)

	entry, err := svc.Get(context.Background(), 1)
	require.NoError(t, err)
	require.GreaterOrEqual(t, entry.OnHand, int64(0))
}

func TestFoldDailyCounters(t *testing.T) {
	svc, _ := seeded(t, 50)
	ctx := context.Background()

	_, err := svc.ApplyInbound(ctx, 1, 20)
	require.NoError(t, err)
	_, err = svc.ApplyOutboundReserved(ctx, 1, 8)
	require.NoError(t, err)

	asOf := time.Date(2024, 3, 5, 23, 55, 0, 0, time.UTC)
	result, err := svc.FoldDailyCounters(ctx, 1, asOf)
	require.NoError(t, err)
	require.Equal(t, int64(50), result.InitialQty)
	require.Equal(t, int64(20), result.InboundQty)
	require.Equal(t, int64(8), result.OutboundQty)
	require.Equal(t, int64(62), result.FinalBalance)

	entry, err := svc.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(62), entry.OnHand)
	require.Equal(t, int64(0), entry.PendingInbound)
	require.Equal(t, int64(0), entry.PendingOutbound)
}

func TestFoldTwiceSameDayRejected(t *testing.T) {
	svc, _ := seeded(t, 10)
	ctx := context.Background()
	asOf := time.Date(2024, 3, 5, 23, 55, 0, 0, time.UTC)

	_, err := svc.FoldDailyCounters(ctx, 1, asOf)
	require.NoError(t, err)

	before, err := svc.Get(ctx, 1)
	require.NoError(t, err)

	_, err = svc.FoldDailyCounters(ctx, 1, asOf.Add(2*time.Minute))
	require.ErrorIs(t, err, ErrAlreadyReconciledToday)

	after, err := svc.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestFoldNextDayAllowed(t *testing.T) {
	svc, _ := seeded(t, 10)
	ctx := context.Background()

	_, err := svc.FoldDailyCounters(ctx, 1, time.Date(2024, 3, 5, 23, 55, 0, 0, time.UTC))
	require.NoError(t, err)
	_, err = svc.FoldDailyCounters(ctx, 1, time.Date(2024, 3, 6, 23, 55, 0, 0, time.UTC))
	require.NoError(t, err)
}

func TestOptimisticRetryRecovers(t *testing.T) {
	svc, repo := seeded(t, 10)
	repo.conflictCount = 2

	entry, err := svc.ApplyInbound(context.Background(), 1, 5)
	require.NoError(t, err)
	require.Equal(t, int64(15), entry.OnHand)
}

func TestOptimisticRetryExhausted(t *testing.T) {
	svc, repo := seeded(t, 10)
	repo.conflictCount = 10

	_, err := svc.ApplyInbound(context.Background(), 1, 5)
	require.ErrorIs(t, err, ErrVersionConflict)
}

func TestProjectedBalanceClamped(t *testing.T) {
	e := Entry{OnHand: 2, PendingInbound: 0, PendingOutbound: 5}
	require.Equal(t, int64(0), e.ProjectedBalance())

	e = Entry{OnHand: 62, PendingInbound: 20, PendingOutbound: 8}
	require.Equal(t, int64(74), e.ProjectedBalance())
}
