package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stockforge/stockforge/internal/batch"
	"github.com/stockforge/stockforge/internal/ledger"
	"github.com/stockforge/stockforge/internal/shared"
)

type memoryRepo struct {
	orders map[int64]*PurchaseOrder
	nextID int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{orders: map[int64]*PurchaseOrder{}, nextID: 1}
}

func (m *memoryRepo) Create(_ context.Context, in CreateInput) (PurchaseOrder, error) {
	po := PurchaseOrder{
		ID:       m.nextID,
		Number:   in.Number,
		Supplier: in.Supplier,
		Status:   StatusPending,
		ETA:      in.ETA,
		Note:     in.Note,
	}
	m.nextID++
	for i, ln := range in.Lines {
		po.Lines = append(po.Lines, Line{
			ID:        po.ID*100 + int64(i),
			OrderID:   po.ID,
			ProductID: ln.ProductID,
			Quantity:  ln.Quantity,
			UnitCost:  ln.UnitCost,
		})
	}
	cp := po
	m.orders[po.ID] = &cp
	return po, nil
}

func (m *memoryRepo) Get(_ context.Context, id int64) (PurchaseOrder, error) {
	po, ok := m.orders[id]
	if !ok {
		return PurchaseOrder{}, ErrNotFound
	}
	out := *po
	out.Lines = append([]Line(nil), po.Lines...)
	return out, nil
}

func (m *memoryRepo) List(_ context.Context, status Status) ([]PurchaseOrder, error) {
	var out []PurchaseOrder
	for _, po := range m.orders {
		if status == "" || po.Status == status {
			out = append(out, *po)
		}
	}
	return out, nil
}

func (m *memoryRepo) UpdateStatus(_ context.Context, id int64, from []Status, next Status) (bool, error) {
	po, ok := m.orders[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if po.Status == f {
			po.Status = next
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryRepo) SetETA(_ context.Context, id int64, eta time.Time) error {
	po, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	po.ETA = &eta
	return nil
}

func (m *memoryRepo) MarkArrived(_ context.Context, id int64, at time.Time) (PurchaseOrder, error) {
	po, ok := m.orders[id]
	if !ok {
		return PurchaseOrder{}, ErrNotFound
	}
	prev := *po
	prev.Lines = append([]Line(nil), po.Lines...)
	if po.Status != StatusArrived && po.Status != StatusCancelled {
		po.Status = StatusArrived
		po.ArrivedAt = &at
		po.Posted = false
	}
	return prev, nil
}

func (m *memoryRepo) MarkLinePosted(_ context.Context, lineID int64) error {
	for _, po := range m.orders {
		for i := range po.Lines {
			if po.Lines[i].ID == lineID {
				po.Lines[i].Posted = true
				return nil
			}
		}
	}
	return ErrNotFound
}

func (m *memoryRepo) MarkPosted(_ context.Context, id int64) error {
	po, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	po.Posted = true
	return nil
}

type memoryBatches struct {
	created map[string]int64
}

func (m *memoryBatches) CreateBatch(_ context.Context, in batch.CreateInput) (batch.Batch, error) {
	key := fmt.Sprintf("%d:%s", in.ProductID, in.BatchNumber)
	if _, ok := m.created[key]; ok {
		return batch.Batch{}, batch.ErrDuplicateBatchNumber
	}
	m.created[key] = in.Quantity
	return batch.Batch{ProductID: in.ProductID, BatchNumber: in.BatchNumber, CurrentStock: in.Quantity}, nil
}

type memoryLedger struct {
	inbound map[int64]int64
	failFor map[int64]error
	calls   int
}

func (m *memoryLedger) ApplyInbound(_ context.Context, productID, qty int64) (ledger.Entry, error) {
	m.calls++
	if err, ok := m.failFor[productID]; ok && err != nil {
		return ledger.Entry{}, err
	}
	m.inbound[productID] += qty
	return ledger.Entry{ProductID: productID, OnHand: m.inbound[productID]}, nil
}

type memoryIdem struct {
	keys map[string]bool
}

func (m *memoryIdem) CheckAndInsert(_ context.Context, key, _ string) error {
	if m.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = true
	return nil
}

func (m *memoryIdem) Delete(_ context.Context, key string) error {
	delete(m.keys, key)
	return nil
}

type memoryAttention struct {
	open map[string]string
}

func (m *memoryAttention) key(kind shared.AttentionKind, entity, entityID string) string {
	return fmt.Sprintf("%s:%s:%s", kind, entity, entityID)
}

func (m *memoryAttention) Record(_ context.Context, kind shared.AttentionKind, entity, entityID, detail string) error {
	m.open[m.key(kind, entity, entityID)] = detail
	return nil
}

func (m *memoryAttention) ResolveFor(_ context.Context, kind shared.AttentionKind, entity, entityID string) error {
	delete(m.open, m.key(kind, entity, entityID))
	return nil
}

type fixture struct {
	svc       *Service
	repo      *memoryRepo
	batches   *memoryBatches
	ledger    *memoryLedger
	idem      *memoryIdem
	attention *memoryAttention
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:      newMemoryRepo(),
		batches:   &memoryBatches{created: map[string]int64{}},
		ledger:    &memoryLedger{inbound: map[int64]int64{}, failFor: map[int64]error{}},
		idem:      &memoryIdem{keys: map[string]bool{}},
		attention: &memoryAttention{open: map[string]string{}},
	}
	f.svc = NewService(f.repo, f.batches, f.ledger, f.idem, f.attention, nil, slog.Default())
	return f
}

func (f *fixture) createOrder(t *testing.T, lines ...LineInput) PurchaseOrder {
	t.Helper()
	if len(lines) == 0 {
		lines = []LineInput{{ProductID: 1, Quantity: 10, UnitCost: decimal.NewFromInt(5)}}
	}
	po, err := f.svc.CreateOrder(context.Background(), CreateInput{
		Number:   fmt.Sprintf("PO-%d", f.repo.nextID),
		Supplier: "Acme Hardware",
		Lines:    lines,
	})
	require.NoError(t, err)
	return po
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateOrder(ctx, CreateInput{Number: "PO-1"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.CreateOrder(ctx, CreateInput{
		Number: "PO-1",
		Lines:  []LineInput{{ProductID: 1, Quantity: 0, UnitCost: decimal.NewFromInt(5)}},
	})
	require.ErrorIs(t, err, ErrValidation)

	po, err := f.svc.CreateOrder(ctx, CreateInput{
		Number:   "  po-7  ",
		Supplier: "Acme",
		Lines:    []LineInput{{ProductID: 1, Quantity: 3, UnitCost: decimal.NewFromInt(2)}},
	})
	require.NoError(t, err)
	require.Equal(t, "PO-7", po.Number)
	require.Equal(t, StatusPending, po.Status)
}

func TestMarkArrivedPostsStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	po := f.createOrder(t,
		LineInput{ProductID: 1, Quantity: 10, UnitCost: decimal.NewFromInt(5)},
		LineInput{ProductID: 2, Quantity: 4, UnitCost: decimal.NewFromInt(9)},
	)

	got, err := f.svc.MarkArrived(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, StatusArrived, got.Status)
	require.True(t, got.Posted)
	require.Equal(t, int64(10), f.ledger.inbound[1])
	require.Equal(t, int64(4), f.ledger.inbound[2])
	require.Len(t, f.batches.created, 2)
	for _, ln := range got.Lines {
		require.True(t, ln.Posted)
	}
}

func TestMarkArrivedTwiceIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	po := f.createOrder(t)

	_, err := f.svc.MarkArrived(ctx, po.ID)
	require.NoError(t, err)
	calls := f.ledger.calls

	got, err := f.svc.MarkArrived(ctx, po.ID)
	require.NoError(t, err)
	require.True(t, got.Posted)
	require.Equal(t, calls, f.ledger.calls, "fully posted order must not touch the ledger again")
	require.Equal(t, int64(10), f.ledger.inbound[1])
}

func TestMarkArrivedSameProductOnTwoLines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	po := f.createOrder(t,
		LineInput{ProductID: 1, Quantity: 10, UnitCost: decimal.NewFromInt(5)},
		LineInput{ProductID: 1, Quantity: 5, UnitCost: decimal.NewFromInt(6)},
	)

	got, err := f.svc.MarkArrived(ctx, po.ID)
	require.NoError(t, err)
	require.True(t, got.Posted)

	// Each line gets its own batch and its own ledger increment, so the
	// ledger on-hand stays equal to the sum of batch stock.
	require.Equal(t, int64(15), f.ledger.inbound[1])
	var batchTotal int64
	for _, qty := range f.batches.created {
		batchTotal += qty
	}
	require.Len(t, f.batches.created, 2)
	require.Equal(t, int64(15), batchTotal)
}

func TestMarkArrivedFromCancelledRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	po := f.createOrder(t)

	require.NoError(t, f.svc.Cancel(ctx, po.ID, "supplier out of stock"))
	_, err := f.svc.MarkArrived(ctx, po.ID)
	require.ErrorIs(t, err, ErrInvalidState)

	// Cancelled is terminal. The rejected call must not have flipped the
	// order, and retry-posting must not find an arrived order to post.
	got, err := f.repo.Get(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)
	require.Nil(t, got.ArrivedAt)

	_, err = f.svc.RetryArrivalPosting(ctx, po.ID)
	require.ErrorIs(t, err, ErrInvalidState)
	require.Zero(t, f.ledger.calls)
}

func TestPartialArrivalFlagsAndRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	po := f.createOrder(t,
		LineInput{ProductID: 1, Quantity: 10, UnitCost: decimal.NewFromInt(5)},
		LineInput{ProductID: 2, Quantity: 4, UnitCost: decimal.NewFromInt(9)},
	)
	f.ledger.failFor[2] = errors.New("connection reset")

	_, err := f.svc.MarkArrived(ctx, po.ID)
	require.ErrorIs(t, err, ErrPartialArrival)

	// Line 1 landed, line 2 did not, and the situation is flagged.
	require.Equal(t, int64(10), f.ledger.inbound[1])
	require.Zero(t, f.ledger.inbound[2])
	require.Len(t, f.attention.open, 1)

	got, err := f.repo.Get(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, StatusArrived, got.Status)
	require.False(t, got.Posted)
	require.True(t, got.Lines[0].Posted)
	require.False(t, got.Lines[1].Posted)

	// Retry after the fault clears completes the posting exactly once.
	delete(f.ledger.failFor, 2)
	got, err = f.svc.RetryArrivalPosting(ctx, po.ID)
	require.NoError(t, err)
	require.True(t, got.Posted)
	require.Equal(t, int64(10), f.ledger.inbound[1])
	require.Equal(t, int64(4), f.ledger.inbound[2])
	require.Empty(t, f.attention.open)
}

func TestRetryDoesNotDoubleCountAfterCrashBeforeFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	po := f.createOrder(t)

	// Simulate a crash after the ledger write but before the line was
	// marked posted: the idempotency key exists, the flag does not.
	_, err := f.svc.MarkArrived(ctx, po.ID)
	require.NoError(t, err)
	stored := f.repo.orders[po.ID]
	stored.Posted = false
	stored.Lines[0].Posted = false

	got, err := f.svc.RetryArrivalPosting(ctx, po.ID)
	require.NoError(t, err)
	require.True(t, got.Posted)
	require.Equal(t, int64(10), f.ledger.inbound[1], "replay must not double the inbound quantity")
}

func TestScheduleETAOnlyPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	po := f.createOrder(t)
	eta := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	require.NoError(t, f.svc.ScheduleETA(ctx, po.ID, eta))

	require.NoError(t, f.svc.MarkInTransit(ctx, po.ID))
	require.ErrorIs(t, f.svc.ScheduleETA(ctx, po.ID, eta), ErrInvalidState)
}

func TestStatusWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	po := f.createOrder(t)

	// In transit requires pending.
	require.NoError(t, f.svc.MarkInTransit(ctx, po.ID))
	require.ErrorIs(t, f.svc.MarkInTransit(ctx, po.ID), ErrInvalidState)

	// Arrived orders cannot be cancelled.
	_, err := f.svc.MarkArrived(ctx, po.ID)
	require.NoError(t, err)
	require.ErrorIs(t, f.svc.Cancel(ctx, po.ID, "too late"), ErrInvalidState)
}

func TestRetryPostingRequiresArrived(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	po := f.createOrder(t)

	_, err := f.svc.RetryArrivalPosting(ctx, po.ID)
	require.ErrorIs(t, err, ErrInvalidState)
}
