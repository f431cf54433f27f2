package recon

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stockforge/stockforge/internal/batch"
	"github.com/stockforge/stockforge/internal/catalog"
	"github.com/stockforge/stockforge/internal/dayclose"
	"github.com/stockforge/stockforge/internal/ledger"
	"github.com/stockforge/stockforge/internal/procurement"
	"github.com/stockforge/stockforge/internal/sales"
)

type fakeProcurement struct {
	markErrs    []error
	retryErrs   []error
	markCalls   int
	retryCalls  int
	lastCreated procurement.CreateInput
}

func (f *fakeProcurement) CreateOrder(_ context.Context, in procurement.CreateInput) (procurement.PurchaseOrder, error) {
	f.lastCreated = in
	return procurement.PurchaseOrder{ID: 7, Number: in.Number, Status: procurement.StatusPending}, nil
}

func (f *fakeProcurement) MarkArrived(_ context.Context, id int64) (procurement.PurchaseOrder, error) {
	f.markCalls++
	if len(f.markErrs) > 0 {
		err := f.markErrs[0]
		f.markErrs = f.markErrs[1:]
		if err != nil {
			return procurement.PurchaseOrder{ID: id}, err
		}
	}
	return procurement.PurchaseOrder{ID: id, Status: procurement.StatusArrived, Posted: true,
		Lines: []procurement.Line{{ID: 1, OrderID: id, ProductID: 1, Quantity: 2}}}, nil
}

func (f *fakeProcurement) RetryArrivalPosting(_ context.Context, id int64) (procurement.PurchaseOrder, error) {
	f.retryCalls++
	if len(f.retryErrs) > 0 {
		err := f.retryErrs[0]
		f.retryErrs = f.retryErrs[1:]
		if err != nil {
			return procurement.PurchaseOrder{ID: id}, err
		}
	}
	return procurement.PurchaseOrder{ID: id, Status: procurement.StatusArrived, Posted: true,
		Lines: []procurement.Line{{ID: 1, OrderID: id, ProductID: 1, Quantity: 2}}}, nil
}

type fakeSales struct {
	finalizeErrs  []error
	finalizeCalls int
	lastCart      sales.Cart
}

func (f *fakeSales) Quote(_ context.Context, cart sales.Cart) (sales.Quote, error) {
	f.lastCart = cart
	q := sales.Quote{QuotedAt: time.Now()}
	for _, ln := range cart.Lines {
		q.Lines = append(q.Lines, sales.QuoteLine{
			ProductID: ln.ProductID,
			BatchID:   ln.BatchID,
			Quantity:  ln.Quantity,
			UnitPrice: decimal.NewFromInt(25),
			LineTotal: decimal.NewFromInt(25 * ln.Quantity),
		})
	}
	return q, nil
}

func (f *fakeSales) Finalize(_ context.Context, quote sales.Quote, customer string) (sales.Invoice, error) {
	f.finalizeCalls++
	if len(f.finalizeErrs) > 0 {
		err := f.finalizeErrs[0]
		f.finalizeErrs = f.finalizeErrs[1:]
		if err != nil {
			return sales.Invoice{}, err
		}
	}
	inv := sales.Invoice{ID: 9, Customer: customer, Total: quote.Total}
	for _, ln := range quote.Lines {
		inv.Lines = append(inv.Lines, sales.InvoiceLine{
			InvoiceID: inv.ID, ProductID: ln.ProductID, Quantity: ln.Quantity, UnitPrice: ln.UnitPrice,
		})
	}
	return inv, nil
}

type fakeDayClose struct {
	err   error
	calls int
}

func (f *fakeDayClose) CloseDay(_ context.Context, asOf time.Time, _ bool) (dayclose.Result, error) {
	f.calls++
	if f.err != nil {
		return dayclose.Result{}, f.err
	}
	return dayclose.Result{Date: asOf.UTC().Format("2006-01-02"), Closed: 3}, nil
}

type fakeCatalog struct{}

func (fakeCatalog) GetBySKU(_ context.Context, sku string) (catalog.Product, error) {
	if sku != "HMR-01" {
		return catalog.Product{}, catalog.ErrNotFound
	}
	return catalog.Product{ID: 1, SKU: sku, Name: "Claw Hammer", Active: true, SalePrice: decimal.NewFromInt(25)}, nil
}

type fakeLedger struct{}

func (fakeLedger) Get(_ context.Context, productID int64) (ledger.Entry, error) {
	return ledger.Entry{ProductID: productID, OnHand: 12, PendingInbound: 3, PendingOutbound: 1}, nil
}

type fakeBatches struct{}

func (fakeBatches) ListForProduct(_ context.Context, productID int64) ([]batch.Batch, error) {
	return []batch.Batch{
		{ID: 1, ProductID: productID, CurrentStock: 4, UnitCost: decimal.NewFromInt(10)},
		{ID: 2, ProductID: productID, CurrentStock: 8, UnitCost: decimal.NewFromInt(12)},
	}, nil
}

func (fakeBatches) AvailableTotal(_ context.Context, _ int64) (int64, error) {
	return 12, nil
}

type fakeBalances struct {
	invalidated []int64
}

func (f *fakeBalances) Invalidate(_ context.Context, productID int64) error {
	f.invalidated = append(f.invalidated, productID)
	return nil
}

func transientErr() error {
	return &pgconn.PgError{Code: "08006", Message: "connection failure"}
}

func newCoordinator(proc *fakeProcurement, sls *fakeSales, dc *fakeDayClose) *Coordinator {
	return NewCoordinator(proc, sls, dc, fakeCatalog{}, fakeLedger{}, fakeBatches{}, slog.Default())
}

func TestConfirmArrivalRetriesTransient(t *testing.T) {
	proc := &fakeProcurement{markErrs: []error{transientErr()}}
	c := newCoordinator(proc, &fakeSales{}, &fakeDayClose{})

	po, err := c.ConfirmArrival(context.Background(), 5)
	require.NoError(t, err)
	require.True(t, po.Posted)
	require.Equal(t, 1, proc.markCalls)
	require.Equal(t, 1, proc.retryCalls)
}

func TestConfirmArrivalCompletesPartialPosting(t *testing.T) {
	proc := &fakeProcurement{markErrs: []error{procurement.ErrPartialArrival}}
	c := newCoordinator(proc, &fakeSales{}, &fakeDayClose{})

	po, err := c.ConfirmArrival(context.Background(), 5)
	require.NoError(t, err)
	require.True(t, po.Posted)
	require.Equal(t, 1, proc.retryCalls)
}

func TestConfirmArrivalNoRetryOnInvalidState(t *testing.T) {
	proc := &fakeProcurement{markErrs: []error{procurement.ErrInvalidState}}
	c := newCoordinator(proc, &fakeSales{}, &fakeDayClose{})

	_, err := c.ConfirmArrival(context.Background(), 5)
	require.ErrorIs(t, err, procurement.ErrInvalidState)
	require.Zero(t, proc.retryCalls)
}

func TestCompleteSaleNoRetryOnStockConflict(t *testing.T) {
	sls := &fakeSales{finalizeErrs: []error{&sales.StockConflictError{LineIndexes: []int{0}}}}
	c := newCoordinator(&fakeProcurement{}, sls, &fakeDayClose{})

	_, err := c.CompleteSale(context.Background(), sales.Cart{
		Lines: []sales.CartLine{{ProductID: 1, Quantity: 2}},
	}, "Walk-in")
	require.ErrorIs(t, err, sales.ErrStockConflict)
	require.Equal(t, 1, sls.finalizeCalls, "stock conflicts must not be retried")
}

func TestCompleteSaleRetriesTransient(t *testing.T) {
	sls := &fakeSales{finalizeErrs: []error{transientErr()}}
	c := newCoordinator(&fakeProcurement{}, sls, &fakeDayClose{})

	inv, err := c.CompleteSale(context.Background(), sales.Cart{
		Lines: []sales.CartLine{{ProductID: 1, Quantity: 2}},
	}, "Walk-in")
	require.NoError(t, err)
	require.Equal(t, "Walk-in", inv.Customer)
	require.Equal(t, 2, sls.finalizeCalls)
}

func TestCloseDayAbsorbsAlreadyClosed(t *testing.T) {
	dc := &fakeDayClose{err: dayclose.ErrAlreadyClosed}
	c := newCoordinator(&fakeProcurement{}, &fakeSales{}, dc)

	result, err := c.CloseDay(context.Background(), time.Date(2024, 3, 10, 23, 55, 0, 0, time.UTC), false)
	require.NoError(t, err)
	require.Equal(t, "2024-03-10", result.Date)
	require.Zero(t, result.Closed)
}

func TestScanLookupProjectsBalance(t *testing.T) {
	c := newCoordinator(&fakeProcurement{}, &fakeSales{}, &fakeDayClose{})

	info, err := c.ScanLookup(context.Background(), "HMR-01")
	require.NoError(t, err)
	require.Equal(t, int64(12), info.OnHand)
	require.Equal(t, int64(14), info.ProjectedBalance)
	require.Equal(t, int64(12), info.BatchAvailable)

	_, err = c.ScanLookup(context.Background(), "NOPE")
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestScanRestockBooksOneUnitAtLastCost(t *testing.T) {
	proc := &fakeProcurement{}
	c := newCoordinator(proc, &fakeSales{}, &fakeDayClose{})

	po, err := c.ScanRestock(context.Background(), "HMR-01")
	require.NoError(t, err)
	require.True(t, po.Posted)
	require.Len(t, proc.lastCreated.Lines, 1)
	require.Equal(t, int64(1), proc.lastCreated.Lines[0].Quantity)
	require.True(t, proc.lastCreated.Lines[0].UnitCost.Equal(decimal.NewFromInt(12)))
	require.Equal(t, "SCAN", proc.lastCreated.Supplier)
}

func TestMutationsDropCachedBalances(t *testing.T) {
	bal := &fakeBalances{}
	c := newCoordinator(&fakeProcurement{}, &fakeSales{}, &fakeDayClose{}).WithBalances(bal)

	_, err := c.ConfirmArrival(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, bal.invalidated)

	_, err = c.CompleteSale(context.Background(),
		sales.Cart{Lines: []sales.CartLine{{ProductID: 1, Quantity: 2}}}, "walk-in")
	require.NoError(t, err)
	require.Equal(t, []int64{1, 1}, bal.invalidated)
}

func TestScanPurchaseSellsOneUnit(t *testing.T) {
	sls := &fakeSales{}
	c := newCoordinator(&fakeProcurement{}, sls, &fakeDayClose{})

	_, err := c.ScanPurchase(context.Background(), "HMR-01")
	require.NoError(t, err)
	require.Len(t, sls.lastCart.Lines, 1)
	require.Equal(t, int64(1), sls.lastCart.Lines[0].Quantity)
	require.Zero(t, sls.lastCart.Lines[0].BatchID, "scan sales pick batches oldest-first")
}
