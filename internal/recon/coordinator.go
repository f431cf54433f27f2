package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockforge/stockforge/internal/batch"
	"github.com/stockforge/stockforge/internal/catalog"
	"github.com/stockforge/stockforge/internal/dayclose"
	"github.com/stockforge/stockforge/internal/ledger"
	"github.com/stockforge/stockforge/internal/procurement"
	"github.com/stockforge/stockforge/internal/sales"
)

// scanSupplier marks purchase orders created by the label scanning flow.
const scanSupplier = "SCAN"

// ProcurementPort exposes the procurement workflow to the coordinator.
type ProcurementPort interface {
	CreateOrder(ctx context.Context, in procurement.CreateInput) (procurement.PurchaseOrder, error)
	MarkArrived(ctx context.Context, id int64) (procurement.PurchaseOrder, error)
	RetryArrivalPosting(ctx context.Context, id int64) (procurement.PurchaseOrder, error)
}

// SalesPort exposes the sales workflow.
type SalesPort interface {
	Quote(ctx context.Context, cart sales.Cart) (sales.Quote, error)
	Finalize(ctx context.Context, quote sales.Quote, customer string) (sales.Invoice, error)
}

// DayClosePort exposes the day close.
type DayClosePort interface {
	CloseDay(ctx context.Context, asOf time.Time, force bool) (dayclose.Result, error)
}

// CatalogPort resolves scanned SKUs.
type CatalogPort interface {
	GetBySKU(ctx context.Context, sku string) (catalog.Product, error)
}

// LedgerPort reads stock entries.
type LedgerPort interface {
	Get(ctx context.Context, productID int64) (ledger.Entry, error)
}

// BatchPort reads batches for cost lookups.
type BatchPort interface {
	ListForProduct(ctx context.Context, productID int64) ([]batch.Batch, error)
	AvailableTotal(ctx context.Context, productID int64) (int64, error)
}

// BalancePort drops cached stock read views after a mutation.
type BalancePort interface {
	Invalidate(ctx context.Context, productID int64) error
}

// Coordinator drives the workflows end to end and decides what is worth
// retrying. Transient infrastructure errors get bounded backoff; business
// conflicts surface to the caller immediately.
type Coordinator struct {
	procurement ProcurementPort
	sales       SalesPort
	dayclose    DayClosePort
	catalog     CatalogPort
	ledger      LedgerPort
	batches     BatchPort
	balances    BalancePort
	logger      *slog.Logger
	maxRetries  uint64
}

func NewCoordinator(proc ProcurementPort, sls SalesPort, dc DayClosePort,
	cat CatalogPort, ldg LedgerPort, batches BatchPort, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		procurement: proc,
		sales:       sls,
		dayclose:    dc,
		catalog:     cat,
		ledger:      ldg,
		batches:     batches,
		logger:      logger,
		maxRetries:  3,
	}
}

// WithBalances registers the projected-balance cache so completed mutations
// drop their stale read views.
func (c *Coordinator) WithBalances(b BalancePort) *Coordinator {
	c.balances = b
	return c
}

func (c *Coordinator) dropBalance(ctx context.Context, productID int64) {
	if c.balances == nil {
		return
	}
	if err := c.balances.Invalidate(ctx, productID); err != nil {
		c.logger.Warn("balance cache invalidate failed",
			slog.Int64("product_id", productID), slog.Any("error", err))
	}
}

func (c *Coordinator) newBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx)
}

// ConfirmArrival drives an order's arrival to fully posted. Transient
// failures and incomplete postings are retried with backoff; an already
// arrived and posted order is a success.
func (c *Coordinator) ConfirmArrival(ctx context.Context, orderID int64) (procurement.PurchaseOrder, error) {
	var po procurement.PurchaseOrder
	first := true
	op := func() error {
		var err error
		if first {
			first = false
			po, err = c.procurement.MarkArrived(ctx, orderID)
		} else {
			po, err = c.procurement.RetryArrivalPosting(ctx, orderID)
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, procurement.ErrPartialArrival) || isTransient(err) {
			c.logger.Warn("arrival confirmation retrying",
				slog.Int64("order_id", orderID), slog.Any("error", err))
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, c.newBackoff(ctx)); err != nil {
		return po, err
	}
	for _, ln := range po.Lines {
		c.dropBalance(ctx, ln.ProductID)
	}
	return po, nil
}

// CompleteSale quotes and finalizes a cart in one call. Stock conflicts are
// never retried here; the caller must re-select and try again.
func (c *Coordinator) CompleteSale(ctx context.Context, cart sales.Cart, customer string) (sales.Invoice, error) {
	quote, err := c.sales.Quote(ctx, cart)
	if err != nil {
		return sales.Invoice{}, err
	}
	var inv sales.Invoice
	op := func() error {
		inv, err = c.sales.Finalize(ctx, quote, customer)
		if err == nil {
			return nil
		}
		if isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, c.newBackoff(ctx)); err != nil {
		return sales.Invoice{}, err
	}
	for _, ln := range inv.Lines {
		c.dropBalance(ctx, ln.ProductID)
	}
	return inv, nil
}

// CloseDay runs the day close. A date that is already closed counts as
// success and returns its zero result.
func (c *Coordinator) CloseDay(ctx context.Context, asOf time.Time, force bool) (dayclose.Result, error) {
	result, err := c.dayclose.CloseDay(ctx, asOf, force)
	if err != nil {
		if errors.Is(err, dayclose.ErrAlreadyClosed) {
			c.logger.Info("day already closed", slog.Time("as_of", asOf))
			return dayclose.Result{Date: asOf.UTC().Format("2006-01-02")}, nil
		}
		return dayclose.Result{}, err
	}
	return result, nil
}

// ScanInfo is what the handheld scanner shows for a label.
type ScanInfo struct {
	Product          catalog.Product `json:"product"`
	OnHand           int64           `json:"on_hand"`
	PendingInbound   int64           `json:"pending_inbound"`
	PendingOutbound  int64           `json:"pending_outbound"`
	ProjectedBalance int64           `json:"projected_balance"`
	BatchAvailable   int64           `json:"batch_available"`
}

// ScanLookup resolves a scanned SKU to its product and live stock position.
// BatchAvailable is the sum of remaining lot stock; a gap against OnHand is
// an integrity signal worth a look.
func (c *Coordinator) ScanLookup(ctx context.Context, sku string) (ScanInfo, error) {
	product, err := c.catalog.GetBySKU(ctx, sku)
	if err != nil {
		return ScanInfo{}, err
	}
	entry, err := c.ledger.Get(ctx, product.ID)
	if err != nil {
		return ScanInfo{}, err
	}
	available, err := c.batches.AvailableTotal(ctx, product.ID)
	if err != nil {
		return ScanInfo{}, err
	}
	return ScanInfo{
		Product:          product,
		OnHand:           entry.OnHand,
		PendingInbound:   entry.PendingInbound,
		PendingOutbound:  entry.PendingOutbound,
		ProjectedBalance: entry.ProjectedBalance(),
		BatchAvailable:   available,
	}, nil
}

// ScanRestock books one unit of the scanned product in through a single-line
// purchase order confirmed on the spot.
func (c *Coordinator) ScanRestock(ctx context.Context, sku string) (procurement.PurchaseOrder, error) {
	product, err := c.catalog.GetBySKU(ctx, sku)
	if err != nil {
		return procurement.PurchaseOrder{}, err
	}
	po, err := c.procurement.CreateOrder(ctx, procurement.CreateInput{
		Number:   fmt.Sprintf("SCAN-%s", strings.ToUpper(uuid.NewString()[:8])),
		Supplier: scanSupplier,
		Lines: []procurement.LineInput{{
			ProductID: product.ID,
			Quantity:  1,
			UnitCost:  c.lastUnitCost(ctx, product.ID),
		}},
	})
	if err != nil {
		return procurement.PurchaseOrder{}, err
	}
	return c.ConfirmArrival(ctx, po.ID)
}

// ScanPurchase sells one unit of the scanned product at the current sale
// price, batches picked oldest-first.
func (c *Coordinator) ScanPurchase(ctx context.Context, sku string) (sales.Invoice, error) {
	product, err := c.catalog.GetBySKU(ctx, sku)
	if err != nil {
		return sales.Invoice{}, err
	}
	return c.CompleteSale(ctx, sales.Cart{
		Lines: []sales.CartLine{{ProductID: product.ID, Quantity: 1}},
	}, scanSupplier)
}

// lastUnitCost falls back to the newest batch's cost for scan restocks,
// where no supplier invoice is at hand.
func (c *Coordinator) lastUnitCost(ctx context.Context, productID int64) decimal.Decimal {
	batches, err := c.batches.ListForProduct(ctx, productID)
	if err != nil || len(batches) == 0 {
		return decimal.Zero
	}
	return batches[len(batches)-1].UnitCost
}
