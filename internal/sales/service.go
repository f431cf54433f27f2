package sales

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockforge/stockforge/internal/catalog"
	"github.com/stockforge/stockforge/internal/shared"
)

// RepositoryPort abstracts invoice persistence. Finalize owns the one
// transaction that moves stock.
type RepositoryPort interface {
	Finalize(ctx context.Context, in FinalizeInput) (Invoice, error)
	Get(ctx context.Context, id int64) (Invoice, error)
	List(ctx context.Context, limit, offset int) ([]Invoice, error)
	UpdateDelivery(ctx context.Context, id int64, from, to DeliveryStatus) (bool, error)
}

// CatalogPort resolves products for pricing.
type CatalogPort interface {
	Get(ctx context.Context, id int64) (catalog.Product, error)
}

// AuditPort appends audit trail entries.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service implements the sales workflow. Quote is a pure pricing step;
// Finalize commits stock and invoice together.
type Service struct {
	repo    RepositoryPort
	catalog CatalogPort
	audit   AuditPort
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(repo RepositoryPort, cat CatalogPort, audit AuditPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, catalog: cat, audit: audit, logger: logger, now: time.Now}
}

// WithNow overrides the clock, for tests.
func (s *Service) WithNow(now func() time.Time) *Service {
	s.now = now
	return s
}

// Quote prices a cart against current catalog sale prices. No stock is
// checked or moved; the resulting prices stay fixed through finalization.
func (s *Service) Quote(ctx context.Context, cart Cart) (Quote, error) {
	if len(cart.Lines) == 0 {
		return Quote{}, ErrValidation
	}
	q := Quote{QuotedAt: s.now(), Subtotal: decimal.Zero, Total: decimal.Zero}
	for _, ln := range cart.Lines {
		if ln.Quantity <= 0 {
			return Quote{}, ErrValidation
		}
		product, err := s.catalog.Get(ctx, ln.ProductID)
		if err != nil {
			return Quote{}, ErrProductUnavailable
		}
		if !product.Active {
			return Quote{}, ErrProductUnavailable
		}
		lineTotal := product.SalePrice.Mul(decimal.NewFromInt(ln.Quantity))
		q.Lines = append(q.Lines, QuoteLine{
			ProductID: ln.ProductID,
			BatchID:   ln.BatchID,
			Quantity:  ln.Quantity,
			UnitPrice: product.SalePrice,
			LineTotal: lineTotal,
		})
		q.Subtotal = q.Subtotal.Add(lineTotal)
	}
	q.Total = q.Subtotal
	return q, nil
}

// Finalize turns a quoted cart into an invoice, consuming stock in one
// transaction. Quoted prices are used as-is; a stock conflict rolls the whole
// sale back and surfaces the losing line indexes.
func (s *Service) Finalize(ctx context.Context, quote Quote, customer string) (Invoice, error) {
	customer = strings.TrimSpace(customer)
	if customer == "" || len(quote.Lines) == 0 {
		return Invoice{}, ErrValidation
	}
	in := FinalizeInput{Customer: customer}
	for i, ln := range quote.Lines {
		if ln.Quantity <= 0 || ln.UnitPrice.IsNegative() {
			return Invoice{}, ErrValidation
		}
		in.Lines = append(in.Lines, FinalizeLine{
			CartIndex: i,
			ProductID: ln.ProductID,
			BatchID:   ln.BatchID,
			Quantity:  ln.Quantity,
			UnitPrice: ln.UnitPrice,
		})
	}
	inv, err := s.repo.Finalize(ctx, in)
	if err != nil {
		return Invoice{}, err
	}
	s.recordAudit(ctx, "invoice.finalized", inv.ID, map[string]any{
		"number": inv.Number,
		"total":  inv.Total.String(),
	})
	s.logger.Info("sale finalized",
		slog.String("number", inv.Number), slog.Int64("id", inv.ID), slog.String("total", inv.Total.String()))
	return inv, nil
}

func (s *Service) Get(ctx context.Context, id int64) (Invoice, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]Invoice, error) {
	return s.repo.List(ctx, limit, offset)
}

// UpdateDelivery advances delivery status. Only forward moves are allowed
// and stock is never involved.
func (s *Service) UpdateDelivery(ctx context.Context, id int64, to DeliveryStatus) (Invoice, error) {
	var from DeliveryStatus
	switch to {
	case DeliveryShipped:
		from = DeliveryPending
	case DeliveryDelivered:
		from = DeliveryShipped
	default:
		return Invoice{}, ErrInvalidDelivery
	}
	ok, err := s.repo.UpdateDelivery(ctx, id, from, to)
	if err != nil {
		return Invoice{}, err
	}
	if !ok {
		if _, gerr := s.repo.Get(ctx, id); gerr != nil {
			return Invoice{}, gerr
		}
		return Invoice{}, ErrInvalidDelivery
	}
	s.recordAudit(ctx, "invoice.delivery", id, map[string]any{"status": string(to)})
	return s.repo.Get(ctx, id)
}

func (s *Service) recordAudit(ctx context.Context, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		Action:   action,
		Entity:   "invoice",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit record failed", "action", action, "error", err)
	}
}
