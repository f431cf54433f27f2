package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/stockforge/stockforge/internal/batch"
	"github.com/stockforge/stockforge/internal/ledger"
	"github.com/stockforge/stockforge/internal/shared"
)

// RepositoryPort abstracts order persistence for the service.
type RepositoryPort interface {
	Create(ctx context.Context, in CreateInput) (PurchaseOrder, error)
	Get(ctx context.Context, id int64) (PurchaseOrder, error)
	List(ctx context.Context, status Status) ([]PurchaseOrder, error)
	UpdateStatus(ctx context.Context, id int64, from []Status, next Status) (bool, error)
	SetETA(ctx context.Context, id int64, eta time.Time) error
	MarkArrived(ctx context.Context, id int64, at time.Time) (PurchaseOrder, error)
	MarkLinePosted(ctx context.Context, lineID int64) error
	MarkPosted(ctx context.Context, id int64) error
}

// BatchPort creates stock batches when deliveries land.
type BatchPort interface {
	CreateBatch(ctx context.Context, in batch.CreateInput) (batch.Batch, error)
}

// LedgerPort posts inbound quantities to the stock ledger.
type LedgerPort interface {
	ApplyInbound(ctx context.Context, productID, qty int64) (ledger.Entry, error)
}

// IdempotencyPort guards ledger postings against replays.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, scope string) error
	Delete(ctx context.Context, key string) error
}

// AttentionPort records review flags for humans.
type AttentionPort interface {
	Record(ctx context.Context, kind shared.AttentionKind, entity, entityID, detail string) error
	ResolveFor(ctx context.Context, kind shared.AttentionKind, entity, entityID string) error
}

// AuditPort appends audit trail entries.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service implements the procurement workflow. Arrival posting is a saga:
// the status flip commits first, then each line's batch creation and ledger
// increment run with idempotency keys so a crashed or partially failed
// posting can be retried without double-counting.
type Service struct {
	repo      RepositoryPort
	batches   BatchPort
	ledger    LedgerPort
	idem      IdempotencyPort
	attention AttentionPort
	audit     AuditPort
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(repo RepositoryPort, batches BatchPort, ledger LedgerPort,
	idem IdempotencyPort, attention AttentionPort, audit AuditPort, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		batches:   batches,
		ledger:    ledger,
		idem:      idem,
		attention: attention,
		audit:     audit,
		logger:    logger,
		now:       time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (s *Service) WithNow(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateOrder registers a new pending purchase order.
func (s *Service) CreateOrder(ctx context.Context, in CreateInput) (PurchaseOrder, error) {
	in.Number = strings.ToUpper(strings.TrimSpace(in.Number))
	if in.Number == "" || len(in.Lines) == 0 {
		return PurchaseOrder{}, ErrValidation
	}
	for _, ln := range in.Lines {
		if ln.Quantity <= 0 || ln.UnitCost.IsNegative() {
			return PurchaseOrder{}, ErrValidation
		}
	}
	po, err := s.repo.Create(ctx, in)
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, "purchase_order.created", po.ID, map[string]any{"number": po.Number, "lines": len(po.Lines)})
	return po, nil
}

func (s *Service) Get(ctx context.Context, id int64) (PurchaseOrder, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, status Status) ([]PurchaseOrder, error) {
	return s.repo.List(ctx, status)
}

// ScheduleETA sets the expected arrival date. Only pending orders can be
// rescheduled.
func (s *Service) ScheduleETA(ctx context.Context, id int64, eta time.Time) error {
	po, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if po.Status != StatusPending {
		return ErrInvalidState
	}
	if err := s.repo.SetETA(ctx, id, eta); err != nil {
		return err
	}
	s.recordAudit(ctx, "purchase_order.eta_set", id, map[string]any{"eta": eta.Format("2006-01-02")})
	return nil
}

// MarkInTransit moves a pending order to in-transit.
func (s *Service) MarkInTransit(ctx context.Context, id int64) error {
	ok, err := s.repo.UpdateStatus(ctx, id, []Status{StatusPending}, StatusInTransit)
	if err != nil {
		return err
	}
	if !ok {
		if _, gerr := s.repo.Get(ctx, id); gerr != nil {
			return gerr
		}
		return ErrInvalidState
	}
	s.recordAudit(ctx, "purchase_order.in_transit", id, nil)
	return nil
}

// Cancel cancels an order that has not arrived yet.
func (s *Service) Cancel(ctx context.Context, id int64, reason string) error {
	ok, err := s.repo.UpdateStatus(ctx, id, []Status{StatusPending, StatusInTransit}, StatusCancelled)
	if err != nil {
		return err
	}
	if !ok {
		if _, gerr := s.repo.Get(ctx, id); gerr != nil {
			return gerr
		}
		return ErrInvalidState
	}
	s.recordAudit(ctx, "purchase_order.cancelled", id, map[string]any{"reason": reason})
	return nil
}

// MarkArrived records the delivery and posts its stock. The status flip
// commits before posting so that a failure mid-posting leaves the order
// arrived-but-unposted, flagged for attention, and retryable. Calling it on
// an already fully posted order is a no-op success.
func (s *Service) MarkArrived(ctx context.Context, id int64) (PurchaseOrder, error) {
	prev, err := s.repo.MarkArrived(ctx, id, s.now())
	if err != nil {
		return PurchaseOrder{}, err
	}
	switch prev.Status {
	case StatusCancelled:
		return PurchaseOrder{}, ErrInvalidState
	case StatusArrived:
		if prev.Posted {
			return s.repo.Get(ctx, id)
		}
	}
	s.recordAudit(ctx, "purchase_order.arrived", id, nil)
	return s.postArrival(ctx, id)
}

// RetryArrivalPosting re-runs stock posting for an arrived order whose
// earlier posting did not complete.
func (s *Service) RetryArrivalPosting(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, err := s.repo.Get(ctx, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if po.Status != StatusArrived {
		return PurchaseOrder{}, ErrInvalidState
	}
	if po.Posted {
		return po, nil
	}
	return s.postArrival(ctx, id)
}

// postArrival applies every unposted line to the batch store and the ledger.
// Each line is guarded by an idempotency key so replays after a crash between
// the ledger write and the posted flag do not double-count.
func (s *Service) postArrival(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, err := s.repo.Get(ctx, id)
	if err != nil {
		return PurchaseOrder{}, err
	}

	var failed error
	for _, ln := range po.Lines {
		if ln.Posted {
			continue
		}
		if err := s.postLine(ctx, po, ln); err != nil {
			s.logger.Error("arrival posting failed for line",
				"order_id", po.ID, "line_id", ln.ID, "product_id", ln.ProductID, "error", err)
			failed = err
			continue
		}
		if err := s.repo.MarkLinePosted(ctx, ln.ID); err != nil {
			failed = err
			continue
		}
	}

	if failed != nil {
		if s.attention != nil {
			_ = s.attention.Record(ctx, shared.AttentionPartialArrival, "purchase_order",
				strconv.FormatInt(po.ID, 10), failed.Error())
		}
		return po, fmt.Errorf("%w: %v", ErrPartialArrival, failed)
	}

	if err := s.repo.MarkPosted(ctx, po.ID); err != nil {
		return po, err
	}
	if s.attention != nil {
		_ = s.attention.ResolveFor(ctx, shared.AttentionPartialArrival, "purchase_order",
			strconv.FormatInt(po.ID, 10))
	}
	s.recordAudit(ctx, "purchase_order.posted", po.ID, nil)
	return s.repo.Get(ctx, po.ID)
}

func (s *Service) postLine(ctx context.Context, po PurchaseOrder, ln Line) error {
	_, err := s.batches.CreateBatch(ctx, batch.CreateInput{
		ProductID:   ln.ProductID,
		BatchNumber: fmt.Sprintf("%s-%d-%d", po.Number, ln.ProductID, ln.ID),
		ArrivedAt:   s.now(),
		UnitCost:    ln.UnitCost,
		Quantity:    ln.Quantity,
	})
	if err != nil && !errors.Is(err, batch.ErrDuplicateBatchNumber) {
		return fmt.Errorf("create batch: %w", err)
	}

	key := fmt.Sprintf("ARRIVAL:%d:%d", po.ID, ln.ID)
	if err := s.idem.CheckAndInsert(ctx, key, "ledger_inbound"); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			// Ledger increment already applied in an earlier attempt.
			return nil
		}
		return fmt.Errorf("idempotency check: %w", err)
	}
	if _, err := s.ledger.ApplyInbound(ctx, ln.ProductID, ln.Quantity); err != nil {
		// Release the key so the retry can attempt the increment again.
		_ = s.idem.Delete(ctx, key)
		return fmt.Errorf("ledger inbound: %w", err)
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		Action:   action,
		Entity:   "purchase_order",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit record failed", "action", action, "error", err)
	}
}
