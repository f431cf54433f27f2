package ledger

import (
	"context"
	"log/slog"
	"time"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	Get(ctx context.Context, productID int64) (Entry, error)
	Create(ctx context.Context, productID int64) (Entry, error)
	UpdateConditional(ctx context.Context, e Entry, expectedVersion int64) (bool, error)
}

// Service applies delta mutations to ledger entries with optimistic
// concurrency. Each mutation reads the entry, computes the new counters and
// writes conditionally on the version being unchanged; on conflict the
// read-compute-write cycle retries up to maxAttempts before surfacing
// ErrVersionConflict.
type Service struct {
	repo        RepositoryPort
	logger      *slog.Logger
	now         func() time.Time
	maxAttempts int
}

// NewService builds Service.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, now: time.Now, maxAttempts: 3}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Get returns the current entry for a product.
func (s *Service) Get(ctx context.Context, productID int64) (Entry, error) {
	return s.repo.Get(ctx, productID)
}

// Seed creates the zero entry for a newly registered product.
func (s *Service) Seed(ctx context.Context, productID int64) (Entry, error) {
	return s.repo.Create(ctx, productID)
}

// ApplyInbound posts an arrival: on-hand and the daily inbound counter both
// increase by qty.
func (s *Service) ApplyInbound(ctx context.Context, productID, qty int64) (Entry, error) {
	if qty <= 0 {
		return Entry{}, ErrInvalidQuantity
	}
	return s.mutate(ctx, productID, func(e *Entry) error {
		e.OnHand += qty
		e.PendingInbound += qty
		return nil
	})
}

// ApplyOutboundReserved posts a sale: on-hand decreases and the daily
// outbound counter increases. Fails with ErrInsufficientStock when on-hand
// cannot cover the quantity.
func (s *Service) ApplyOutboundReserved(ctx context.Context, productID, qty int64) (Entry, error) {
	if qty <= 0 {
		return Entry{}, ErrInvalidQuantity
	}
	return s.mutate(ctx, productID, func(e *Entry) error {
		if e.OnHand < qty {
			return ErrInsufficientStock
		}
		e.OnHand -= qty
		e.PendingOutbound += qty
		return nil
	})
}

// FoldDailyCounters snapshots today's movement and resets the daily
// counters. Valid once per calendar day per product; a second call on the
// same day fails with ErrAlreadyReconciledToday instead of double-applying.
func (s *Service) FoldDailyCounters(ctx context.Context, productID int64, asOf time.Time) (FoldResult, error) {
	if asOf.IsZero() {
		asOf = s.now().UTC()
	}
	var result FoldResult
	_, err := s.mutate(ctx, productID, func(e *Entry) error {
		if sameCalendarDay(e.LastReconciledAt, asOf) {
			return ErrAlreadyReconciledToday
		}
		result = FoldResult{
			ProductID:    productID,
			InitialQty:   e.OnHand - e.PendingInbound + e.PendingOutbound,
			InboundQty:   e.PendingInbound,
			OutboundQty:  e.PendingOutbound,
			FinalBalance: e.OnHand,
			FoldedAt:     asOf,
		}
		e.PendingInbound = 0
		e.PendingOutbound = 0
		e.LastReconciledAt = asOf
		return nil
	})
	if err != nil {
		return FoldResult{}, err
	}
	return result, nil
}

// ResetFromArchive re-derives the counters from an archived final balance
// during a forced re-close. Absolute overwrite is deliberate here: the
// archive is the source of truth, re-applying deltas would double count.
func (s *Service) ResetFromArchive(ctx context.Context, productID, finalBalance int64, asOf time.Time) (Entry, error) {
	return s.mutate(ctx, productID, func(e *Entry) error {
		e.OnHand = finalBalance
		e.PendingInbound = 0
		e.PendingOutbound = 0
		e.LastReconciledAt = asOf
		return nil
	})
}

func (s *Service) mutate(ctx context.Context, productID int64, apply func(*Entry) error) (Entry, error) {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		entry, err := s.repo.Get(ctx, productID)
		if err != nil {
			return Entry{}, err
		}
		expected := entry.Version
		if err := apply(&entry); err != nil {
			return Entry{}, err
		}
		ok, err := s.repo.UpdateConditional(ctx, entry, expected)
		if err != nil {
			return Entry{}, err
		}
		if ok {
			entry.Version = expected + 1
			return entry, nil
		}
		s.logger.Debug("ledger version conflict, retrying",
			slog.Int64("product_id", productID),
			slog.Int("attempt", attempt+1))
	}
	return Entry{}, ErrVersionConflict
}

func sameCalendarDay(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
