package dayclose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"golang.org/x/sync/errgroup"

	"github.com/stockforge/stockforge/internal/ledger"
	"github.com/stockforge/stockforge/internal/shared"
)

// closeParallelism bounds concurrent per-product closes.
const closeParallelism = 8

// RepositoryPort abstracts archive and run persistence.
type RepositoryPort interface {
	WasClosed(ctx context.Context, day time.Time) (bool, error)
	StartRun(ctx context.Context, day time.Time) (int64, error)
	FinishRun(ctx context.Context, id int64, closed, failed int) error
	UpsertArchive(ctx context.Context, rec ArchiveRecord) (ArchiveRecord, error)
	GetArchive(ctx context.Context, productID int64, day time.Time) (ArchiveRecord, error)
	ListArchive(ctx context.Context, day time.Time) ([]ArchiveRecord, error)
}

// LedgerPort folds and resets product counters.
type LedgerPort interface {
	Get(ctx context.Context, productID int64) (ledger.Entry, error)
	FoldDailyCounters(ctx context.Context, productID int64, asOf time.Time) (ledger.FoldResult, error)
	ResetFromArchive(ctx context.Context, productID, finalBalance int64, asOf time.Time) (ledger.Entry, error)
}

// BalancePort drops cached stock read views once a product's counters fold.
type BalancePort interface {
	Invalidate(ctx context.Context, productID int64) error
}

// CatalogPort lists the products to close.
type CatalogPort interface {
	ListActiveIDs(ctx context.Context) ([]int64, error)
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

// Unlocker releases a held close lock.
type Unlocker interface {
	Release(ctx context.Context) error
}

// LockPort serialises close runs across processes.
type LockPort interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Unlocker, error)
}

// RedisLocker adapts bsm/redislock to LockPort.
type RedisLocker struct {
	client *redislock.Client
}

func NewRedisLocker(client *redislock.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Unlocker, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrCloseInProgress
		}
		return nil, err
	}
	return lock, nil
}

// Service runs the day close: one snapshot per active product, counters
// folded for the next day. Only one runner may close at a time; individual
// product failures are flagged and never stop the rest of the run.
type Service struct {
	repo      RepositoryPort
	ledger    LedgerPort
	catalog   CatalogPort
	locks     LockPort
	attention AttentionPort
	audit     AuditPort
	balances  BalancePort
	logger    *slog.Logger
	lockTTL   time.Duration
	now       func() time.Time
}

func NewService(repo RepositoryPort, ldg LedgerPort, cat CatalogPort, locks LockPort,
	attention AttentionPort, audit AuditPort, logger *slog.Logger, lockTTL time.Duration) *Service {
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	return &Service{
		repo:      repo,
		ledger:    ldg,
		catalog:   cat,
		locks:     locks,
		attention: attention,
		audit:     audit,
		logger:    logger,
		lockTTL:   lockTTL,
		now:       time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (s *Service) WithNow(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithBalances registers the stock read-view cache so every closed product
// is dropped from it.
func (s *Service) WithBalances(b BalancePort) *Service {
	s.balances = b
	return s
}

// CloseDay archives and folds every active product for the date. A completed
// date is rejected without force; force overwrites the archive and re-derives
// the counters from it.
func (s *Service) CloseDay(ctx context.Context, asOf time.Time, force bool) (Result, error) {
	if asOf.IsZero() {
		asOf = s.now()
	}
	day := asOf.UTC().Truncate(24 * time.Hour)
	dateStr := day.Format("2006-01-02")

	lock, err := s.locks.Obtain(ctx, shared.DayCloseLockKey(dateStr), s.lockTTL)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		_ = lock.Release(ctx)
	}()

	if !force {
		closed, err := s.repo.WasClosed(ctx, day)
		if err != nil {
			return Result{}, err
		}
		if closed {
			return Result{}, ErrAlreadyClosed
		}
	}

	runID, err := s.repo.StartRun(ctx, day)
	if err != nil {
		return Result{}, err
	}
	ids, err := s.catalog.ListActiveIDs(ctx)
	if err != nil {
		return Result{}, err
	}

	result := Result{Date: dateStr, Products: len(ids)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(closeParallelism)
	for _, productID := range ids {
		g.Go(func() error {
			outcome, err := s.closeProduct(gctx, productID, day, force)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failed = append(result.Failed, ProductFailure{ProductID: productID, Reason: err.Error()})
			case outcome == outcomeSkipped:
				result.Skipped++
			default:
				result.Closed++
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(result.Failed, func(i, j int) bool {
		return result.Failed[i].ProductID < result.Failed[j].ProductID
	})
	if err := s.repo.FinishRun(ctx, runID, result.Closed, len(result.Failed)); err != nil {
		s.logger.Error("finish close run failed", "run_id", runID, "error", err)
	}
	s.recordAudit(ctx, dateStr, map[string]any{
		"closed": result.Closed, "skipped": result.Skipped, "failed": len(result.Failed), "force": force,
	})
	s.logger.Info("day close finished",
		slog.String("date", dateStr), slog.Int("closed", result.Closed),
		slog.Int("skipped", result.Skipped), slog.Int("failed", len(result.Failed)))
	return result, nil
}

type closeOutcome int

const (
	outcomeClosed closeOutcome = iota
	outcomeSkipped
)

func (s *Service) closeProduct(ctx context.Context, productID int64, day time.Time, force bool) (closeOutcome, error) {
	if force {
		return s.forceCloseProduct(ctx, productID, day)
	}

	fold, err := s.ledger.FoldDailyCounters(ctx, productID, day)
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyReconciledToday) {
			// A prior partial run already folded this product.
			return outcomeSkipped, nil
		}
		s.flagOutOfSync(ctx, productID, fmt.Sprintf("fold failed: %v", err))
		return 0, err
	}

	_, err = s.repo.UpsertArchive(ctx, ArchiveRecord{
		ProductID:    productID,
		SnapshotDate: day,
		InitialQty:   fold.InitialQty,
		InboundQty:   fold.InboundQty,
		OutboundQty:  fold.OutboundQty,
		FinalBalance: fold.FinalBalance,
	})
	if err != nil {
		// Counters are folded but the snapshot is missing. Flag it; a
		// forced re-close rebuilds the archive from the live entry.
		s.flagOutOfSync(ctx, productID,
			fmt.Sprintf("archive write failed after fold (initial=%d in=%d out=%d final=%d): %v",
				fold.InitialQty, fold.InboundQty, fold.OutboundQty, fold.FinalBalance, err))
		return 0, err
	}
	s.resolveOutOfSync(ctx, productID)
	s.dropBalance(ctx, productID)
	return outcomeClosed, nil
}

// forceCloseProduct merges any movements since the earlier close into the
// existing snapshot and re-derives the counters from the archive instead of
// re-applying deltas.
func (s *Service) forceCloseProduct(ctx context.Context, productID int64, day time.Time) (closeOutcome, error) {
	entry, err := s.ledger.Get(ctx, productID)
	if err != nil {
		s.flagOutOfSync(ctx, productID, fmt.Sprintf("force close read failed: %v", err))
		return 0, err
	}

	rec := ArchiveRecord{
		ProductID:    productID,
		SnapshotDate: day,
		InitialQty:   entry.OnHand - entry.PendingInbound + entry.PendingOutbound,
		InboundQty:   entry.PendingInbound,
		OutboundQty:  entry.PendingOutbound,
		FinalBalance: entry.OnHand,
	}
	prev, err := s.repo.GetArchive(ctx, productID, day)
	switch {
	case err == nil:
		rec.InitialQty = prev.InitialQty
		rec.InboundQty = prev.InboundQty + entry.PendingInbound
		rec.OutboundQty = prev.OutboundQty + entry.PendingOutbound
	case !errors.Is(err, ErrArchiveNotFound):
		return 0, err
	}

	if _, err := s.repo.UpsertArchive(ctx, rec); err != nil {
		s.flagOutOfSync(ctx, productID, fmt.Sprintf("force archive write failed: %v", err))
		return 0, err
	}
	if _, err := s.ledger.ResetFromArchive(ctx, productID, rec.FinalBalance, day); err != nil {
		s.flagOutOfSync(ctx, productID, fmt.Sprintf("counter reset failed: %v", err))
		return 0, err
	}
	s.resolveOutOfSync(ctx, productID)
	s.dropBalance(ctx, productID)
	return outcomeClosed, nil
}

// Archive exposes a date's snapshots.
func (s *Service) Archive(ctx context.Context, day time.Time) ([]ArchiveRecord, error) {
	return s.repo.ListArchive(ctx, day.UTC().Truncate(24*time.Hour))
}

func (s *Service) flagOutOfSync(ctx context.Context, productID int64, detail string) {
	s.logger.Error("product close failed", "product_id", productID, "detail", detail)
	if s.attention == nil {
		return
	}
	_ = s.attention.Record(ctx, shared.AttentionOutOfSync, "product",
		strconv.FormatInt(productID, 10), detail)
}

func (s *Service) dropBalance(ctx context.Context, productID int64) {
	if s.balances == nil {
		return
	}
	if err := s.balances.Invalidate(ctx, productID); err != nil {
		s.logger.Warn("balance cache invalidate failed",
			slog.Int64("product_id", productID), slog.Any("error", err))
	}
}

func (s *Service) resolveOutOfSync(ctx context.Context, productID int64) {
	if s.attention == nil {
		return
	}
	_ = s.attention.ResolveFor(ctx, shared.AttentionOutOfSync, "product",
		strconv.FormatInt(productID, 10))
}

func (s *Service) recordAudit(ctx context.Context, date string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		Action:   "day_close.run",
		Entity:   "day_close",
		EntityID: date,
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit record failed", "error", err)
	}
}
