package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stockforge/stockforge/internal/platform/cache"
	"github.com/stockforge/stockforge/internal/platform/httpx"
)

// Handler exposes the stock read view.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	balances *cache.BalanceCache
}

// NewHandler constructs ledger handler.
func NewHandler(logger *slog.Logger, service *Service, balances *cache.BalanceCache) *Handler {
	return &Handler{logger: logger, service: service, balances: balances}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{productID}", h.handleStock)
}

type stockResponse struct {
	ProductID        int64  `json:"product_id"`
	OnHand           int64  `json:"on_hand"`
	PendingInbound   int64  `json:"pending_inbound"`
	PendingOutbound  int64  `json:"pending_outbound"`
	ProjectedBalance int64  `json:"projected_balance"`
	LastReconciledAt string `json:"last_reconciled_at,omitempty"`
}

func (h *Handler) handleStock(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "product id must be numeric")
		return
	}

	if bal, err := h.balances.Get(r.Context(), productID); err == nil {
		httpx.JSON(w, http.StatusOK, stockResponse{
			ProductID:        bal.ProductID,
			OnHand:           bal.OnHand,
			PendingInbound:   bal.PendingInbound,
			PendingOutbound:  bal.PendingOutbound,
			ProjectedBalance: bal.Projected,
		})
		return
	}

	entry, err := h.service.Get(r.Context(), productID)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "no ledger entry for product")
			return
		}
		h.logger.Error("load ledger entry", slog.Int64("product_id", productID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	_ = h.balances.Put(r.Context(), cache.ProjectedBalance{
		ProductID:       entry.ProductID,
		OnHand:          entry.OnHand,
		PendingInbound:  entry.PendingInbound,
		PendingOutbound: entry.PendingOutbound,
		Projected:       entry.ProjectedBalance(),
		ComputedAt:      time.Now().UTC(),
	})

	resp := stockResponse{
		ProductID:        entry.ProductID,
		OnHand:           entry.OnHand,
		PendingInbound:   entry.PendingInbound,
		PendingOutbound:  entry.PendingOutbound,
		ProjectedBalance: entry.ProjectedBalance(),
	}
	if !entry.LastReconciledAt.IsZero() {
		resp.LastReconciledAt = entry.LastReconciledAt.UTC().Format(time.RFC3339)
	}
	httpx.JSON(w, http.StatusOK, resp)
}
