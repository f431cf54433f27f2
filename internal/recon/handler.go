package recon

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/stockforge/stockforge/internal/catalog"
	"github.com/stockforge/stockforge/internal/ledger"
	"github.com/stockforge/stockforge/internal/platform/httpx"
	"github.com/stockforge/stockforge/internal/procurement"
	"github.com/stockforge/stockforge/internal/sales"
	"github.com/stockforge/stockforge/internal/shared"
)

// AttentionPort exposes the needs-attention channel.
type AttentionPort interface {
	ListOpen(ctx context.Context, limit int) ([]shared.AttentionFlag, error)
	Resolve(ctx context.Context, id int64) error
}

// Handler wires the scan flow and the attention channel.
type Handler struct {
	logger      *slog.Logger
	coordinator *Coordinator
	attention   AttentionPort
}

func NewHandler(logger *slog.Logger, coordinator *Coordinator, attention AttentionPort) *Handler {
	return &Handler{logger: logger, coordinator: coordinator, attention: attention}
}

// MountRoutes registers scan and attention routes on the root router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/scan", func(r chi.Router) {
		r.Get("/{sku}", h.scanLookup)
		r.Post("/{sku}/restock", h.scanRestock)
		r.Post("/{sku}/purchase", h.scanPurchase)
	})
	r.Route("/attention", func(r chi.Router) {
		r.Get("/", h.listAttention)
		r.Post("/{id}/resolve", h.resolveAttention)
	})
}

func (h *Handler) scanLookup(w http.ResponseWriter, r *http.Request) {
	info, err := h.coordinator.ScanLookup(r.Context(), chi.URLParam(r, "sku"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, info)
}

func (h *Handler) scanRestock(w http.ResponseWriter, r *http.Request) {
	po, err := h.coordinator.ScanRestock(r.Context(), chi.URLParam(r, "sku"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, po)
}

func (h *Handler) scanPurchase(w http.ResponseWriter, r *http.Request) {
	inv, err := h.coordinator.ScanPurchase(r.Context(), chi.URLParam(r, "sku"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) listAttention(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	flags, err := h.attention.ListOpen(r.Context(), limit)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, flags)
}

func (h *Handler) resolveAttention(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "flag id must be numeric")
		return
	}
	if err := h.attention.Resolve(r.Context(), id); err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	var conflict *sales.StockConflictError
	switch {
	case errors.As(err, &conflict):
		httpx.JSON(w, http.StatusConflict, map[string]any{
			"title":          "Stock Conflict",
			"detail":         conflict.Error(),
			"conflict_lines": conflict.LineIndexes,
		})
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, ledger.ErrEntryNotFound), errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, sales.ErrProductUnavailable):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Product Unavailable", err.Error())
	case errors.Is(err, procurement.ErrPartialArrival):
		httpx.Problem(w, http.StatusAccepted, "Posting Incomplete", err.Error())
	default:
		h.logger.Error("recon request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
