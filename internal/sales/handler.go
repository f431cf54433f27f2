package sales

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/stockforge/stockforge/internal/platform/httpx"
)

// Handler wires HTTP endpoints for quotes and invoices.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers sales routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/quote", h.quote)
	r.Post("/orders", h.finalize)
	r.Get("/orders", h.listInvoices)
	r.Get("/orders/{id}", h.showInvoice)
	r.Patch("/orders/{id}/delivery", h.updateDelivery)
}

type cartLineRequest struct {
	ProductID int64 `json:"product_id" validate:"required,gt=0"`
	BatchID   int64 `json:"batch_id" validate:"gte=0"`
	Quantity  int64 `json:"quantity" validate:"required,gt=0"`
}

type quoteRequest struct {
	Lines []cartLineRequest `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) quote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	cart := Cart{}
	for _, ln := range req.Lines {
		cart.Lines = append(cart.Lines, CartLine{ProductID: ln.ProductID, BatchID: ln.BatchID, Quantity: ln.Quantity})
	}
	quote, err := h.service.Quote(r.Context(), cart)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, quote)
}

type finalizeLineRequest struct {
	ProductID int64  `json:"product_id" validate:"required,gt=0"`
	BatchID   int64  `json:"batch_id" validate:"gte=0"`
	Quantity  int64  `json:"quantity" validate:"required,gt=0"`
	UnitPrice string `json:"unit_price" validate:"required"`
}

type finalizeRequest struct {
	Customer string                `json:"customer" validate:"required,max=200"`
	QuotedAt string                `json:"quoted_at"`
	Lines    []finalizeLineRequest `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) finalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	quote := Quote{}
	if req.QuotedAt != "" {
		at, err := time.Parse(time.RFC3339, req.QuotedAt)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "quoted_at must be RFC 3339")
			return
		}
		quote.QuotedAt = at
	}
	for _, ln := range req.Lines {
		price, err := decimal.NewFromString(ln.UnitPrice)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unit_price must be a decimal string")
			return
		}
		quote.Lines = append(quote.Lines, QuoteLine{
			ProductID: ln.ProductID,
			BatchID:   ln.BatchID,
			Quantity:  ln.Quantity,
			UnitPrice: price,
			LineTotal: price.Mul(decimal.NewFromInt(ln.Quantity)),
		})
	}
	inv, err := h.service.Finalize(r.Context(), quote, req.Customer)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	invoices, err := h.service.List(r.Context(), limit, offset)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, invoices)
}

func (h *Handler) showInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invoice id must be numeric")
		return
	}
	inv, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

type deliveryRequest struct {
	Status string `json:"status" validate:"required"`
}

func (h *Handler) updateDelivery(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invoice id must be numeric")
		return
	}
	var req deliveryRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	inv, err := h.service.UpdateDelivery(r.Context(), id, DeliveryStatus(strings.ToUpper(req.Status)))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	var conflict *StockConflictError
	switch {
	case errors.As(err, &conflict):
		httpx.JSON(w, http.StatusConflict, map[string]any{
			"title":          "Stock Conflict",
			"detail":         conflict.Error(),
			"conflict_lines": conflict.LineIndexes,
		})
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrProductUnavailable):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Product Unavailable", err.Error())
	case errors.Is(err, ErrInvalidDelivery):
		httpx.Problem(w, http.StatusConflict, "Invalid Delivery Transition", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("sales request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
