package procurement

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/stockforge/stockforge/internal/platform/httpx"
)

// Handler wires HTTP endpoints for purchase orders.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.listOrders)
	r.Post("/", h.createOrder)
	r.Get("/{id}", h.showOrder)
	r.Post("/{id}/eta", h.scheduleETA)
	r.Post("/{id}/transit", h.markInTransit)
	r.Post("/{id}/arrive", h.markArrived)
	r.Post("/{id}/retry-posting", h.retryPosting)
	r.Post("/{id}/cancel", h.cancelOrder)
}

type createOrderRequest struct {
	Number   string                   `json:"number" validate:"required,max=64"`
	Supplier string                   `json:"supplier" validate:"required,max=200"`
	ETA      *string                  `json:"eta,omitempty"`
	Note     string                   `json:"note" validate:"max=500"`
	Lines    []createOrderLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type createOrderLineRequest struct {
	ProductID int64  `json:"product_id" validate:"required,gt=0"`
	Quantity  int64  `json:"quantity" validate:"required,gt=0"`
	UnitCost  string `json:"unit_cost" validate:"required"`
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	in := CreateInput{Number: req.Number, Supplier: req.Supplier, Note: req.Note}
	if req.ETA != nil {
		eta, err := time.Parse("2006-01-02", *req.ETA)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "eta must be YYYY-MM-DD")
			return
		}
		in.ETA = &eta
	}
	for _, ln := range req.Lines {
		cost, err := decimal.NewFromString(ln.UnitCost)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unit_cost must be a decimal string")
			return
		}
		in.Lines = append(in.Lines, LineInput{ProductID: ln.ProductID, Quantity: ln.Quantity, UnitCost: cost})
	}
	po, err := h.service.CreateOrder(r.Context(), in)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	h.logger.Info("purchase order created", slog.String("number", po.Number), slog.Int64("id", po.ID))
	httpx.JSON(w, http.StatusCreated, po)
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.List(r.Context(), Status(r.URL.Query().Get("status")))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, orders)
}

func (h *Handler) showOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}
	po, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

type scheduleETARequest struct {
	ETA string `json:"eta" validate:"required"`
}

func (h *Handler) scheduleETA(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}
	var req scheduleETARequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	eta, err := time.Parse("2006-01-02", req.ETA)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "eta must be YYYY-MM-DD")
		return
	}
	if err := h.service.ScheduleETA(r.Context(), id, eta); err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) markInTransit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}
	if err := h.service.MarkInTransit(r.Context(), id); err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) markArrived(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}
	po, err := h.service.MarkArrived(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrPartialArrival) {
			// Arrival is recorded. Report the incomplete posting but keep
			// the order payload so the client can see line states.
			httpx.JSON(w, http.StatusAccepted, map[string]any{
				"order":  po,
				"detail": err.Error(),
			})
			return
		}
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

func (h *Handler) retryPosting(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}
	po, err := h.service.RetryArrivalPosting(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrPartialArrival) {
			httpx.JSON(w, http.StatusAccepted, map[string]any{
				"order":  po,
				"detail": err.Error(),
			})
			return
		}
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

type cancelOrderRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}
	var req cancelOrderRequest
	_ = httpx.DecodeJSON(r, &req)
	if err := h.service.Cancel(r.Context(), id, req.Reason); err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) orderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "order id must be numeric")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidState):
		httpx.Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("procurement request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
