package catalog

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/stockforge/stockforge/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the product catalog.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs catalog handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers catalog routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.listProducts)
	r.Post("/", h.registerProduct)
	r.Get("/{sku}", h.showProduct)
	r.Patch("/{id}", h.updateProduct)
	r.Post("/{id}/deactivate", h.deactivateProduct)
}

type registerProductRequest struct {
	SKU       string `json:"sku" validate:"required,max=64"`
	Name      string `json:"name" validate:"required,max=200"`
	Category  string `json:"category" validate:"max=100"`
	UOM       string `json:"uom" validate:"max=20"`
	SalePrice string `json:"sale_price" validate:"required"`
}

type updateProductRequest struct {
	Name      *string `json:"name,omitempty" validate:"omitempty,max=200"`
	Category  *string `json:"category,omitempty" validate:"omitempty,max=100"`
	SalePrice *string `json:"sale_price,omitempty"`
}

func (h *Handler) registerProduct(w http.ResponseWriter, r *http.Request) {
	var req registerProductRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	price, err := decimal.NewFromString(req.SalePrice)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "sale_price must be a decimal string")
		return
	}
	product, err := h.service.Register(r.Context(), RegisterInput{
		SKU:       req.SKU,
		Name:      req.Name,
		Category:  req.Category,
		UOM:       req.UOM,
		SalePrice: price,
	})
	if err != nil {
		h.respondErr(w, err)
		return
	}
	h.logger.Info("product registered", slog.String("sku", product.SKU), slog.Int64("id", product.ID))
	httpx.JSON(w, http.StatusCreated, product)
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	activeOnly := q.Get("all") == ""
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	products, err := h.service.List(r.Context(), activeOnly, limit, offset)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, products)
}

func (h *Handler) showProduct(w http.ResponseWriter, r *http.Request) {
	product, err := h.service.GetBySKU(r.Context(), chi.URLParam(r, "sku"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, product)
}

func (h *Handler) updateProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "product id must be numeric")
		return
	}
	var req updateProductRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	in := UpdateInput{Name: req.Name, Category: req.Category}
	if req.SalePrice != nil {
		price, err := decimal.NewFromString(*req.SalePrice)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "sale_price must be a decimal string")
			return
		}
		in.SalePrice = &price
	}
	product, err := h.service.Update(r.Context(), id, in)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, product)
}

func (h *Handler) deactivateProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "product id must be numeric")
		return
	}
	if err := h.service.Deactivate(r.Context(), id); err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicateSKU):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("catalog request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
