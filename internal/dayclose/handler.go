package dayclose

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stockforge/stockforge/internal/platform/httpx"
)

// CloserPort runs the close. The reconciliation coordinator implements it,
// so HTTP callers get the same already-closed absorption as scheduled runs.
type CloserPort interface {
	CloseDay(ctx context.Context, asOf time.Time, force bool) (Result, error)
}

// Handler wires HTTP endpoints for the day close.
type Handler struct {
	logger  *slog.Logger
	closer  CloserPort
	service *Service
}

func NewHandler(logger *slog.Logger, closer CloserPort, service *Service) *Handler {
	return &Handler{logger: logger, closer: closer, service: service}
}

// MountRoutes registers day close routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.runClose)
	r.Get("/archive", h.showArchive)
}

type closeRequest struct {
	Date    string `json:"date"`
	Force   bool   `json:"force"`
	Confirm bool   `json:"confirm"`
}

func (h *Handler) runClose(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	// Folding counters is not casually reversible, so require explicit intent.
	if !req.Confirm {
		httpx.Problem(w, http.StatusBadRequest, "Confirmation Required", "set confirm=true to run the day close")
		return
	}
	var asOf time.Time
	if req.Date != "" {
		var err error
		asOf, err = time.Parse("2006-01-02", req.Date)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "date must be YYYY-MM-DD")
			return
		}
	}
	result, err := h.closer.CloseDay(r.Context(), asOf, req.Force)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) showArchive(w http.ResponseWriter, r *http.Request) {
	dateStr := r.URL.Query().Get("date")
	if dateStr == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "date query parameter required")
		return
	}
	day, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "date must be YYYY-MM-DD")
		return
	}
	records, err := h.service.Archive(r.Context(), day)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, records)
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrAlreadyClosed):
		httpx.Problem(w, http.StatusConflict, "Already Closed", err.Error())
	case errors.Is(err, ErrCloseInProgress):
		httpx.Problem(w, http.StatusConflict, "Close In Progress", err.Error())
	case errors.Is(err, ErrArchiveNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error("day close request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
