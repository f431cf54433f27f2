package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/stockforge/stockforge/internal/catalog"
	"github.com/stockforge/stockforge/internal/dayclose"
	"github.com/stockforge/stockforge/internal/ledger"
	"github.com/stockforge/stockforge/internal/procurement"
	"github.com/stockforge/stockforge/internal/recon"
	"github.com/stockforge/stockforge/internal/sales"
	"github.com/stockforge/stockforge/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	CatalogHandler     *catalog.Handler
	LedgerHandler      *ledger.Handler
	ProcurementHandler *procurement.Handler
	SalesHandler       *sales.Handler
	DayCloseHandler    *dayclose.Handler
	ReconHandler       *recon.Handler
	JobHandler         *jobs.Handler
}

// NewRouter constructs the chi.Router with service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/products", params.CatalogHandler.MountRoutes)
	r.Route("/stock", params.LedgerHandler.MountRoutes)
	r.Route("/purchase-orders", params.ProcurementHandler.MountRoutes)
	r.Route("/sales", params.SalesHandler.MountRoutes)
	r.Route("/day-close", params.DayCloseHandler.MountRoutes)
	params.ReconHandler.MountRoutes(r)
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	return r
}
