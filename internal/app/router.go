package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/stockproof/stockproof/internal/anomaly"
	"github.com/stockproof/stockproof/internal/costing"
	"github.com/stockproof/stockproof/internal/ledger"
	"github.com/stockproof/stockproof/internal/observability"
	"github.com/stockproof/stockproof/internal/recon"
	"github.com/stockproof/stockproof/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	LedgerHandler  *ledger.Handler
	CostingHandler *costing.Handler
	ReconHandler   *recon.Handler
	AnomalyHandler *anomaly.Handler
	JobHandler     *jobs.Handler
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with Stockproof defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	// Everything below requires the API key.
	r.Group(func(r chi.Router) {
		r.Use(APIKeyAuth(params.Config.APIKeyHash, params.Logger))

		r.Route("/ledger", params.LedgerHandler.MountRoutes)
		r.Route("/costing", params.CostingHandler.MountRoutes)
		r.Route("/recon", params.ReconHandler.MountRoutes)
		r.Route("/anomalies", params.AnomalyHandler.MountRoutes)
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	return r
}
