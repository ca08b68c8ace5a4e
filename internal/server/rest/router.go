package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/veriscope/veriscope/internal/metrics"
)

// NewRouter returns the configured chi.Router for the Veriscope API.
//
// Route layout:
//
//	GET    /healthz                       – liveness + subsystem readiness (no auth)
//	GET    /health                        – alias of /healthz
//	GET    /metrics                       – Prometheus exposition (no auth)
//	GET    /api/v1/signals                – signal listing with filters
//	GET    /api/v1/alerts/deliveries      – cursor-paginated delivery log
//	POST   /api/v1/subscriptions          – create subscription
//	GET    /api/v1/subscriptions          – list tenant subscriptions
//	GET    /api/v1/subscriptions/{id}     – fetch one subscription
//	PUT    /api/v1/subscriptions/{id}     – replace mutable fields
//	DELETE /api/v1/subscriptions/{id}     – remove subscription
//
// All /api routes require an API key; pass a zero AuthConfig with keys a
// test store resolves, or set cfg.OverrideKey for static credentials.
func NewRouter(srv *Server, keys KeyLookup, cfg AuthConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	r.Get("/health", srv.handleHealthz) // alias for probes expecting /health
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(APIKeyAuth(keys, cfg))

		r.Get("/signals", srv.handleGetSignals)
		r.Get("/alerts/deliveries", srv.handleGetDeliveries)

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", srv.handleCreateSubscription)
			r.Get("/", srv.handleListSubscriptions)
			r.Get("/{id}", srv.handleGetSubscription)
			r.Put("/{id}", srv.handleUpdateSubscription)
			r.Delete("/{id}", srv.handleDeleteSubscription)
		})
	})

	return r
}
