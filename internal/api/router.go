package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"

	"github.com/stackplane/controlplane/internal/api/handlers"
	mw "github.com/stackplane/controlplane/internal/api/middleware"
	"github.com/stackplane/controlplane/internal/metrics"
)

type Dependencies struct {
	HMACSecret      []byte
	TenantsHandler  *handlers.TenantsHandler
	JobsHandler     *handlers.JobsHandler
	RolloutsHandler *handlers.RolloutsHandler
	WebhooksHandler *handlers.WebhooksHandler
	LicensesHandler *handlers.LicensesHandler
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()

	// Built-in middleware
	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging)
	r.Use(mw.CORS)
	r.Use(mw.RateLimit(10, 20))
	r.Use(metrics.Middleware)
	r.Use(chimid.Compress(5))

	// Health and scrape endpoints
	hh := handlers.NewHealthHandler()
	r.Get("/healthz", hh.Liveness)
	r.Get("/readyz", hh.Readiness)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		// Billing webhooks authenticate by signature, not bearer token.
		api.Post("/webhooks/billing", dep.WebhooksHandler.Billing)

		// License verification surface (public: tenant stacks hold no
		// operator credentials).
		api.Get("/license/public-key", dep.LicensesHandler.PublicKey)
		api.Post("/license/validate", dep.LicensesHandler.Validate)

		// Operator routes
		api.Group(func(protected chi.Router) {
			protected.Use(mw.Auth(dep.HMACSecret))

			protected.Route("/tenants", func(tr chi.Router) {
				tr.Get("/", dep.TenantsHandler.List)
				tr.Get("/{id}", dep.TenantsHandler.Get)
				tr.Delete("/{id}", dep.TenantsHandler.Purge)
				tr.Post("/{id}/deactivate", dep.TenantsHandler.Deactivate)
				tr.Post("/{id}/reactivate", dep.TenantsHandler.Reactivate)
				tr.Post("/{id}/keep", dep.TenantsHandler.Keep)
				tr.Post("/{id}/upgrade", dep.TenantsHandler.Upgrade)
				tr.Get("/{id}/jobs", dep.JobsHandler.ListByTenant)
				tr.Post("/{id}/license", dep.LicensesHandler.Issue)
				tr.Post("/{id}/license/revoke", dep.LicensesHandler.Revoke)
				tr.Get("/{id}/license/audit", dep.LicensesHandler.Audit)
			})

			protected.Get("/deletions", dep.TenantsHandler.ListScheduledDeletions)

			protected.Route("/jobs", func(jr chi.Router) {
				jr.Get("/{id}", dep.JobsHandler.Get)
				jr.Delete("/{id}", dep.JobsHandler.Cancel)
			})

			protected.Route("/rollouts", func(rr chi.Router) {
				rr.Get("/", dep.RolloutsHandler.List)
				rr.Post("/", dep.RolloutsHandler.Create)
				rr.Get("/{id}", dep.RolloutsHandler.Get)
				rr.Get("/{id}/logs", dep.RolloutsHandler.Logs)
				rr.Post("/{id}/continue", dep.RolloutsHandler.Continue)
				rr.Post("/{id}/rollback", dep.RolloutsHandler.RollbackTenant)
			})
		})
	})

	return r
}
