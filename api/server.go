/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and the route table.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. accessLog:  One zap line per request
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for admin frontends
  5. orgScope:   Rejects a missing or non-numeric {orgID} with 400

ROUTE GROUPS (all under /api/orgs/{orgID}):
  /policies                          List / upsert policies
  /assignments                       Assign a policy (seeds the balance)
  /employees/{employeeID}/...        Seed, balance, ledger (JSON or PDF)
  /requests                          Submit, list, lifecycle transitions
  /blackouts                         Blackout periods
  /recalculate                       Batch recalculation (auto|accrue|force)
  /imports                           Opening-balance spreadsheet import
  /documents                         Supporting document upload/download
  /healthz                           Liveness (outside the org scope)

SECURITY NOTE:
  No authentication middleware. Identity and permissions are owned by the
  surrounding platform.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(accessLog(h.logger.Named("http")))
	r.Use(middleware.Recoverer)
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api/orgs/{orgID}", func(r chi.Router) {
		r.Use(h.orgScope)

		r.Route("/policies", func(r chi.Router) {
			r.Get("/", h.ListPolicies)
			r.Get("/{policyID}", h.GetPolicy)
			r.Put("/{policyID}", h.PutPolicy)
		})

		r.Post("/assignments", h.CreateAssignment)

		r.Route("/employees/{employeeID}", func(r chi.Router) {
			r.Post("/seed", h.SeedBalance)
			r.Get("/balances/{policyID}", h.GetBalance)
			r.Get("/ledger", h.GetLedger)
			r.Get("/ledger/verify/{policyID}", h.VerifyLedger)
		})

		r.Route("/requests", func(r chi.Router) {
			r.Get("/", h.ListRequests)
			r.Post("/", h.SubmitRequest)
			r.Get("/{requestID}", h.GetRequest)
			r.Get("/{requestID}/transitions", h.PermittedTransitions)
			r.Post("/{requestID}/approve", h.ApproveRequest)
			r.Post("/{requestID}/reject", h.RejectRequest)
			r.Post("/{requestID}/withdraw", h.WithdrawRequest)
			r.Post("/{requestID}/cancel", h.CancelRequest)
		})

		r.Route("/blackouts", func(r chi.Router) {
			r.Get("/", h.ListBlackouts)
			r.Post("/", h.CreateBlackout)
		})

		r.Post("/recalculate", h.Recalculate)
		r.Post("/imports", h.ImportOpeningBalances)

		r.Route("/documents", func(r chi.Router) {
			r.Post("/", h.UploadDocument)
			r.Get("/{documentID}", h.DownloadDocument)
		})
	})

	return r
}
