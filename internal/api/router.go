package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/matchflow/internal/api/middleware"
	"github.com/kiranshivaraju/matchflow/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler   http.HandlerFunc
	StartJob        http.HandlerFunc
	GetJob          http.HandlerFunc
	GetPhase        http.HandlerFunc
	CancelJob       http.HandlerFunc
	DeleteJob       http.HandlerFunc
	ListJobEvidence http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		if deps.Auth != nil {
			r.Use(deps.Auth.Authenticate)
		}
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Post("/api/v1/jobs", orNotImplemented(deps.StartJob))
		r.Route("/api/v1/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", orNotImplemented(deps.GetJob))
			r.Delete("/", orNotImplemented(deps.DeleteJob))
			r.Get("/phase", orNotImplemented(deps.GetPhase))
			r.Post("/cancel", orNotImplemented(deps.CancelJob))
			r.Get("/evidence", orNotImplemented(deps.ListJobEvidence))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
