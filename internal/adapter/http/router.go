package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter wires the app, log, and ticket handlers under an /apps/ tree,
// behind a Recoverer, request logging, and a body-size cap ahead of a
// token-gated route group.
func NewRouter(appH *AppHandler, logH *LogHandler, ticketH *TicketHandler, apiToken string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware)
	r.Use(bodySizeLimitMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Prefer", "X-API-Key", "X-Forwarded-Host", "X-Forwarded-Prefix"},
		ExposedHeaders: []string{"Location", "Link"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/apps", func(r chi.Router) {
		r.Use(authMiddleware(apiToken))

		r.Get("/", appH.List)
		r.Get("/tickets/", ticketH.List)

		r.Route("/{appName}", func(r chi.Router) {
			r.Post("/", appH.CreateOrUpdate)
			r.Delete("/", appH.Delete)
			r.Put("/states/{serviceName}", appH.ChangeState)
			r.Get("/logs/{serviceName}", logH.Get)
			r.Get("/status-changes/{id}", appH.StatusChange)
		})
	})

	return r
}
