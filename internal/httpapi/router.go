// Package httpapi exposes the job service over HTTP: job creation, status,
// cancel/retry and image management, plus the websocket progress endpoint.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter assembles the worker's HTTP surface.
func NewRouter(app *App, ws http.Handler, static http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/healthz", app.Health)
	if ws != nil {
		r.Handle("/ws", ws)
	}
	if static != nil {
		r.Handle("/static/*", http.StripPrefix("/static/", static))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", app.CreateJob)
			r.Post("/batch", app.CreateBatch)
			r.Get("/{id}", app.GetJob)
			r.Get("/{id}/status", app.GetStatus)
			r.Post("/{id}/cancel", app.CancelJob)
			r.Post("/{id}/retry", app.RetryJob)
			r.Post("/{id}/images/{imageID}/select", app.SelectImage)
			r.Patch("/{id}/images/{imageID}", app.UpdateImageMetadata)
			r.Delete("/{id}/images/{imageID}", app.DeleteImage)
		})
	})

	return r
}
