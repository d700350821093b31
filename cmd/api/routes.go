package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/yyvfuruta/orderpipe/internal/metrics"
)

func (app *application) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(app.logRequest)
	r.Use(middleware.Recoverer)

	r.NotFound(app.notFoundResponse)
	r.MethodNotAllowed(app.methodNotAllowedResponse)

	r.With(app.authenticate).Post("/api/orders/create", app.createOrderHandler)
	r.Get("/healthz", app.healthzHandler)
	r.Get("/readyz", app.readyzHandler)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(app.gatherer))

	return r
}
