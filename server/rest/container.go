package rest

import (
	"github.com/go-chi/chi/v5"
	middlewares "github.com/marcopiovanello/engine-dispatch/server/middleware"
)

func ApplyRouter(args *ContainerArgs) func(chi.Router) {
	h := ProvideHandler(ProvideService(args))
	return routes(h)
}

func routes(h *Handler) func(chi.Router) {
	return func(r chi.Router) {
		r.Use(middlewares.ApplyAuthenticationByConfig)

		r.Route("/downloads", func(r chi.Router) {
			r.Post("/", h.Exec())
			r.Get("/", h.Running())
			r.Delete("/", h.CancelAll())
			r.Get("/{id}", h.Get())
			r.Delete("/{id}", h.Cancel())
			r.Post("/{id}/forget", h.Forget())
		})

		r.Get("/concurrency", h.Concurrency())
		r.Put("/concurrency", h.SetConcurrency())

		r.Route("/engines", func(r chi.Router) {
			r.Get("/", h.Engines())
			r.Post("/reload", h.ReloadEngines())
			r.Post("/{name}/update", h.UpdateEngine())
		})

		r.Get("/versions", h.Versions())
		r.Delete("/archive", h.ClearArchive())
	}
}
