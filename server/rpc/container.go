package rpc

import (
	"net/rpc"

	"github.com/go-chi/chi/v5"
	middlewares "github.com/marcopiovanello/engine-dispatch/server/middleware"
	"github.com/marcopiovanello/engine-dispatch/server/rest"
)

// Dependency injection container.
func Container(svc *rest.Service, downloadPath string) *Service {
	return &Service{
		svc:          svc,
		downloadPath: downloadPath,
	}
}

// ApplyRouter serves JSON-RPC calls to service, over a websocket or one
// call per POST.
func ApplyRouter(service *Service) (func(chi.Router), error) {
	srv := rpc.NewServer()
	if err := srv.Register(service); err != nil {
		return nil, err
	}

	h := &handler{rpc: srv}

	return func(r chi.Router) {
		r.Use(middlewares.ApplyAuthenticationByConfig)
		r.Get("/ws", h.WebSocket)
		r.Post("/http", h.Post)
	}, nil
}
