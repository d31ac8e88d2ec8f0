package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	r.Get("/health", s.HandleHealth)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
		r.Post("/refresh", s.HandleRefresh)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/regions", s.HandleListRegions)
		r.Get("/events", s.HandleListEvents)

		r.Route("/devices/{dev_eui}", func(r chi.Router) {
			r.Get("/", s.HandleGetDevice)
			r.Post("/activate", s.HandleActivateDevice)
			r.Get("/session", s.HandleGetDeviceSession)
			r.Put("/disabled", s.HandleSetDeviceDisabled)

			r.Get("/queue", s.HandleListDeviceQueue)
			r.Post("/queue", s.HandleEnqueueDownlink)
			r.Delete("/queue", s.HandleFlushDeviceQueue)
		})

		r.Route("/gateways", func(r chi.Router) {
			r.Post("/", s.HandleCreateGateway)
			r.Get("/{gateway_id}", s.HandleGetGateway)
		})
	})
}
