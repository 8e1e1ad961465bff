package server

import (
	"github.com/go-chi/chi/v5"
)

func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/vapi", func(r chi.Router) {
		r.Post("/webhook", s.handleWebhook)
		r.Post("/calls", s.startCall)

		r.Route("/copilot/calls", func(r chi.Router) {
			r.Get("/", s.listCopilotCalls)
			r.Get("/{callID}", s.getCopilotCall)
		})

		r.Get("/tools/failures", s.toolFailures)
	})
}
