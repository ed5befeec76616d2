package web

import "github.com/go-chi/chi/v5"

func (s *Server) setupRoutes() {
	s.router.Get("/api/v1/health", s.health)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/identities", s.listIdentities)

		r.Route("/channels/{channel}", func(r chi.Router) {
			r.Post("/register", s.register)
			r.Post("/login", s.login)
			r.Post("/frames", s.submitFrame)
			r.Get("/result", s.result)
			r.Delete("/session", s.cancel)
			r.Get("/events", s.events)
		})
	})
}
