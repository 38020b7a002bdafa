package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes mounts the admin API under /admin on mux
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := chi.NewRouter()
	r.Use(AuthMiddleware)

	r.Get("/stats", handlers.handleStats)
	r.Get("/sessions", handlers.handleSessions)

	r.Route("/prepared", func(r chi.Router) {
		r.Get("/", handlers.handleListPrepared)
		r.Get("/{xid}", handlers.handleGetPrepared)
		r.Post("/{xid}/commit", handlers.handleCommitPrepared)
		r.Post("/{xid}/rollback", handlers.handleRollbackPrepared)
	})

	r.Post("/cleanup", handlers.handleCleanup)

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}
