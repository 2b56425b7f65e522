package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers the restore progress API under /admin using a chi
// router. An empty secret leaves the endpoints open.
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers, secret string) {
	r := chi.NewRouter()
	r.Use(AuthMiddleware(secret))

	r.Get("/progress", handlers.handleProgress)
	r.Get("/tables", handlers.handleTables)
	r.Get("/databases", handlers.handleDatabases)
	r.Get("/locks", handlers.handleLocks)

	r.Route("/cluster", func(r chi.Router) {
		r.Get("/stages", handlers.handleClusterStages)
	})

	// Mount chi router under /admin
	mux.Handle("/admin", http.RedirectHandler("/admin/progress", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}
