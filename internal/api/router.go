package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/api/middleware"
)

// setupRouter creates and configures the chi router with all routes.
func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestLogger())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Prometheus)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		OK(w, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/entities/{entityID}", func(r chi.Router) {
			r.Route("/reports/{reportID}", func(r chi.Router) {
				r.Get("/", s.viewReport)
				r.Get("/trend", s.reportTrend)
				r.Post("/preload", s.preloadReport)
			})
			r.Route("/alerts", func(r chi.Router) {
				r.Get("/", s.listAlerts)
				r.Post("/", s.createAlert)
				r.Put("/{alertID}", s.updateAlert)
				r.Delete("/{alertID}", s.deleteAlert)
			})
		})

		r.Get("/alerts/{alertID}/history", s.alertHistory)
		r.Get("/users/{userID}/messages", s.listMessages)
		r.Post("/messages/{messageID}/read", s.markMessageRead)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		JSONError(w, ErrNotFound)
	})

	return r
}

// pathInt64 parses a positive integer URL parameter.
func pathInt64(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
