package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-media/internal/rtc"
)

// AppOptions is options of the status application
type AppOptions struct {
	Registry *rtc.Registry
}

// App serves health, metrics and live connections
type App struct {
	AppOptions

	router *chi.Mux
}

// NewApp creates a new API application
func NewApp(options AppOptions) *App {
	if options.Registry == nil {
		options.Registry = rtc.NewRegistry()
	}

	return &App{
		AppOptions: options,
		router:     chi.NewRouter(),
	}
}

// Router is function for construct http router
func (app *App) Router() http.Handler {
	app.router.Use(middleware.RealIP)
	app.router.Use(middleware.Recoverer)

	app.router.Get("/healthz", HealthHandler())
	app.router.Handle("/metrics", promhttp.Handler())
	app.router.Route("/connections", func(r chi.Router) {
		r.Get("/", ConnectionsHandler(app.Registry))
		r.Get("/{id}", ConnectionHandler(app.Registry))
	})

	return app.router
}

func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func ConnectionsHandler(registry *rtc.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, registry.List())
	}
}

func ConnectionHandler(registry *rtc.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		for _, info := range registry.List() {
			if info.ID == id {
				writeJSON(w, http.StatusOK, info)
				return
			}
		}

		writeJSON(w, http.StatusNotFound, map[string]string{"error": "connection not found"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Str("service", "api").Msg("encode response")
	}
}
