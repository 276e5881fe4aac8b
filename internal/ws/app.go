package ws

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// WsAppOptions is options of the relay application
type WsAppOptions struct {
	Address string
}

// WsApp serves the signaling relay
type WsApp struct {
	WsAppOptions

	relay *Relay
}

func New(options WsAppOptions) *WsApp {
	return &WsApp{
		WsAppOptions: options,
		relay:        NewRelay(),
	}
}

func (app *WsApp) Relay() *Relay {
	return app.relay
}

func (app *WsApp) Start() error {
	quit := make(chan os.Signal, 1)
	done := make(chan struct{}, 1)

	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	server := &http.Server{
		Addr:              app.Address,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 1 * time.Second,
	}

	server.RegisterOnShutdown(func() {
		log.Warn().Msg("received signal to terminate the relay")
		if err := app.relay.Close(); err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("close relay")
		}
		close(done)
	})

	// Shutdown the HTTP server
	go func() {
		<-quit
		log.Warn().Msg("the relay is going shutting down")

		// Wait 20 seconds for close http connections
		waitIdleConnCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		server.SetKeepAlivesEnabled(false)
		if err := server.Shutdown(waitIdleConnCtx); err != nil {
			log.Error().Err(err).Msg("can't gracefully shutdown the relay")
		}
	}()

	log.Info().Str("address", app.Address).Msg("relay started")

	err := server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}

	<-done
	log.Info().Msg("relay stopped")

	return nil
}

// Handler builds the http router for the relay
func (app *WsApp) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", WsHandler(app.relay))

	return r
}
