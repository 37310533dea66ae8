// Package admin serves the local operations API. It is the only way
// deposits are initiated and withdrawals executed; the poller handles
// everything that arrives from the ledger on its own. The listener is meant
// to stay on loopback behind whatever front end drives it.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Options configure the API listener.
type Options struct {
	ListenAddr string
}

// Server hosts the operations API.
type Server struct {
	handler *Handler
	opts    Options
	logger  zerolog.Logger
}

// NewServer constructs a Server around the handler.
func NewServer(handler *Handler, opts Options, logger zerolog.Logger) *Server {
	return &Server{
		handler: handler,
		opts:    opts,
		logger:  logger.With().Str("component", "admin_api").Logger(),
	}
}

// Serve blocks until ctx is cancelled, then drains in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.ListenAddr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.ListenAddr).Msg("operations API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.handler.logRequests)

	r.Get("/healthz", s.handler.healthz)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/deposits", s.handler.createDeposit)
		r.Get("/deposits/{id}", s.handler.getDeposit)
		r.Post("/withdrawals", s.handler.createWithdrawal)
		r.Get("/withdrawals/{id}", s.handler.getWithdrawal)
		r.Get("/users/{id}/balance", s.handler.getBalance)
		r.Get("/price", s.handler.getPrice)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/balance", s.handler.adjustBalance)
			r.Put("/withdrawals", s.handler.setWithdrawalsEnabled)
		})
	})

	return r
}
