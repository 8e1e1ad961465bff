// Package server exposes the webhook endpoint and the operational API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"voice-copilot-go/internal/copilot"
	"voice-copilot-go/internal/logger"
	"voice-copilot-go/internal/metrics"
	"voice-copilot-go/internal/store"
	"voice-copilot-go/internal/webhook"
)

type Config struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Deps struct {
	Webhook *webhook.Dispatcher
	Copilot *copilot.Copilot
	Store   store.Store
	Metrics *metrics.Metrics
}

type Server struct {
	router  *chi.Mux
	httpSrv *http.Server
	webhook *webhook.Dispatcher
	copilot *copilot.Copilot
	store   store.Store
	metrics *metrics.Metrics
	log     *logger.Logger
}

func New(cfg Config, deps Deps, log *logger.Logger) *Server {
	r := chi.NewRouter()
	s := &Server{
		router:  r,
		webhook: deps.Webhook,
		copilot: deps.Copilot,
		store:   deps.Store,
		metrics: deps.Metrics,
		log:     log,
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Addr() string { return s.httpSrv.Addr }

// ListenAndServe blocks until the server stops. A graceful shutdown is not
// reported as an error.
func (s *Server) ListenAndServe() error {
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
