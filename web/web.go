// Package web exposes the conversion service over HTTP.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Vector/docbatch/web/handlers"
	"github.com/Vector/docbatch/web/middleware"
)

type Config struct {
	Addr           string
	AllowedOrigins []string
	Deps           handlers.Dependencies
}

type Server struct {
	cfg    Config
	srv    *http.Server
	logger *zap.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Deps.Logger
	if logger == nil {
		logger = zap.NewNop()
		cfg.Deps.Logger = logger
	}

	s := &Server{cfg: cfg, logger: logger}

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	return s
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	group := handlers.NewHandlerGroup(s.cfg.Deps)

	r := mux.NewRouter()
	r.HandleFunc("/health", group.Web.HealthCheck).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/jobs", group.API.Submit).Methods(http.MethodPost)
	api.HandleFunc("/jobs", group.API.ListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{job_id}", group.API.GetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{job_id}/download", group.API.Download).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{job_id}/events", group.API.Events).Methods(http.MethodGet)

	return middleware.Chain(r,
		middleware.Recover(s.logger),
		middleware.RequestLogger(s.logger),
		middleware.CORS(s.cfg.AllowedOrigins),
		middleware.SecurityHeaders,
	)
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errc := make(chan error, 1)

	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))

		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}

		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return <-errc
}
