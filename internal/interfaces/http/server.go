// Package http exposes the read API, the scheduler trigger and the
// operational endpoints.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/stresswatch/stresswatch/internal/board"
	"github.com/stresswatch/stresswatch/internal/cache"
	"github.com/stresswatch/stresswatch/internal/pipeline"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	shutdownTimeout = 10 * time.Second

	// triggerTimeout bounds one pipeline run fired over HTTP.
	triggerTimeout = 5 * time.Minute
)

// Runner is satisfied by the daily pipeline.
type Runner interface {
	Run(ctx context.Context) (*pipeline.RunResult, error)
}

// Server hosts the API.
type Server struct {
	httpServer *http.Server
	router     *mux.Router

	composer   *board.Composer
	runner     Runner
	cache      *cache.Cache
	cronSecret string
}

// NewServer wires the routes and middleware. gatherer backs /metrics; cache
// and cronSecret may be zero values.
func NewServer(addr string, composer *board.Composer, runner Runner, responseCache *cache.Cache, cronSecret string, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		composer:   composer,
		runner:     runner,
		cache:      responseCache,
		cronSecret: cronSecret,
	}

	s.router.Use(requestIDMiddleware, loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/api/public/stress", s.handleScoreboard).Methods(http.MethodGet)
	s.router.HandleFunc("/api/public/stress/{code}/history", s.handleHistory).Methods(http.MethodGet)
	s.router.HandleFunc("/api/cron/daily", s.handleCronDaily).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// Handler returns the routing tree, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server starting")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", w.Header().Get("X-Request-ID")).
			Dur("elapsed", time.Since(started)).
			Msg("Request handled")
	})
}
