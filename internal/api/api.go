// Package api implements the HTTP control surface named in spec.md §6: a
// thin, out-of-core layer over the order store and matching engine that
// reports health, inspects orders, and force-matches an order by id. Its
// business logic is deliberately minimal, but it still carries the ambient
// stack like every other package: gorilla/mux routing, zap logging via
// pkg/logger, and a Prometheus /metrics endpoint, grounded on the teacher's
// internal/kitchen/transport/server.go HTTP-server shape.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DimaJoyti/go-coffee/internal/matching"
	"github.com/DimaJoyti/go-coffee/internal/orderbook/redisstore"
	"github.com/DimaJoyti/go-coffee/internal/relay"
	"github.com/DimaJoyti/go-coffee/pkg/logger"
)

// Config configures one control-surface instance.
type Config struct {
	Addr     string
	APIKey   string
	ReadOnly bool
}

// Server is the control HTTP surface: health/metrics plus the handful of
// core operations spec.md §6 names (force-match by id, order/match/block
// inspection).
type Server struct {
	cfg    Config
	store  *redisstore.Store
	relays []*relay.Relay
	matcher *matching.Engine
	promReg *prometheus.Registry
	log    *logger.Logger

	http *http.Server
}

// New builds a Server bound to store/relays/matcher for request handling
// and promReg for the /metrics endpoint. Routes are registered immediately;
// nothing listens until ListenAndServe is called.
func New(cfg Config, store *redisstore.Store, relays []*relay.Relay, matcher *matching.Engine, promReg *prometheus.Registry, log *logger.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		relays:  relays,
		matcher: matcher,
		promReg: promReg,
		log:     log.Named("api"),
	}

	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.recoveryMiddleware)
	router.Use(s.authMiddleware)

	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/orders/{orderId}", s.handleGetOrder).Methods(http.MethodGet)
	router.HandleFunc("/orders/{orderId}/matches", s.handleGetOrderMatches).Methods(http.MethodGet)
	router.HandleFunc("/orders/{orderId}/force-match", s.handleForceMatch).Methods(http.MethodPost)
	router.HandleFunc("/blocks/recent", s.handleRecentBlocks).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the control surface until the server is
// shut down, returning nil on a graceful Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("control surface listening", "addr", s.cfg.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// publicPaths lists endpoints the auth middleware never gates, mirroring
// the teacher's isPublicEndpoint allow-list.
var publicPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" || publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-Api-Key") != s.cfg.APIKey {
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware stamps every request with a correlation id, so a
// request's log lines can be grepped end-to-end across the matching and
// execution pipeline's own Named loggers.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)

		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID)))

		s.log.Info("request",
			"request_id", requestID, "method", r.Method, "path", r.URL.Path,
			"status", wrapped.status, "duration", time.Since(start))
	})
}

type requestIDKey struct{}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("request panicked", "path", r.URL.Path, "panic", rec)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
