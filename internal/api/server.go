// Package api hosts the HTTP surface: health and readiness probes,
// Prometheus metrics, tracking-event ingestion, and the read-only
// domain reputation endpoints. Everything else the product does over
// HTTP lives outside this core.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/outflowhq/outflow/internal/dispatch"
	"github.com/outflowhq/outflow/internal/queue"
	"github.com/outflowhq/outflow/internal/ratelimit"
	"github.com/outflowhq/outflow/internal/reputation"
	"github.com/outflowhq/outflow/internal/store"
)

// Config holds the server's listen settings.
type Config struct {
	ListenAddr string
}

// Reputation is the read surface the domain endpoints need. The
// reputation service implements it.
type Reputation interface {
	SendingLimits(ctx context.Context, domainID string) (reputation.SendingLimits, error)
	GoodStanding(ctx context.Context, domainID string) (bool, error)
	Snapshot(ctx context.Context, domainID string) (*store.DomainReputation, error)
}

// Deps are the collaborators behind the HTTP surface. RateLimit may be
// nil when the limiter is disabled outright.
type Deps struct {
	Broker     queue.Broker
	Reputation Reputation
	RateLimit  *ratelimit.Middleware
	Ready      func(ctx context.Context) error
	Logger     *slog.Logger
}

// Server is the HTTP front of the service.
type Server struct {
	broker     queue.Broker
	reputation Reputation
	rateLimit  *ratelimit.Middleware
	ready      func(ctx context.Context) error
	logger     *slog.Logger
	router     *mux.Router
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer builds the server and its routes.
func NewServer(cfg Config, deps Deps) *Server {
	listenAddr := cfg.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	s := &Server{
		broker:     deps.Broker,
		reputation: deps.Reputation,
		rateLimit:  deps.RateLimit,
		ready:      deps.Ready,
		logger:     deps.Logger.With("component", "api"),
		startedAt:  time.Now(),
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)
	if s.rateLimit != nil {
		r.Use(s.rateLimit.Handler)
	}

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()

	events := v1.PathPrefix("/events").Subrouter()
	events.HandleFunc("/delivery", s.handleTrackingEvent(dispatch.TrackingDelivery)).Methods(http.MethodPost)
	events.HandleFunc("/open", s.handleTrackingEvent(dispatch.TrackingOpen)).Methods(http.MethodPost)
	events.HandleFunc("/click", s.handleTrackingEvent(dispatch.TrackingClick)).Methods(http.MethodPost)
	events.HandleFunc("/bounce", s.handleTrackingEvent(dispatch.TrackingBounce)).Methods(http.MethodPost)
	events.HandleFunc("/complaint", s.handleTrackingEvent(dispatch.TrackingComplaint)).Methods(http.MethodPost)
	events.HandleFunc("/reply", s.handleTrackingEvent(dispatch.TrackingReply)).Methods(http.MethodPost)

	v1.HandleFunc("/domains/{id}/sending-limits", s.handleSendingLimits).Methods(http.MethodGet)
	v1.HandleFunc("/domains/{id}/standing", s.handleStanding).Methods(http.MethodGet)

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/log-level", s.handleGetLogLevel).Methods(http.MethodGet)
	admin.HandleFunc("/log-level", s.handleSetLogLevel).Methods(http.MethodPut)

	return r
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background. Bind failures
// are returned synchronously so startup can abort.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.httpServer.Addr, err)
	}

	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
