package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brojonat/solverify/service/config"
	"github.com/brojonat/solverify/service/metrics"
	"github.com/brojonat/solverify/service/session"
)

// Server represents the HTTP server for the verification service.
type Server struct {
	addr           string
	cfg            *config.Config
	session        *session.Session
	purchases      PurchaseLister
	hub            *EventHub
	verifier       Verifier
	purchaseStream *PurchaseStream
	metrics        *metrics.Metrics
	logger         *slog.Logger
	server         *http.Server
}

// Option configures optional server features.
type Option func(*Server)

// WithVerifier enables the durable verification endpoints.
func WithVerifier(v Verifier) Option {
	return func(s *Server) { s.verifier = v }
}

// WithPurchaseStream enables the NATS-backed purchase stream.
func WithPurchaseStream(p *PurchaseStream) Option {
	return func(s *Server) { s.purchaseStream = p }
}

// WithMetrics records HTTP metrics and serves /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a new HTTP server. hub must be the same hub whose Presenter
// was given to sess.
func New(addr string, cfg *config.Config, sess *session.Session, purchases PurchaseLister, hub *EventHub, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		addr:      addr,
		cfg:       cfg,
		session:   sess,
		purchases: purchases,
		hub:       hub,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	// Verification session routes
	route("POST /api/v1/verifications", "/api/v1/verifications", handleStartVerification(s.session, s.cfg.ReceiverAddress, s.logger))
	route("GET /api/v1/verifications", "/api/v1/verifications", handleGetVerification(s.session))
	route("DELETE /api/v1/verifications", "/api/v1/verifications", handleCancelVerification(s.session, s.logger))
	route("POST /api/v1/verifications/recheck", "/api/v1/verifications/recheck", handleRecheckVerification(s.session, s.logger))
	route("POST /api/v1/verifications/resume", "/api/v1/verifications/resume", handleResumeVerification(s.session, s.logger))
	route("GET /api/v1/verifications/events", "/api/v1/verifications/events", handleStreamSessionEvents(s.hub, s.session, s.metrics, s.logger))

	route("GET /api/v1/purchases", "/api/v1/purchases", handleListPurchases(s.purchases, s.logger))
	route("POST /api/v1/invoices", "/api/v1/invoices", handleCreateInvoice(s.cfg.ReceiverAddress, s.cfg.UnitPrice, s.logger))

	// Durable verification routes (if a Temporal client is configured)
	if s.verifier != nil {
		route("POST /api/v1/workflows/verifications", "/api/v1/workflows/verifications", handleStartWorkflow(s.verifier, s.cfg.ReceiverAddress, s.logger))
		route("GET /api/v1/workflows/verifications/{workflow_id}", "/api/v1/workflows/verifications/{id}", handleGetWorkflow(s.verifier, s.logger))
		route("POST /api/v1/workflows/verifications/{workflow_id}/recheck", "/api/v1/workflows/verifications/{id}/recheck", handleRecheckWorkflow(s.verifier, s.logger))
		route("DELETE /api/v1/workflows/verifications/{workflow_id}", "/api/v1/workflows/verifications/{id}", handleCancelWorkflow(s.verifier, s.logger))
	} else {
		s.logger.Warn("temporal client not configured, durable verification endpoints disabled")
	}

	// Purchase streaming endpoints (if NATS is configured)
	if s.purchaseStream != nil {
		route("GET /api/v1/stream/purchases/{address}", "/api/v1/stream/purchases/{address}", handleStreamPurchases(s.purchaseStream, s.metrics, s.logger))
		route("GET /api/v1/stream/purchases", "/api/v1/stream/purchases", handleStreamPurchases(s.purchaseStream, s.metrics, s.logger))
	} else {
		s.logger.Warn("NATS not configured, purchase streaming endpoints disabled")
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// SSE responses stay open; no write timeout.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Disconnect SSE clients first so Shutdown does not wait on them.
	s.hub.Close()
	if s.purchaseStream != nil {
		s.purchaseStream.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
