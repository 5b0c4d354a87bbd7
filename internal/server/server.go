// Package server wires the keygate HTTP API: public license endpoints
// guarded by product secrets and the threat gate, and the admin surface
// behind JWT sessions.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/keygatehq/keygate/internal/handler"
	"github.com/keygatehq/keygate/internal/openapi"
	"github.com/keygatehq/keygate/internal/server/middleware"
	"github.com/keygatehq/keygate/internal/service"
	"github.com/keygatehq/keygate/internal/store"
	"github.com/keygatehq/keygate/internal/threat"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	RateLimit       int
	RatePeriod      time.Duration
	JWTTTL          time.Duration
	ThreatEnabled   bool
	Version         string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8443,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		RateLimit:       60,
		RatePeriod:      time.Minute,
		JWTTTL:          time.Hour,
		ThreatEnabled:   true,
		Version:         "dev",
	}
}

// Server is the top-level HTTP server for keygate. It owns the Chi router,
// the store, the threat ledger, and the activation orchestrator.
type Server struct {
	cfg        Config
	router     chi.Router
	store      *store.Store
	authSvc    *service.AuthService
	orch       *service.Orchestrator
	ledger     *threat.Ledger
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, st *store.Store, authSvc *service.AuthService, orch *service.Orchestrator, ledger *threat.Ledger, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		store:   st,
		authSvc: authSvc,
		orch:    orch,
		ledger:  ledger,
		logger:  logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.ProductSecretHeader, "X-Requested-With"},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))
	if s.cfg.ThreatEnabled {
		r.Use(middleware.ThreatGate(s.ledger))
	}

	// --- Health checks (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	// --- OpenAPI spec (no auth required) ---
	spec := openapi.BuildSpec(fmt.Sprintf("http://%s:%d", s.cfg.Host, s.cfg.Port), s.cfg.Version)
	r.Get("/openapi.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(spec)
	})

	// --- API routes ---
	r.Route("/api/v1", func(r chi.Router) {

		// Client-facing license endpoints, authenticated per product
		r.Route("/license", func(r chi.Router) {
			r.Use(middleware.RateLimit(s.cfg.RateLimit, s.cfg.RatePeriod))
			r.Use(middleware.ProductAuth(s.authSvc))

			actHandler := handler.NewActivationHandler(s.orch)
			r.Post("/activate", actHandler.Activate)
			r.Post("/trial", actHandler.RequestTrial)
			r.Post("/status", actHandler.CheckStatus)
			r.Post("/deactivate", actHandler.Deactivate)
			r.Post("/renew", actHandler.Renew)
			r.Post("/reset/request", actHandler.RequestReset)
			r.Post("/reset/confirm", actHandler.ConfirmReset)
		})

		// Admin surface
		r.Route("/admin", func(r chi.Router) {
			admHandler := handler.NewAdminHandler(s.store, s.authSvc, s.ledger, s.cfg.JWTTTL)

			// Session endpoints are unauthenticated (login) or self-authenticated (logout)
			r.Post("/session", admHandler.Login)
			r.Delete("/session", admHandler.Logout)

			// Everything else requires a valid admin session
			r.Group(func(r chi.Router) {
				r.Use(middleware.AdminAuth(s.authSvc))

				r.Get("/product", admHandler.ListProducts)
				r.Post("/product", admHandler.CreateProduct)
				r.Get("/product/{productId}", admHandler.GetProduct)
				r.Post("/product/{productId}/rotate-keys", admHandler.RotateProductKeys)

				r.Get("/product/{productId}/type", admHandler.ListLicenseTypes)
				r.Post("/product/{productId}/type", admHandler.CreateLicenseType)

				r.Get("/product/{productId}/license", admHandler.ListLicenses)
				r.Post("/product/{productId}/license", admHandler.CreateLicense)
				r.Get("/license/{licenseId}", admHandler.GetLicense)
				r.Post("/license/{licenseId}/revoke", admHandler.RevokeLicense)
				r.Post("/license/{licenseId}/reset", admHandler.ResetLicense)

				r.Get("/ban", admHandler.ListBans)
				r.Post("/ban", admHandler.CreateBan)
				r.Delete("/ban/{ip}", admHandler.DeleteBan)
			})
		})
	})

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the store answers a
// ping, or 503 when it does not.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		status = "degraded: " + err.Error()
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{"status": status})
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests before returning.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start server in background goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
