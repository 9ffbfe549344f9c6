package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/org/phivault/internal/audit"
	"github.com/org/phivault/internal/crypto"
	"github.com/org/phivault/internal/retention"
	"github.com/org/phivault/internal/rotation"
	"github.com/org/phivault/internal/storage"
	"github.com/org/phivault/pkg/models"
	"github.com/rs/zerolog/log"
)

// Config holds server configuration.
type Config struct {
	ListenAddr   string
	TLSCertFile  string
	TLSKeyFile   string
	ServiceToken string
}

// Server is the operational API for the PHI protection subsystem.
// Upstream PHI-handling services call the crypto and audit endpoints;
// operators use the rotation and retention endpoints.
type Server struct {
	engine   *crypto.Engine
	recorder *audit.Recorder
	monitor  *rotation.Monitor
	enforcer *retention.Enforcer
	store    storage.Store
	policy   models.RetentionPolicy
	cfg      Config
	httpSrv  *http.Server
}

// NewServer creates a fully wired Server.
func NewServer(
	engine *crypto.Engine,
	recorder *audit.Recorder,
	monitor *rotation.Monitor,
	enforcer *retention.Enforcer,
	store storage.Store,
	policy models.RetentionPolicy,
	cfg Config,
) *Server {
	return &Server{
		engine:   engine,
		recorder: recorder,
		monitor:  monitor,
		enforcer: enforcer,
		store:    store,
		policy:   policy,
		cfg:      cfg,
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(100, 200).middleware)
	r.Use(selfAuditMiddleware(s.recorder))

	// Prometheus metrics (unauthenticated)
	r.Handle("/metrics", MetricsHandler())

	// Public routes
	r.Get("/v1/sys/health", s.HealthHandler)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(serviceTokenMiddleware(s.cfg.ServiceToken))

		// Field crypto
		r.Post("/v1/crypto/encrypt", s.EncryptHandler)
		r.Post("/v1/crypto/decrypt", s.DecryptHandler)
		r.Post("/v1/crypto/hash", s.SearchHashHandler)

		// Audit trail
		r.Post("/v1/audit/events", s.AuditRecordHandler)
		r.Get("/v1/audit/events", s.AuditQueryHandler)
		r.Get("/v1/audit/verify", s.AuditVerifyHandler)

		// Key rotation
		r.Get("/v1/rotation/status", s.RotationStatusHandler)
		r.Post("/v1/rotation/rotations", s.RotationRecordHandler)

		// Retention
		r.Post("/v1/retention/run", s.RetentionRunHandler)
		r.Get("/v1/retention/stats", s.RetentionStatsHandler)
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		tlsCfg := &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		s.httpSrv.TLSConfig = tlsCfg
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
