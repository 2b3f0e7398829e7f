package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/org/piiguard/internal/audit"
	"github.com/org/piiguard/internal/auth"
	"github.com/org/piiguard/internal/detect"
	"github.com/org/piiguard/internal/events"
	"github.com/org/piiguard/internal/policy"
	"github.com/org/piiguard/internal/profile"
	"github.com/org/piiguard/internal/vault"
	"github.com/org/piiguard/pkg/models"
	"github.com/rs/zerolog/log"
)

// Config holds server configuration.
type Config struct {
	ListenAddr  string
	TLSCertFile string
	TLSKeyFile  string

	// RateLimit is the sustained requests per second allowed per client IP.
	RateLimit float64
	RateBurst int

	// TrustProxy keys rate limits on X-Forwarded-For. Set it only when a
	// reverse proxy that appends that header fronts the server.
	TrustProxy bool

	// PrivilegedTTL bounds tokens issued on init and unlock. Zero means
	// they live until the vault locks.
	PrivilegedTTL time.Duration
}

// Deps are the collaborators a Server exposes over HTTP.
type Deps struct {
	Vault    *vault.Manager
	Profiles *profile.Manager
	Usage    *audit.Logger
	Contexts *detect.Registry
	Bus      *events.Bus
}

// Server is the API server.
type Server struct {
	vault    *vault.Manager
	profiles *profile.Manager
	usage    *audit.Logger
	contexts *detect.Registry
	hub      *events.Hub
	tokens   *auth.TokenService
	policy   *policy.Engine
	cfg      Config
	httpSrv  *http.Server
}

// NewServer creates a fully wired Server. Locking the vault revokes every
// privileged token so a new unlock is needed to regain access.
func NewServer(deps Deps, cfg Config) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 200
	}
	s := &Server{
		vault:    deps.Vault,
		profiles: deps.Profiles,
		usage:    deps.Usage,
		contexts: deps.Contexts,
		hub:      events.NewHub(deps.Bus),
		tokens:   auth.NewTokenService(),
		policy:   policy.NewEngine(policy.DefaultPolicies()),
		cfg:      cfg,
	}
	s.vault.OnLock(func() {
		n := s.tokens.RevokePolicy(models.PolicyPrivileged)
		pruned := s.tokens.Prune()
		log.Info().Int("revoked", n).Int("pruned", pruned).Msg("privileged tokens revoked on lock")
	})
	return s
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(s.cfg.RateLimit, s.cfg.RateBurst, s.cfg.TrustProxy).middleware)
	r.Use(requestLogMiddleware)

	r.Handle("/metrics", MetricsHandler())

	// Public routes
	r.Group(func(r chi.Router) {
		r.Get("/v1/sys/health", s.HealthHandler)
		r.Get("/v1/sys/status", s.StatusHandler)
		r.Post("/v1/sys/init", s.InitHandler)
		r.Post("/v1/sys/unlock", s.UnlockHandler)
	})

	// Token-gated routes; the policy engine decides per path.
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.tokens))
		r.Get("/v1/auth/lookup-self", s.TokenLookupSelfHandler)

		r.Group(func(r chi.Router) {
			r.Use(policyMiddleware(s.policy))

			r.Put("/v1/sys/lock", s.LockHandler)
			r.Delete("/v1/sys/session", s.SessionForgetHandler)

			r.Get("/v1/entries", s.EntriesListHandler)
			r.Post("/v1/entries", s.EntrySaveHandler)
			r.Get("/v1/entries/recent", s.EntriesRecentHandler)
			r.Delete("/v1/entries/{index}", s.EntryDeleteHandler)

			r.Get("/v1/profile", s.ProfileListHandler)
			r.Post("/v1/profile", s.ProfileAddHandler)
			r.Delete("/v1/profile/{index}", s.ProfileDeleteHandler)

			r.Get("/v1/index", s.IndexHandler)
			r.Post("/v1/index/compact", s.IndexCompactHandler)

			r.Get("/v1/logs", s.UsageLogHandler)

			r.Post("/v1/auth/restricted", s.RestrictedTokenHandler)
			r.Post("/v1/auth/revoke", s.TokenRevokeHandler)

			r.Post("/v1/contexts/{id}/activate", s.ContextActivateHandler)
			r.Post("/v1/contexts/{id}/events", s.ContextEventHandler)
			r.Delete("/v1/contexts/{id}", s.ContextCloseHandler)

			r.Get("/v1/events", s.hub.ServeHTTP)
		})
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	// No WriteTimeout: /v1/events holds websocket connections open.
	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown stops accepting requests and closes every detection context.
func (s *Server) Shutdown(ctx context.Context) error {
	s.contexts.CloseAll()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) issuePrivilegedToken() (string, *models.Token, error) {
	tok, plaintext, err := s.tokens.CreateToken("vault-session", []string{models.PolicyPrivileged}, s.cfg.PrivilegedTTL)
	if err != nil {
		return "", nil, fmt.Errorf("creating session token: %w", err)
	}
	return plaintext, tok, nil
}

func authResponse(plaintext string, tok *models.Token) map[string]any {
	return map[string]any{
		"client_token":   plaintext,
		"accessor":       tok.ID,
		"policies":       tok.Policies,
		"lease_duration": int(tok.TTL.Seconds()),
	}
}
