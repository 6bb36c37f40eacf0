// Package server exposes the OAuth2 surface over HTTP. Handlers stay thin:
// they parse the wire format, hand off to the authorization service, and
// translate taxonomy errors into RFC 6749 responses.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/strydr/strydr-auth/auth"
	"github.com/strydr/strydr-auth/clients"
	"github.com/strydr/strydr-auth/credentials"
	"github.com/strydr/strydr-auth/internal/config"
	"github.com/strydr/strydr-auth/ratelimit"
	"github.com/strydr/strydr-auth/token/keys"
)

const (
	RouteRegister      = "/oauth2/register"
	RouteAuthorize     = "/oauth2/authorize"
	RouteToken         = "/oauth2/token"
	RouteRevoke        = "/oauth2/revoke"
	RouteJWKS          = "/oauth2/jwks"
	RouteJWKSWellKnown = "/.well-known/jwks.json"
	RouteDiscovery     = "/.well-known/oauth-authorization-server"
	RouteHealth        = "/health"

	RouteCredential = "/providers/{provider}/credential"
)

const contentTypeJSON = "application/json; charset=utf-8"

type Server struct {
	router      chi.Router
	config      config.Config
	auth        *auth.AuthorizationService
	registry    *clients.Registry
	keyManager  *keys.Manager
	credentials *credentials.Store
	gate        ratelimit.Gate
	logger      zerolog.Logger
}

type ServerOption func(*Server)

// WithRateGate installs the gate consulted by the registration endpoint.
// The authorize and token endpoints are gated inside the authorization
// service.
func WithRateGate(gate ratelimit.Gate) ServerOption {
	return func(s *Server) {
		s.gate = gate
	}
}

func WithLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCredentialStore mounts the provider-credential endpoints. Without a
// store the routes are not registered.
func WithCredentialStore(store *credentials.Store) ServerOption {
	return func(s *Server) {
		s.credentials = store
	}
}

func New(cfg config.Config, authService *auth.AuthorizationService, registry *clients.Registry, keyManager *keys.Manager, options ...ServerOption) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		config:     cfg,
		auth:       authService,
		registry:   registry,
		keyManager: keyManager,
		gate:       ratelimit.AllowAll{},
		logger:     log.With().Str("component", "server").Logger(),
	}
	for _, option := range options {
		option(s)
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Post(RouteRegister, s.Register())
	s.router.Get(RouteAuthorize, s.Authorize())
	s.router.Post(RouteToken, s.Token())
	s.router.Post(RouteRevoke, s.Revoke())
	s.router.Get(RouteJWKS, s.JWKS())
	s.router.Get(RouteJWKSWellKnown, s.JWKS())
	s.router.Get(RouteDiscovery, s.Discovery())
	s.router.Get(RouteHealth, s.Health())

	if s.credentials != nil {
		s.router.Put(RouteCredential, s.PutCredential())
		s.router.Get(RouteCredential, s.GetCredential())
		s.router.Delete(RouteCredential, s.DeleteCredential())
	}

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
