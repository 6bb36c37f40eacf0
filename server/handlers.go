package server

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/strydr/strydr-auth/auth"
	"github.com/strydr/strydr-auth/authcode"
	"github.com/strydr/strydr-auth/clients"
	"github.com/strydr/strydr-auth/internal/oautherr"
	"github.com/strydr/strydr-auth/ratelimit"
	"github.com/strydr/strydr-auth/token"
)

var validate = validator.New()

// RegisterRequest is the JSON body of POST /oauth2/register.
type RegisterRequest struct {
	Name         string   `json:"name" validate:"required,max=128"`
	RedirectURIs []string `json:"redirect_uris" validate:"required,min=1,dive,url"`
	GrantTypes   []string `json:"grant_types" validate:"required,min=1"`
}

// RegisterResponse returns the client secret exactly once; it is stored
// only as a hash.
type RegisterResponse struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Name         string   `json:"name"`
	RedirectURIs []string `json:"redirect_uris"`
	GrantTypes   []string `json:"grant_types"`
}

// Register creates an OAuth client.
func (s *Server) Register() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		decision := s.gate.Check(rateKey(r), ratelimit.ClassRegister)
		setRateHeaders(w, decision)
		if !decision.Allowed {
			writeJSONError(w, "slow_down", "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		var req RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, "invalid_request", "malformed JSON body", http.StatusBadRequest)
			return
		}
		if err := validate.Struct(req); err != nil {
			writeJSONError(w, "invalid_request", err.Error(), http.StatusBadRequest)
			return
		}

		grantTypes := make([]clients.GrantType, len(req.GrantTypes))
		for i, gt := range req.GrantTypes {
			grantType := clients.GrantType(gt)
			if !clients.ValidGrantType(grantType) {
				writeJSONError(w, "invalid_request", "unsupported grant type: "+gt, http.StatusBadRequest)
				return
			}
			grantTypes[i] = grantType
		}

		client, secret, err := s.registry.Register(r.Context(), req.Name, req.RedirectURIs, grantTypes)
		if err != nil {
			s.writeTaxonomyError(w, err)
			return
		}

		s.logger.Info().Str("client_id", client.ID).Str("name", client.Name).Msg("client registered")

		w.Header().Set("Content-Type", contentTypeJSON)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(RegisterResponse{
			ClientID:     client.ID,
			ClientSecret: secret,
			Name:         client.Name,
			RedirectURIs: req.RedirectURIs,
			GrantTypes:   req.GrantTypes,
		})
	}
}

// Authorize runs the authorization leg. The resource owner is the caller:
// an agent presenting its own bearer token. On success the client is sent
// a 302 to its redirect URI with code and state in the query.
func (s *Server) Authorize() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.bearerClaims(r)
		if err != nil {
			writeJSONError(w, "access_denied", "authorization requires a valid bearer token", http.StatusUnauthorized)
			return
		}

		query := r.URL.Query()
		result, err := s.auth.Authorize(r.Context(), auth.AuthorizeRequest{
			ClientID:            query.Get("client_id"),
			RedirectURI:         query.Get("redirect_uri"),
			ResponseType:        query.Get("response_type"),
			Scope:               query.Get("scope"),
			State:               query.Get("state"),
			CodeChallenge:       query.Get("code_challenge"),
			CodeChallengeMethod: query.Get("code_challenge_method"),
			UserID:              claims.Subject,
			TenantID:            claims.TenantID,
			RateKey:             rateKey(r),
		})
		if err != nil {
			s.writeTaxonomyError(w, err)
			return
		}

		setRateHeaders(w, result.RateLimit)
		http.Redirect(w, r, result.RedirectURL, http.StatusFound)
	}
}

// Token exchanges an authorization code or refresh token for tokens.
func (s *Server) Token() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeJSONError(w, "invalid_request", "failed to parse form data", http.StatusBadRequest)
			return
		}

		response, err := s.auth.Token(r.Context(), auth.TokenRequest{
			GrantType:    r.FormValue("grant_type"),
			ClientID:     r.FormValue("client_id"),
			ClientSecret: r.FormValue("client_secret"),
			Code:         r.FormValue("code"),
			RedirectURI:  r.FormValue("redirect_uri"),
			CodeVerifier: r.FormValue("code_verifier"),
			RefreshToken: r.FormValue("refresh_token"),
			RateKey:      rateKey(r),
		})
		if err != nil {
			s.writeTaxonomyError(w, err)
			return
		}

		setRateHeaders(w, response.RateLimit)
		w.Header().Set("Content-Type", contentTypeJSON)
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		_ = json.NewEncoder(w).Encode(response)
	}
}

// Revoke revokes a refresh token per RFC 7009: unknown and already-revoked
// tokens still return 200.
func (s *Server) Revoke() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeJSONError(w, "invalid_request", "failed to parse form data", http.StatusBadRequest)
			return
		}

		token := r.FormValue("token")
		if token == "" {
			writeJSONError(w, "invalid_request", "token parameter is required", http.StatusBadRequest)
			return
		}

		err := s.auth.Revoke(r.Context(), r.FormValue("client_id"), r.FormValue("client_secret"), token)
		if err != nil {
			s.writeTaxonomyError(w, err)
			return
		}

		w.WriteHeader(http.StatusOK)
	}
}

// JWKS serves the public half of every verification-eligible signing key.
func (s *Server) JWKS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentTypeJSON)
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(s.keyManager.JWKS())
	}
}

// Discovery serves the RFC 8414 authorization server metadata document.
func (s *Server) Discovery() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		baseURL := strings.TrimSuffix(s.config.GetBaseURL(), "/")

		resp := map[string]any{
			"issuer":                 baseURL,
			"authorization_endpoint": baseURL + RouteAuthorize,
			"token_endpoint":         baseURL + RouteToken,
			"revocation_endpoint":    baseURL + RouteRevoke,
			"registration_endpoint":  baseURL + RouteRegister,
			"jwks_uri":               baseURL + RouteJWKS,

			"response_types_supported": []string{"code"},
			"grant_types_supported": []string{
				string(clients.GrantAuthorizationCode),
				string(clients.GrantRefreshToken),
			},
			"code_challenge_methods_supported": []string{authcode.MethodS256},
			"token_endpoint_auth_methods_supported": []string{
				"client_secret_post",
			},
		}

		w.Header().Set("Content-Type", contentTypeJSON)
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func (s *Server) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentTypeJSON)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"service": s.config.GetAppName(),
		})
	}
}

func (s *Server) bearerClaims(r *http.Request) (*token.AccessClaims, error) {
	header := r.Header.Get("Authorization")
	raw, found := strings.CutPrefix(header, "Bearer ")
	if !found || raw == "" {
		return nil, errors.New("missing bearer token")
	}
	return s.auth.VerifyAccessToken(raw)
}

// writeTaxonomyError maps a service error onto its RFC 6749 wire form.
func (s *Server) writeTaxonomyError(w http.ResponseWriter, err error) {
	var rateErr *auth.RateLimitError
	if errors.As(err, &rateErr) {
		setRateHeaders(w, rateErr.Decision)
		writeJSONError(w, oautherr.Code(err), "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	code := oautherr.Code(err)
	status := http.StatusBadRequest
	switch code {
	case "invalid_client":
		status = http.StatusUnauthorized
	case "server_error":
		status = http.StatusInternalServerError
		s.logger.Error().Err(err).Msg("request failed")
	}
	writeJSONError(w, code, err.Error(), status)
}

func writeJSONError(w http.ResponseWriter, errorCode, description string, statusCode int) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errorCode,
		"error_description": description,
	})
}

func setRateHeaders(w http.ResponseWriter, decision ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	if !decision.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
	}
	if !decision.Allowed && decision.RetryAfter > 0 {
		seconds := int(decision.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
}

func rateKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
