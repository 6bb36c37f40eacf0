package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/strydr/strydr-auth/credentials"
	"github.com/strydr/strydr-auth/internal/oautherr"
)

// providerToken is the wire form of a stored provider credential.
type providerToken struct {
	AccessToken  string    `json:"access_token" validate:"required"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

func (p providerToken) toOAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  p.AccessToken,
		TokenType:    p.TokenType,
		RefreshToken: p.RefreshToken,
		Expiry:       p.Expiry,
	}
}

func providerTokenFromOAuth2(token *oauth2.Token) providerToken {
	return providerToken{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
}

// PutCredential stores a provider token for the caller. The principal comes
// from the bearer token; the record is sealed under the caller's tenant key
// before it reaches storage.
func (s *Server) PutCredential() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.bearerClaims(r)
		if err != nil {
			writeJSONError(w, "access_denied", "valid bearer token required", http.StatusUnauthorized)
			return
		}

		var token providerToken
		if err := json.NewDecoder(r.Body).Decode(&token); err != nil {
			writeJSONError(w, "invalid_request", "malformed JSON body", http.StatusBadRequest)
			return
		}
		if err := validate.Struct(token); err != nil {
			writeJSONError(w, "invalid_request", err.Error(), http.StatusBadRequest)
			return
		}

		provider := chi.URLParam(r, "provider")
		if err := s.credentials.Put(r.Context(), claims.TenantID, claims.Subject, provider, token.toOAuth2()); err != nil {
			s.writeTaxonomyError(w, err)
			return
		}

		s.logger.Info().
			Str("tenant_id", claims.TenantID).
			Str("user_id", claims.Subject).
			Str("provider", provider).
			Msg("provider credential stored")
		w.WriteHeader(http.StatusNoContent)
	}
}

// GetCredential opens and returns the caller's provider token. An integrity
// failure surfaces as a generic authentication failure.
func (s *Server) GetCredential() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.bearerClaims(r)
		if err != nil {
			writeJSONError(w, "access_denied", "valid bearer token required", http.StatusUnauthorized)
			return
		}

		provider := chi.URLParam(r, "provider")
		token, err := s.credentials.Get(r.Context(), claims.TenantID, claims.Subject, provider)
		if errors.Is(err, credentials.ErrNotFound) {
			writeJSONError(w, "not_found", "no credential for provider", http.StatusNotFound)
			return
		}
		if errors.Is(err, oautherr.ErrEncryptionIntegrity) {
			s.logger.Error().
				Str("tenant_id", claims.TenantID).
				Str("user_id", claims.Subject).
				Str("provider", provider).
				Msg("credential integrity failure")
			writeJSONError(w, "access_denied", "authentication failed", http.StatusUnauthorized)
			return
		}
		if err != nil {
			s.writeTaxonomyError(w, err)
			return
		}

		w.Header().Set("Content-Type", contentTypeJSON)
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(providerTokenFromOAuth2(token))
	}
}

// DeleteCredential removes the caller's provider token.
func (s *Server) DeleteCredential() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.bearerClaims(r)
		if err != nil {
			writeJSONError(w, "access_denied", "valid bearer token required", http.StatusUnauthorized)
			return
		}

		provider := chi.URLParam(r, "provider")
		if err := s.credentials.Delete(r.Context(), claims.TenantID, claims.Subject, provider); err != nil {
			s.writeTaxonomyError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
