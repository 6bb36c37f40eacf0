package auth

import (
	"net/url"

	"github.com/pkg/errors"

	"github.com/strydr/strydr-auth/authcode"
	"github.com/strydr/strydr-auth/internal/oautherr"
	"github.com/strydr/strydr-auth/ratelimit"
)

// AuthorizeRequest carries the parameters of GET /oauth2/authorize plus the
// authenticated principal established by the transport layer. Login itself
// is outside this subsystem; by the time a request reaches the flow
// controller the user is known.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string

	UserID   string
	TenantID string

	// RateKey identifies the caller for the rate gate (IP or client id).
	RateKey string
}

// Validate checks the protocol-level shape of the request before any state
// is touched.
func (r *AuthorizeRequest) Validate() error {
	if r.ClientID == "" {
		return errors.Wrap(oautherr.ErrInvalidRequest, "[AuthorizeRequest] client_id is required")
	}
	if r.RedirectURI == "" {
		return errors.Wrap(oautherr.ErrInvalidRequest, "[AuthorizeRequest] redirect_uri is required")
	}
	if r.ResponseType != "code" {
		return errors.Wrap(oautherr.ErrInvalidRequest, "[AuthorizeRequest] response_type must be \"code\"")
	}
	if r.CodeChallenge == "" {
		return errors.Wrap(oautherr.ErrInvalidChallenge, "[AuthorizeRequest] code_challenge is required")
	}
	if r.CodeChallengeMethod != authcode.MethodS256 {
		return errors.Wrap(oautherr.ErrInvalidChallenge, "[AuthorizeRequest] code_challenge_method must be S256")
	}
	if r.UserID == "" || r.TenantID == "" {
		return errors.Wrap(oautherr.ErrInvalidRequest, "[AuthorizeRequest] authenticated principal is required")
	}
	return nil
}

// AuthorizeResult is the successful outcome: the location the user-agent is
// redirected to, with the code and echoed state in the query.
type AuthorizeResult struct {
	Code        string
	RedirectURL string
	RateLimit   ratelimit.Decision
}

func buildRedirectURL(redirectURI, code, state string) (string, error) {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return "", errors.Wrap(err, "[buildRedirectURL] parse redirect_uri")
	}
	query := parsed.Query()
	query.Set("code", code)
	if state != "" {
		query.Set("state", state)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// TokenRequest carries the form parameters of POST /oauth2/token for both
// supported grants.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string

	// authorization_code grant
	Code         string
	RedirectURI  string
	CodeVerifier string

	// refresh_token grant
	RefreshToken string

	RateKey string
}

// TokenResponse is the wire-level token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`

	RateLimit ratelimit.Decision `json:"-"`
}

// RateLimitError carries the gate decision for the 429 response headers.
type RateLimitError struct {
	Decision ratelimit.Decision
}

func (e *RateLimitError) Error() string {
	return oautherr.ErrRateLimited.Error()
}

// Unwrap lets errors.Is match the taxonomy sentinel.
func (e *RateLimitError) Unwrap() error {
	return oautherr.ErrRateLimited
}
