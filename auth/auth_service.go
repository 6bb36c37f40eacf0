// Package auth implements the authorization flow controller: the state
// machine behind the register, authorize and token endpoints. It owns no
// storage of its own; codes, refresh tokens and keys live behind their
// stores, and the storage layer arbitrates every single-use transition.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/strydr/strydr-auth/authcode"
	"github.com/strydr/strydr-auth/clients"
	"github.com/strydr/strydr-auth/internal/oautherr"
	"github.com/strydr/strydr-auth/ratelimit"
	"github.com/strydr/strydr-auth/token"
	"github.com/strydr/strydr-auth/token/refresh"
)

// Stores holds all storage dependencies for the AuthorizationService.
type Stores struct {
	Clients *clients.Registry
	Codes   *authcode.Store
	Refresh *refresh.Store
}

// AuthorizationService orchestrates the OAuth2 authorization-code and
// refresh-token grants.
type AuthorizationService struct {
	stores  Stores
	codec   *token.Codec
	gate    ratelimit.Gate
	nowTime func() time.Time
	logger  zerolog.Logger
}

type AuthorizationServiceOption func(*AuthorizationService)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) AuthorizationServiceOption {
	return func(as *AuthorizationService) {
		as.nowTime = nowFunc
	}
}

// WithRateGate replaces the default unlimited gate.
func WithRateGate(gate ratelimit.Gate) AuthorizationServiceOption {
	return func(as *AuthorizationService) {
		as.gate = gate
	}
}

func NewAuthorizationService(stores Stores, codec *token.Codec, options ...AuthorizationServiceOption) (*AuthorizationService, error) {
	if stores.Clients == nil {
		return nil, errors.New("[NewAuthorizationService] Clients registry is required")
	}
	if stores.Codes == nil {
		return nil, errors.New("[NewAuthorizationService] Codes store is required")
	}
	if stores.Refresh == nil {
		return nil, errors.New("[NewAuthorizationService] Refresh store is required")
	}
	if codec == nil {
		return nil, errors.New("[NewAuthorizationService] codec is required")
	}

	as := &AuthorizationService{
		stores:  stores,
		codec:   codec,
		gate:    ratelimit.AllowAll{},
		nowTime: time.Now,
		logger:  log.With().Str("component", "authservice").Logger(),
	}
	for _, opt := range options {
		opt(as)
	}
	return as, nil
}

// Authorize validates the authorization request and mints a single-use code
// bound to the client, principal and PKCE challenge. No state is created on
// any validation failure.
func (as *AuthorizationService) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	decision := as.gate.Check(req.RateKey, ratelimit.ClassAuthorize)
	if !decision.Allowed {
		return nil, &RateLimitError{Decision: decision}
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}

	client, err := as.stores.Clients.Get(ctx, req.ClientID)
	if err != nil {
		return nil, oautherr.ErrInvalidClient
	}
	if client.Disabled {
		return nil, oautherr.ErrInvalidClient
	}
	if !client.HasGrantType(clients.GrantAuthorizationCode) {
		return nil, errors.Wrap(oautherr.ErrInvalidClient, "[Authorize] client not allowed the authorization_code grant")
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		return nil, errors.Wrapf(oautherr.ErrInvalidRedirect, "[Authorize] redirect_uri not registered for client %s", client.ID)
	}

	code, err := as.stores.Codes.Issue(ctx, client.ID, req.UserID, req.TenantID, req.RedirectURI, req.CodeChallenge, req.Scope)
	if err != nil {
		return nil, errors.Wrap(err, "[Authorize] issue code")
	}

	redirectURL, err := buildRedirectURL(req.RedirectURI, code.Code, req.State)
	if err != nil {
		return nil, errors.Wrap(err, "[Authorize] build redirect")
	}

	return &AuthorizeResult{
		Code:        code.Code,
		RedirectURL: redirectURL,
		RateLimit:   decision,
	}, nil
}

// Token dispatches a token-endpoint request to the grant handler.
func (as *AuthorizationService) Token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	decision := as.gate.Check(req.RateKey, ratelimit.ClassToken)
	if !decision.Allowed {
		return nil, &RateLimitError{Decision: decision}
	}

	switch req.GrantType {
	case string(clients.GrantAuthorizationCode):
		return as.exchangeAuthorizationCode(ctx, req, decision)
	case string(clients.GrantRefreshToken):
		return as.exchangeRefreshToken(ctx, req, decision)
	default:
		return nil, errors.Wrapf(oautherr.ErrInvalidRequest, "[Token] unsupported grant_type %q", req.GrantType)
	}
}

// exchangeAuthorizationCode validates the code's bindings and PKCE proof
// before the single conditional consume. Validation failures leave the code
// unconsumed; concurrent winners are decided by the storage layer alone.
func (as *AuthorizationService) exchangeAuthorizationCode(ctx context.Context, req TokenRequest, decision ratelimit.Decision) (*TokenResponse, error) {
	client, err := as.stores.Clients.Authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if req.Code == "" {
		return nil, errors.Wrap(oautherr.ErrInvalidRequest, "[Token] code is required")
	}

	code, err := as.stores.Codes.Get(ctx, req.Code)
	if err != nil {
		return nil, err
	}
	if code.ClientID != client.ID {
		return nil, oautherr.ErrInvalidGrant
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, errors.Wrap(oautherr.ErrInvalidRedirect, "[Token] redirect_uri does not match the authorization request")
	}
	if !verifyPKCE(code.CodeChallenge, req.CodeVerifier) {
		return nil, errors.Wrap(oautherr.ErrInvalidChallenge, "[Token] code_verifier mismatch")
	}

	consumed, err := as.stores.Codes.Consume(ctx, req.Code)
	if err != nil {
		return nil, err
	}

	// The consume stands even if the caller has gone away; handing the
	// code back would reopen the replay window.
	return as.mintPair(context.WithoutCancel(ctx), client.ID, consumed.UserID, consumed.TenantID, consumed.Scope, decision)
}

// exchangeRefreshToken atomically consumes the presented token and mints
// the successor pair. Reuse of a token that already has a successor is a
// security event: the whole family is revoked.
func (as *AuthorizationService) exchangeRefreshToken(ctx context.Context, req TokenRequest, decision ratelimit.Decision) (*TokenResponse, error) {
	client, err := as.stores.Clients.Authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if req.RefreshToken == "" {
		return nil, errors.Wrap(oautherr.ErrInvalidRequest, "[Token] refresh_token is required")
	}

	consumed, err := as.stores.Refresh.Consume(ctx, req.RefreshToken)
	if err != nil {
		as.detectReuse(ctx, req.RefreshToken)
		return nil, oautherr.ErrInvalidGrant
	}

	if consumed.ClientID != client.ID {
		// A valid token presented by the wrong client: the consume stands,
		// and the whole family is burned.
		as.revokeFamilyForEvent(ctx, consumed, "refresh token presented by foreign client")
		return nil, oautherr.ErrInvalidGrant
	}

	ctx = context.WithoutCancel(ctx)

	successor, err := as.stores.Refresh.IssueSuccessor(ctx, consumed)
	if err != nil {
		return nil, errors.Wrap(err, "[Token] issue successor")
	}

	accessToken, _, err := as.codec.Sign(consumed.UserID, consumed.TenantID, client.ID, consumed.Scope)
	if err != nil {
		return nil, errors.Wrap(err, "[Token] sign access token")
	}

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(as.codec.Expiry().Seconds()),
		RefreshToken: successor.Token,
		Scope:        consumed.Scope,
		RateLimit:    decision,
	}, nil
}

// detectReuse probes a token that failed to consume. A revoked token
// showing up again means its value leaked or a replay is underway; the
// family is revoked either way. Expired-but-unrevoked tokens are ordinary
// failures, not events.
func (as *AuthorizationService) detectReuse(ctx context.Context, rawToken string) {
	stored, err := as.stores.Refresh.Get(ctx, rawToken)
	if err != nil || stored.RevokedAt == nil {
		return
	}
	reason := "reuse of revoked refresh token"
	if stored.Replaced() {
		reason = "reuse of replaced refresh token"
	}
	as.revokeFamilyForEvent(ctx, stored, reason)
}

func (as *AuthorizationService) revokeFamilyForEvent(ctx context.Context, stored *refresh.Token, reason string) {
	revoked, err := as.stores.Refresh.RevokeFamily(context.WithoutCancel(ctx), stored.FamilyID)
	if err != nil {
		as.logger.Error().Err(err).Str("family_id", stored.FamilyID).Msg("family revocation failed")
		return
	}
	as.logger.Warn().
		Str("event", "refresh_token_reuse").
		Str("reason", reason).
		Str("family_id", stored.FamilyID).
		Str("client_id", stored.ClientID).
		Str("tenant_id", stored.TenantID).
		Str("user_id", stored.UserID).
		Int64("revoked", revoked).
		Msg("token family revoked")
}

func (as *AuthorizationService) mintPair(ctx context.Context, clientID, userID, tenantID, scope string, decision ratelimit.Decision) (*TokenResponse, error) {
	accessToken, _, err := as.codec.Sign(userID, tenantID, clientID, scope)
	if err != nil {
		return nil, errors.Wrap(err, "[mintPair] sign access token")
	}

	refreshToken, err := as.stores.Refresh.Issue(ctx, clientID, userID, tenantID, scope)
	if err != nil {
		return nil, errors.Wrap(err, "[mintPair] issue refresh token")
	}

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(as.codec.Expiry().Seconds()),
		RefreshToken: refreshToken.Token,
		Scope:        scope,
		RateLimit:    decision,
	}, nil
}

// Revoke invalidates a refresh token on behalf of its client (logout).
// Revoking an unknown or already-revoked token succeeds, per RFC 7009.
func (as *AuthorizationService) Revoke(ctx context.Context, clientID, clientSecret, rawToken string) error {
	if _, err := as.stores.Clients.Authenticate(ctx, clientID, clientSecret); err != nil {
		return err
	}
	return as.stores.Refresh.Revoke(ctx, rawToken)
}

// VerifyAccessToken exposes codec verification to the transport layer for
// authenticating the authorize endpoint's principal.
func (as *AuthorizationService) VerifyAccessToken(rawToken string) (*token.AccessClaims, error) {
	return as.codec.Verify(rawToken)
}

func verifyPKCE(storedChallenge, verifier string) bool {
	if verifier == "" {
		return false
	}
	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedChallenge)) == 1
}
