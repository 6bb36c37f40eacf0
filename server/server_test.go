package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/strydr/strydr-auth/auth"
	"github.com/strydr/strydr-auth/authcode"
	"github.com/strydr/strydr-auth/clients"
	"github.com/strydr/strydr-auth/credentials"
	"github.com/strydr/strydr-auth/internal/config"
	"github.com/strydr/strydr-auth/ratelimit"
	"github.com/strydr/strydr-auth/server"
	"github.com/strydr/strydr-auth/tenantcrypto"
	"github.com/strydr/strydr-auth/token"
	"github.com/strydr/strydr-auth/token/keys"
	"github.com/strydr/strydr-auth/token/refresh"
)

const (
	testRedirectURI   = "https://app.example/cb"
	testCodeVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testCodeChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

type serverFixture struct {
	server      *server.Server
	codec       *token.Codec
	registry    *clients.Registry
	bearerToken string

	clientID     string
	clientSecret string
}

func setupServerFixture(t *testing.T, options ...server.ServerOption) *serverFixture {
	t.Helper()
	ctx := context.Background()
	f := &serverFixture{}

	registry, err := clients.NewRegistry(clients.NewInMemoryRepo())
	require.NoError(t, err)
	f.registry = registry

	client, secret, err := registry.Register(ctx, "Coach Agent",
		[]string{testRedirectURI},
		[]clients.GrantType{clients.GrantAuthorizationCode, clients.GrantRefreshToken})
	require.NoError(t, err)
	f.clientID = client.ID
	f.clientSecret = secret

	codeStore, err := authcode.NewStore(authcode.NewInMemoryRepo())
	require.NoError(t, err)
	refreshStore, err := refresh.NewStore(refresh.NewInMemoryRepo())
	require.NoError(t, err)

	keyManager, err := keys.NewManager(ctx, keys.NewInMemoryRepo())
	require.NoError(t, err)
	codec, err := token.NewCodec(keyManager, "https://auth.strydr.test")
	require.NoError(t, err)
	f.codec = codec

	service, err := auth.NewAuthorizationService(auth.Stores{
		Clients: registry,
		Codes:   codeStore,
		Refresh: refreshStore,
	}, codec)
	require.NoError(t, err)

	raw, _, err := codec.Sign("user-1", "tenant-1", "bootstrap", "activities:read")
	require.NoError(t, err)
	f.bearerToken = raw

	root, err := tenantcrypto.GenerateRootSecret()
	require.NoError(t, err)
	cipher, err := tenantcrypto.NewCipher(root)
	require.NoError(t, err)
	credentialStore, err := credentials.NewStore(credentials.NewInMemoryRepo(), cipher)
	require.NoError(t, err)

	options = append(options, server.WithCredentialStore(credentialStore))
	f.server = server.New(config.New(), service, registry, keyManager, options...)
	return f
}

func (f *serverFixture) authorizeViaHTTP(t *testing.T) string {
	t.Helper()
	query := url.Values{
		"response_type":         {"code"},
		"client_id":             {f.clientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"activities:read"},
		"state":                 {"xyz"},
		"code_challenge":        {testCodeChallenge},
		"code_challenge_method": {"S256"},
	}
	req := httptest.NewRequest(http.MethodGet, server.RouteAuthorize+"?"+query.Encode(), nil)
	req.Header.Set("Authorization", "Bearer "+f.bearerToken)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "xyz", location.Query().Get("state"))
	code := location.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func (f *serverFixture) postToken(t *testing.T, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, server.RouteToken, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func TestRegisterEndpoint(t *testing.T) {
	f := setupServerFixture(t)

	body := `{"name":"New Agent","redirect_uris":["https://other.example/cb"],"grant_types":["authorization_code"]}`
	req := httptest.NewRequest(http.MethodPost, server.RouteRegister, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp server.RegisterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ClientID)
	require.NotEmpty(t, resp.ClientSecret)
	require.Equal(t, "New Agent", resp.Name)
}

func TestRegisterEndpointRejectsBadPayloads(t *testing.T) {
	f := setupServerFixture(t)

	for name, body := range map[string]string{
		"malformed json":     `{"name":`,
		"missing redirects":  `{"name":"x","grant_types":["authorization_code"]}`,
		"unknown grant type": `{"name":"x","redirect_uris":["https://a.example/cb"],"grant_types":["implicit"]}`,
	} {
		req := httptest.NewRequest(http.MethodPost, server.RouteRegister, strings.NewReader(body))
		rec := httptest.NewRecorder()
		f.server.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code, name)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), name)
		require.Equal(t, "invalid_request", resp["error"], name)
	}
}

func TestAuthorizeRequiresBearerToken(t *testing.T) {
	f := setupServerFixture(t)

	req := httptest.NewRequest(http.MethodGet, server.RouteAuthorize, nil)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFullFlowOverHTTP(t *testing.T) {
	f := setupServerFixture(t)
	code := f.authorizeViaHTTP(t)

	rec := f.postToken(t, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {f.clientID},
		"client_secret": {f.clientSecret},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {testCodeVerifier},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var tokenResp auth.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokenResp))
	require.NotEmpty(t, tokenResp.AccessToken)
	require.NotEmpty(t, tokenResp.RefreshToken)
	require.Equal(t, "Bearer", tokenResp.TokenType)

	// The refresh leg.
	rec = f.postToken(t, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {f.clientID},
		"client_secret": {f.clientSecret},
		"refresh_token": {tokenResp.RefreshToken},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var refreshResp auth.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refreshResp))
	require.NotEqual(t, tokenResp.RefreshToken, refreshResp.RefreshToken)
}

func TestTokenEndpointErrorShape(t *testing.T) {
	f := setupServerFixture(t)

	rec := f.postToken(t, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {f.clientID},
		"client_secret": {f.clientSecret},
		"code":          {"no-such-code"},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {testCodeVerifier},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "invalid_grant", resp["error"])
}

func TestTokenEndpointBadClientSecretIs401(t *testing.T) {
	f := setupServerFixture(t)
	code := f.authorizeViaHTTP(t)

	rec := f.postToken(t, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {f.clientID},
		"client_secret": {"wrong"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {testCodeVerifier},
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "invalid_client", resp["error"])
}

func TestRevokeEndpointIsIdempotent(t *testing.T) {
	f := setupServerFixture(t)
	code := f.authorizeViaHTTP(t)

	rec := f.postToken(t, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {f.clientID},
		"client_secret": {f.clientSecret},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {testCodeVerifier},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var tokenResp auth.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokenResp))

	revoke := func() int {
		form := url.Values{
			"client_id":     {f.clientID},
			"client_secret": {f.clientSecret},
			"token":         {tokenResp.RefreshToken},
		}
		req := httptest.NewRequest(http.MethodPost, server.RouteRevoke, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		f.server.ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusOK, revoke())
	require.Equal(t, http.StatusOK, revoke())
}

func TestJWKSEndpoint(t *testing.T) {
	f := setupServerFixture(t)

	// Served at the OAuth2 path and the well-known alias.
	for _, route := range []string{server.RouteJWKS, server.RouteJWKSWellKnown} {
		req := httptest.NewRequest(http.MethodGet, route, nil)
		rec := httptest.NewRecorder()
		f.server.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, route)
		require.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"), route)

		var jwks keys.JWKS
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jwks), route)
		require.Len(t, jwks.Keys, 1, route)
		require.Equal(t, "RSA", jwks.Keys[0].Kty, route)
		require.Equal(t, "RS256", jwks.Keys[0].Alg, route)
		require.NotEmpty(t, jwks.Keys[0].Kid, route)
	}
}

func TestDiscoveryDocument(t *testing.T) {
	f := setupServerFixture(t)

	req := httptest.NewRequest(http.MethodGet, server.RouteDiscovery, nil)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.NotEmpty(t, doc["issuer"])
	require.Contains(t, doc["authorization_endpoint"], server.RouteAuthorize)
	require.Equal(t, []any{"S256"}, doc["code_challenge_methods_supported"])
}

func TestHealthEndpoint(t *testing.T) {
	f := setupServerFixture(t)

	req := httptest.NewRequest(http.MethodGet, server.RouteHealth, nil)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCredentialEndpoints(t *testing.T) {
	f := setupServerFixture(t)
	path := "/providers/strava/credential"

	do := func(method, body string, bearer bool) *httptest.ResponseRecorder {
		var req *http.Request
		if body != "" {
			req = httptest.NewRequest(method, path, strings.NewReader(body))
		} else {
			req = httptest.NewRequest(method, path, nil)
		}
		if bearer {
			req.Header.Set("Authorization", "Bearer "+f.bearerToken)
		}
		rec := httptest.NewRecorder()
		f.server.ServeHTTP(rec, req)
		return rec
	}

	// No bearer token anywhere on the credential surface.
	require.Equal(t, http.StatusUnauthorized, do(http.MethodGet, "", false).Code)
	require.Equal(t, http.StatusUnauthorized, do(http.MethodPut, `{"access_token":"x"}`, false).Code)

	require.Equal(t, http.StatusNotFound, do(http.MethodGet, "", true).Code)

	rec := do(http.MethodPut, `{"access_token":"strava-at","refresh_token":"strava-rt","token_type":"Bearer"}`, true)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = do(http.MethodGet, "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "strava-at", got["access_token"])
	require.Equal(t, "strava-rt", got["refresh_token"])

	require.Equal(t, http.StatusNoContent, do(http.MethodDelete, "", true).Code)
	require.Equal(t, http.StatusNotFound, do(http.MethodGet, "", true).Code)
}

func TestRegisterRateLimitHeaders(t *testing.T) {
	gate := ratelimit.NewBucketGate(ratelimit.Limits{RegisterPerMinute: 1, AuthorizePerMinute: 60, TokenPerMinute: 120})
	f := setupServerFixture(t, server.WithRateGate(gate))

	body := func() string {
		return `{"name":"Agent","redirect_uris":["https://a.example/cb"],"grant_types":["authorization_code"]}`
	}

	req := httptest.NewRequest(http.MethodPost, server.RouteRegister, strings.NewReader(body()))
	req.RemoteAddr = "10.0.0.9:1234"
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	req = httptest.NewRequest(http.MethodPost, server.RouteRegister, strings.NewReader(body()))
	req.RemoteAddr = "10.0.0.9:1234"
	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "slow_down", resp["error"])
}
