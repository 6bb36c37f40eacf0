package auth_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strydr/strydr-auth/auth"
	"github.com/strydr/strydr-auth/authcode"
	"github.com/strydr/strydr-auth/clients"
	"github.com/strydr/strydr-auth/internal/oautherr"
	"github.com/strydr/strydr-auth/ratelimit"
	"github.com/strydr/strydr-auth/token"
	"github.com/strydr/strydr-auth/token/keys"
	"github.com/strydr/strydr-auth/token/refresh"
)

const (
	testIssuer      = "https://auth.strydr.test"
	testRedirectURI = "https://app.example/cb"
	testUserID      = "user-1"
	testTenantID    = "tenant-1"
	testScope       = "activities:read recovery:read"
	testState       = "random-state-value"

	testCodeVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testCodeChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

// testFixture holds all test dependencies
type testFixture struct {
	now          time.Time
	registry     *clients.Registry
	codeRepo     *authcode.InMemoryRepo
	refreshStore *refresh.Store
	service      *auth.AuthorizationService

	clientID     string
	clientSecret string
}

func setupTestFixture(t *testing.T, options ...auth.AuthorizationServiceOption) *testFixture {
	t.Helper()
	f := &testFixture{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	nowFunc := func() time.Time { return f.now }
	ctx := context.Background()

	registry, err := clients.NewRegistry(clients.NewInMemoryRepo(), clients.WithNowTime(nowFunc))
	require.NoError(t, err)
	f.registry = registry

	client, secret, err := registry.Register(ctx, "Coach Agent",
		[]string{testRedirectURI},
		[]clients.GrantType{clients.GrantAuthorizationCode, clients.GrantRefreshToken})
	require.NoError(t, err)
	f.clientID = client.ID
	f.clientSecret = secret

	f.codeRepo = authcode.NewInMemoryRepo(authcode.WithRepoNowTime(nowFunc))
	codeStore, err := authcode.NewStore(f.codeRepo, authcode.WithNowTime(nowFunc))
	require.NoError(t, err)

	refreshStore, err := refresh.NewStore(
		refresh.NewInMemoryRepo(refresh.WithRepoNowTime(nowFunc)),
		refresh.WithNowTime(nowFunc))
	require.NoError(t, err)
	f.refreshStore = refreshStore

	keyManager, err := keys.NewManager(ctx, keys.NewInMemoryRepo(), keys.WithNowTime(nowFunc))
	require.NoError(t, err)
	codec, err := token.NewCodec(keyManager, testIssuer, token.WithNowTime(nowFunc))
	require.NoError(t, err)

	options = append(options, auth.WithNowTime(nowFunc))
	service, err := auth.NewAuthorizationService(auth.Stores{
		Clients: registry,
		Codes:   codeStore,
		Refresh: refreshStore,
	}, codec, options...)
	require.NoError(t, err)
	f.service = service

	return f
}

func (f *testFixture) authorizeRequest() auth.AuthorizeRequest {
	return auth.AuthorizeRequest{
		ClientID:            f.clientID,
		RedirectURI:         testRedirectURI,
		ResponseType:        "code",
		Scope:               testScope,
		State:               testState,
		CodeChallenge:       testCodeChallenge,
		CodeChallengeMethod: authcode.MethodS256,
		UserID:              testUserID,
		TenantID:            testTenantID,
		RateKey:             "10.0.0.1",
	}
}

func (f *testFixture) authorize(t *testing.T) *auth.AuthorizeResult {
	t.Helper()
	result, err := f.service.Authorize(context.Background(), f.authorizeRequest())
	require.NoError(t, err)
	return result
}

func (f *testFixture) codeExchangeRequest(code string) auth.TokenRequest {
	return auth.TokenRequest{
		GrantType:    string(clients.GrantAuthorizationCode),
		ClientID:     f.clientID,
		ClientSecret: f.clientSecret,
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testCodeVerifier,
		RateKey:      "10.0.0.1",
	}
}

func TestAuthorizeIssuesCodeAndRedirect(t *testing.T) {
	f := setupTestFixture(t)

	result := f.authorize(t)
	require.NotEmpty(t, result.Code)

	parsed, err := url.Parse(result.RedirectURL)
	require.NoError(t, err)
	require.Equal(t, "app.example", parsed.Host)
	require.Equal(t, result.Code, parsed.Query().Get("code"))
	require.Equal(t, testState, parsed.Query().Get("state"))
}

func TestAuthorizeRejectsUnregisteredRedirect(t *testing.T) {
	f := setupTestFixture(t)

	req := f.authorizeRequest()
	req.RedirectURI = "https://evil.example/cb"
	_, err := f.service.Authorize(context.Background(), req)
	require.ErrorIs(t, err, oautherr.ErrInvalidRedirect)

	// No code row was created.
	deleted, err := f.codeRepo.DeleteExpired(context.Background(), f.now.Add(time.Hour))
	require.NoError(t, err)
	require.Zero(t, deleted)
}

func TestAuthorizeRejectsNonS256Challenge(t *testing.T) {
	f := setupTestFixture(t)

	req := f.authorizeRequest()
	req.CodeChallengeMethod = "plain"
	_, err := f.service.Authorize(context.Background(), req)
	require.ErrorIs(t, err, oautherr.ErrInvalidChallenge)

	req = f.authorizeRequest()
	req.CodeChallenge = ""
	_, err = f.service.Authorize(context.Background(), req)
	require.ErrorIs(t, err, oautherr.ErrInvalidChallenge)
}

func TestAuthorizeRejectsUnknownAndDisabledClients(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	req := f.authorizeRequest()
	req.ClientID = "unknown"
	_, err := f.service.Authorize(ctx, req)
	require.ErrorIs(t, err, oautherr.ErrInvalidClient)

	require.NoError(t, f.registry.Disable(ctx, f.clientID))
	_, err = f.service.Authorize(ctx, f.authorizeRequest())
	require.ErrorIs(t, err, oautherr.ErrInvalidClient)
}

func TestCodeExchangeHappyPath(t *testing.T) {
	f := setupTestFixture(t)
	result := f.authorize(t)

	response, err := f.service.Token(context.Background(), f.codeExchangeRequest(result.Code))
	require.NoError(t, err)
	require.NotEmpty(t, response.AccessToken)
	require.NotEmpty(t, response.RefreshToken)
	require.Equal(t, "Bearer", response.TokenType)
	require.Equal(t, int((24 * time.Hour).Seconds()), response.ExpiresIn)
	require.Equal(t, testScope, response.Scope)

	claims, err := f.service.VerifyAccessToken(response.AccessToken)
	require.NoError(t, err)
	require.Equal(t, testUserID, claims.Subject)
	require.Equal(t, testTenantID, claims.TenantID)
	require.Equal(t, testScope, claims.Scope)
}

func TestSecondCodeExchangeFailsEvenWithCorrectVerifier(t *testing.T) {
	f := setupTestFixture(t)
	result := f.authorize(t)
	ctx := context.Background()

	_, err := f.service.Token(ctx, f.codeExchangeRequest(result.Code))
	require.NoError(t, err)

	_, err = f.service.Token(ctx, f.codeExchangeRequest(result.Code))
	require.ErrorIs(t, err, oautherr.ErrInvalidGrant)
}

func TestCodeExchangeRejectsWrongVerifier(t *testing.T) {
	f := setupTestFixture(t)
	result := f.authorize(t)
	ctx := context.Background()

	req := f.codeExchangeRequest(result.Code)
	req.CodeVerifier = "completely-wrong-verifier-value-1234567890"
	_, err := f.service.Token(ctx, req)
	require.ErrorIs(t, err, oautherr.ErrInvalidChallenge)

	// The failed attempt did not consume the code; a correct retry within
	// the code's lifetime still succeeds.
	_, err = f.service.Token(ctx, f.codeExchangeRequest(result.Code))
	require.NoError(t, err)
}

func TestCodeExchangeVerifiesDerivedChallenge(t *testing.T) {
	// Sanity-check the RFC 7636 test vector wiring used above.
	hash := sha256.Sum256([]byte(testCodeVerifier))
	require.Equal(t, testCodeChallenge, base64.RawURLEncoding.EncodeToString(hash[:]))
}

func TestCodeExchangeRejectsExpiredCode(t *testing.T) {
	f := setupTestFixture(t)
	result := f.authorize(t)

	f.now = f.now.Add(11 * time.Minute)
	_, err := f.service.Token(context.Background(), f.codeExchangeRequest(result.Code))
	require.ErrorIs(t, err, oautherr.ErrInvalidGrant)
}

func TestCodeExchangeRejectsForeignClient(t *testing.T) {
	f := setupTestFixture(t)
	result := f.authorize(t)
	ctx := context.Background()

	other, otherSecret, err := f.registry.Register(ctx, "Other App",
		[]string{testRedirectURI}, []clients.GrantType{clients.GrantAuthorizationCode})
	require.NoError(t, err)

	req := f.codeExchangeRequest(result.Code)
	req.ClientID = other.ID
	req.ClientSecret = otherSecret
	_, err = f.service.Token(ctx, req)
	require.ErrorIs(t, err, oautherr.ErrInvalidGrant)
}

func TestCodeExchangeRejectsBadClientSecret(t *testing.T) {
	f := setupTestFixture(t)
	result := f.authorize(t)

	req := f.codeExchangeRequest(result.Code)
	req.ClientSecret = "wrong-secret"
	_, err := f.service.Token(context.Background(), req)
	require.ErrorIs(t, err, oautherr.ErrInvalidClient)
}

func TestCodeExchangeRejectsMismatchedRedirect(t *testing.T) {
	f := setupTestFixture(t)
	result := f.authorize(t)

	req := f.codeExchangeRequest(result.Code)
	req.RedirectURI = "https://app.example/other"
	_, err := f.service.Token(context.Background(), req)
	require.ErrorIs(t, err, oautherr.ErrInvalidRedirect)
}

func TestRefreshGrantRotatesToken(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	first, err := f.service.Token(ctx, f.codeExchangeRequest(f.authorize(t).Code))
	require.NoError(t, err)

	refreshed, err := f.service.Token(ctx, auth.TokenRequest{
		GrantType:    string(clients.GrantRefreshToken),
		ClientID:     f.clientID,
		ClientSecret: f.clientSecret,
		RefreshToken: first.RefreshToken,
		RateKey:      "10.0.0.1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, refreshed.AccessToken)
	require.NotEqual(t, first.RefreshToken, refreshed.RefreshToken)
	require.Equal(t, testScope, refreshed.Scope)
}

func TestRefreshReuseRevokesFamily(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	first, err := f.service.Token(ctx, f.codeExchangeRequest(f.authorize(t).Code))
	require.NoError(t, err)

	refreshReq := func(raw string) auth.TokenRequest {
		return auth.TokenRequest{
			GrantType:    string(clients.GrantRefreshToken),
			ClientID:     f.clientID,
			ClientSecret: f.clientSecret,
			RefreshToken: raw,
			RateKey:      "10.0.0.1",
		}
	}

	second, err := f.service.Token(ctx, refreshReq(first.RefreshToken))
	require.NoError(t, err)

	// Replaying the consumed predecessor burns the whole family.
	_, err = f.service.Token(ctx, refreshReq(first.RefreshToken))
	require.ErrorIs(t, err, oautherr.ErrInvalidGrant)

	_, err = f.service.Token(ctx, refreshReq(second.RefreshToken))
	require.ErrorIs(t, err, oautherr.ErrInvalidGrant)
}

func TestRefreshRejectsForeignClientAndBurnsFamily(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	first, err := f.service.Token(ctx, f.codeExchangeRequest(f.authorize(t).Code))
	require.NoError(t, err)

	other, otherSecret, err := f.registry.Register(ctx, "Other App",
		[]string{testRedirectURI}, []clients.GrantType{clients.GrantRefreshToken})
	require.NoError(t, err)

	_, err = f.service.Token(ctx, auth.TokenRequest{
		GrantType:    string(clients.GrantRefreshToken),
		ClientID:     other.ID,
		ClientSecret: otherSecret,
		RefreshToken: first.RefreshToken,
		RateKey:      "10.0.0.1",
	})
	require.ErrorIs(t, err, oautherr.ErrInvalidGrant)

	// The rightful client cannot use it either: the family is gone.
	_, err = f.service.Token(ctx, auth.TokenRequest{
		GrantType:    string(clients.GrantRefreshToken),
		ClientID:     f.clientID,
		ClientSecret: f.clientSecret,
		RefreshToken: first.RefreshToken,
		RateKey:      "10.0.0.1",
	})
	require.ErrorIs(t, err, oautherr.ErrInvalidGrant)
}

func TestRevokeEndsRefreshChain(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	first, err := f.service.Token(ctx, f.codeExchangeRequest(f.authorize(t).Code))
	require.NoError(t, err)

	require.NoError(t, f.service.Revoke(ctx, f.clientID, f.clientSecret, first.RefreshToken))
	// Idempotent per RFC 7009.
	require.NoError(t, f.service.Revoke(ctx, f.clientID, f.clientSecret, first.RefreshToken))

	_, err = f.service.Token(ctx, auth.TokenRequest{
		GrantType:    string(clients.GrantRefreshToken),
		ClientID:     f.clientID,
		ClientSecret: f.clientSecret,
		RefreshToken: first.RefreshToken,
		RateKey:      "10.0.0.1",
	})
	require.ErrorIs(t, err, oautherr.ErrInvalidGrant)
}

func TestConcurrentRefreshExchangeExactlyOneWinner(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	first, err := f.service.Token(ctx, f.codeExchangeRequest(f.authorize(t).Code))
	require.NoError(t, err)

	const racers = 16
	var wg sync.WaitGroup
	results := make([]error, racers)
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = f.service.Token(ctx, auth.TokenRequest{
				GrantType:    string(clients.GrantRefreshToken),
				ClientID:     f.clientID,
				ClientSecret: f.clientSecret,
				RefreshToken: first.RefreshToken,
				RateKey:      "10.0.0.1",
			})
		}()
	}
	wg.Wait()

	var succeeded int
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, oautherr.ErrInvalidGrant)
		}
	}
	require.Equal(t, 1, succeeded)
}

func TestUnsupportedGrantType(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.service.Token(context.Background(), auth.TokenRequest{
		GrantType:    "client_credentials",
		ClientID:     f.clientID,
		ClientSecret: f.clientSecret,
		RateKey:      "10.0.0.1",
	})
	require.ErrorIs(t, err, oautherr.ErrInvalidRequest)
}

func TestRateGateDeniesBeforeAnyStateChange(t *testing.T) {
	gate := ratelimit.NewBucketGate(ratelimit.Limits{AuthorizePerMinute: 1, TokenPerMinute: 1})
	f := setupTestFixture(t, auth.WithRateGate(gate))
	ctx := context.Background()

	_, err := f.service.Authorize(ctx, f.authorizeRequest())
	require.NoError(t, err)

	_, err = f.service.Authorize(ctx, f.authorizeRequest())
	require.ErrorIs(t, err, oautherr.ErrRateLimited)

	var rle *auth.RateLimitError
	require.ErrorAs(t, err, &rle)
	require.False(t, rle.Decision.Allowed)
	require.Equal(t, 1, rle.Decision.Limit)
}
