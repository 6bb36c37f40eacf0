// Package token mints and verifies the stateless access tokens issued by
// the token endpoint. Access tokens are never persisted; verification runs
// purely against the key manager's public key ring.
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/strydr/strydr-auth/internal/oautherr"
	"github.com/strydr/strydr-auth/token/keys"
)

// AccessClaims are the claims carried by a signed access token.
type AccessClaims struct {
	Subject  string    // user id
	TenantID string
	Scope    string
	ClientID string
	Issuer   string
	IssuedAt time.Time
	Expiry   time.Time
	JTI      string
}

// Codec signs access tokens with the key manager's active key and verifies
// them by kid against the active and retired-within-grace keys.
type Codec struct {
	keyManager *keys.Manager
	issuer     string
	expiry     time.Duration
	leeway     time.Duration
	nowTime    func() time.Time
}

type CodecOption func(*Codec)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) CodecOption {
	return func(c *Codec) {
		c.nowTime = nowFunc
	}
}

// WithExpiry sets the access token lifetime.
func WithExpiry(expiry time.Duration) CodecOption {
	return func(c *Codec) {
		c.expiry = expiry
	}
}

// WithLeeway sets the clock skew tolerance on expiry checks.
func WithLeeway(leeway time.Duration) CodecOption {
	return func(c *Codec) {
		c.leeway = leeway
	}
}

func NewCodec(keyManager *keys.Manager, issuer string, options ...CodecOption) (*Codec, error) {
	if keyManager == nil {
		return nil, errors.New("[NewCodec] keyManager is required")
	}
	c := &Codec{
		keyManager: keyManager,
		issuer:     issuer,
		expiry:     24 * time.Hour,
		leeway:     5 * time.Second,
		nowTime:    time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// Expiry returns the configured access token lifetime.
func (c *Codec) Expiry() time.Duration {
	return c.expiry
}

// Sign mints a signed access token for the given subject, embedding the
// active key's kid in the header.
func (c *Codec) Sign(userID, tenantID, clientID, scope string) (string, *AccessClaims, error) {
	active := c.keyManager.Active()
	if active == nil {
		return "", nil, errors.Wrap(oautherr.ErrKeyNotFound, "[Codec.Sign] no active signing key")
	}

	now := c.nowTime().UTC()
	accessClaims := &AccessClaims{
		Subject:  userID,
		TenantID: tenantID,
		Scope:    scope,
		ClientID: clientID,
		Issuer:   c.issuer,
		IssuedAt: now,
		Expiry:   now.Add(c.expiry),
		JTI:      uuid.New().String(),
	}

	claims := jwt.MapClaims{
		"iss":    accessClaims.Issuer,
		"sub":    accessClaims.Subject,
		"tenant": accessClaims.TenantID,
		"scope":  accessClaims.Scope,
		"aud":    accessClaims.ClientID,
		"iat":    accessClaims.IssuedAt.Unix(),
		"exp":    accessClaims.Expiry.Unix(),
		"jti":    accessClaims.JTI,
	}

	jwtToken := jwt.NewWithClaims(active.SigningMethod(), claims)
	jwtToken.Header["kid"] = active.KID

	signed, err := jwtToken.SignedString(active.PrivateKey)
	if err != nil {
		return "", nil, errors.Wrap(err, "[Codec.Sign] SignedString")
	}
	return signed, accessClaims, nil
}

// Verify parses the raw token, resolves its kid against the key ring and
// checks the signature, expiry and mandatory claims. Unknown or
// out-of-grace kids fail with KeyNotFound.
func (c *Codec) Verify(rawToken string) (*AccessClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{keys.RS256}),
		jwt.WithLeeway(c.leeway),
		jwt.WithTimeFunc(func() time.Time { return c.nowTime() }),
	)

	jwtToken, err := parser.Parse(rawToken, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.Wrap(oautherr.ErrKeyNotFound, "[Codec.Verify] token has no kid header")
		}
		return c.keyManager.VerificationKey(kid)
	})
	if err != nil {
		if errors.Is(err, oautherr.ErrKeyNotFound) {
			return nil, err
		}
		return nil, errors.Wrap(oautherr.ErrInvalidGrant, err.Error())
	}

	claims, ok := jwtToken.Claims.(jwt.MapClaims)
	if !ok || !jwtToken.Valid {
		return nil, errors.Wrap(oautherr.ErrInvalidGrant, "[Codec.Verify] invalid claims")
	}

	sub, _ := claims["sub"].(string)
	tenant, _ := claims["tenant"].(string)
	exp, expOK := claims["exp"].(float64)
	if sub == "" || tenant == "" || !expOK {
		return nil, errors.Wrap(oautherr.ErrInvalidGrant, "[Codec.Verify] missing mandatory claims")
	}

	scope, _ := claims["scope"].(string)
	aud, _ := claims["aud"].(string)
	iss, _ := claims["iss"].(string)
	jti, _ := claims["jti"].(string)
	iat, _ := claims["iat"].(float64)

	return &AccessClaims{
		Subject:  sub,
		TenantID: tenant,
		Scope:    scope,
		ClientID: aud,
		Issuer:   iss,
		IssuedAt: time.Unix(int64(iat), 0).UTC(),
		Expiry:   time.Unix(int64(exp), 0).UTC(),
		JTI:      jti,
	}, nil
}
