// Package authcode stores short-lived, single-use authorization codes
// binding a client, user, tenant and PKCE challenge. Consumption is a
// single conditional state transition arbitrated by the storage layer.
package authcode

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/pkg/errors"

	"github.com/strydr/strydr-auth/internal/oautherr"
)

const defaultCodeLength = 32 // 256 bits

// MethodS256 is the only supported PKCE challenge method.
const MethodS256 = "S256"

// Code is one issued authorization code. ConsumedAt transitions from nil to
// non-nil exactly once.
type Code struct {
	Code                string
	ClientID            string
	UserID              string
	TenantID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	IssuedAt            time.Time
	ExpiresAt           time.Time
	ConsumedAt          *time.Time
}

// Repo persists authorization codes. Consume must be implemented as one
// conditional mutation: filter on "not yet consumed and not expired" and set
// the consumed marker, returning the row only if the update applied. Two
// concurrent consumers of the same code must never both succeed.
type Repo interface {
	Insert(ctx context.Context, code *Code) error
	Get(ctx context.Context, code string) (*Code, error)
	Consume(ctx context.Context, code string) (*Code, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Store issues codes against a Repo.
type Store struct {
	repo     Repo
	lifetime time.Duration
	length   int
	nowTime  func() time.Time
}

type StoreOption func(*Store)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) StoreOption {
	return func(s *Store) {
		s.nowTime = nowFunc
	}
}

// WithLifetime overrides the default 10 minute code lifetime.
func WithLifetime(lifetime time.Duration) StoreOption {
	return func(s *Store) {
		s.lifetime = lifetime
	}
}

// WithCodeLength overrides the default 32 byte code entropy.
func WithCodeLength(length int) StoreOption {
	return func(s *Store) {
		if length > 0 {
			s.length = length
		}
	}
}

func NewStore(repo Repo, options ...StoreOption) (*Store, error) {
	if repo == nil {
		return nil, errors.New("[authcode.NewStore] repo is required")
	}
	s := &Store{
		repo:     repo,
		lifetime: 10 * time.Minute,
		length:   defaultCodeLength,
		nowTime:  time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Issue mints an unguessable code bound to the client, user, tenant,
// redirect URI and PKCE challenge.
func (s *Store) Issue(ctx context.Context, clientID, userID, tenantID, redirectURI, codeChallenge, scope string) (*Code, error) {
	bytes := make([]byte, s.length)
	if _, err := rand.Read(bytes); err != nil {
		return nil, errors.Wrap(err, "[Store.Issue] rand.Read")
	}

	now := s.nowTime().UTC()
	code := &Code{
		Code:                base64.RawURLEncoding.EncodeToString(bytes),
		ClientID:            clientID,
		UserID:              userID,
		TenantID:            tenantID,
		RedirectURI:         redirectURI,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: MethodS256,
		Scope:               scope,
		IssuedAt:            now,
		ExpiresAt:           now.Add(s.lifetime),
	}
	if err := s.repo.Insert(ctx, code); err != nil {
		return nil, errors.Wrap(err, "[Store.Issue] repo.Insert")
	}
	return code, nil
}

// Get looks a code up without consuming it. Expired codes are treated as
// absent.
func (s *Store) Get(ctx context.Context, code string) (*Code, error) {
	found, err := s.repo.Get(ctx, code)
	if err != nil {
		return nil, oautherr.ErrInvalidGrant
	}
	if s.nowTime().After(found.ExpiresAt) {
		return nil, oautherr.ErrInvalidGrant
	}
	return found, nil
}

// Consume atomically marks the code consumed. A code that is unknown,
// expired or already consumed fails with InvalidGrant; the cases are not
// distinguished.
func (s *Store) Consume(ctx context.Context, code string) (*Code, error) {
	consumed, err := s.repo.Consume(ctx, code)
	if err != nil {
		return nil, oautherr.ErrInvalidGrant
	}
	return consumed, nil
}

// DeleteExpired is the asynchronous garbage-collection hook. Expiry is
// enforced on lookup; this only reclaims storage.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx, s.nowTime())
}
