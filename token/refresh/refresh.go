// Package refresh stores long-lived, single-use-per-exchange refresh
// tokens. Consume is the load-bearing operation against token replay: the
// storage layer performs "still active AND mark revoked" as one conditional
// mutation, so two concurrent holders of the same token value can never
// both succeed.
package refresh

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/strydr/strydr-auth/internal/oautherr"
)

const defaultTokenLength = 32 // 256 bits

// ErrNotConsumable is returned by repos when the conditional consume did
// not apply: the token is unknown, expired or already revoked. Anything
// else a repo returns is a storage failure and must not be mistaken for
// this.
var ErrNotConsumable = errors.New("token not found, expired or already revoked")

// Token is one refresh token row. Tokens produced by chained refresh
// exchanges share a FamilyID; ReplacedBy points to the successor minted when
// the token was consumed.
type Token struct {
	Token      string
	FamilyID   string
	ClientID   string
	UserID     string
	TenantID   string
	Scope      string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy *string
}

// Replaced reports whether the token was consumed by a refresh exchange
// that minted a successor. A revoked-and-replaced token showing up again is
// a reuse event.
func (t *Token) Replaced() bool {
	return t.RevokedAt != nil && t.ReplacedBy != nil
}

// Repo persists refresh tokens. Consume must be a single conditional
// mutation (revoked_at IS NULL AND not expired -> set revoked_at) returning
// the prior row only if the update applied; zero rows affected means the
// token was already consumed, revoked, expired or absent and reports as
// ErrNotConsumable.
type Repo interface {
	Insert(ctx context.Context, token *Token) error
	Get(ctx context.Context, token string) (*Token, error)
	Consume(ctx context.Context, token string) (*Token, error)
	LinkSuccessor(ctx context.Context, token, successor string) error
	RevokeFamily(ctx context.Context, familyID string) (int64, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Store issues, consumes and revokes refresh tokens against a Repo.
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

// WithLifetime overrides the default 30 day refresh token lifetime.
func WithLifetime(lifetime time.Duration) StoreOption {
	return func(s *Store) {
		s.lifetime = lifetime
	}
}

// WithTokenLength overrides the default 32 byte token entropy.
func WithTokenLength(length int) StoreOption {
	return func(s *Store) {
		if length > 0 {
			s.length = length
		}
	}
}

func NewStore(repo Repo, options ...StoreOption) (*Store, error) {
	if repo == nil {
		return nil, errors.New("[refresh.NewStore] repo is required")
	}
	s := &Store{
		repo:     repo,
		lifetime: 30 * 24 * time.Hour,
		length:   defaultTokenLength,
		nowTime:  time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Issue mints a new refresh token starting a fresh family.
func (s *Store) Issue(ctx context.Context, clientID, userID, tenantID, scope string) (*Token, error) {
	return s.issue(ctx, uuid.New().String(), clientID, userID, tenantID, scope)
}

// IssueSuccessor mints the replacement token for a consumed predecessor,
// keeping the family id, and links the predecessor to it.
func (s *Store) IssueSuccessor(ctx context.Context, predecessor *Token) (*Token, error) {
	successor, err := s.issue(ctx, predecessor.FamilyID, predecessor.ClientID, predecessor.UserID, predecessor.TenantID, predecessor.Scope)
	if err != nil {
		return nil, err
	}
	if err := s.repo.LinkSuccessor(ctx, predecessor.Token, successor.Token); err != nil {
		return nil, errors.Wrap(err, "[Store.IssueSuccessor] repo.LinkSuccessor")
	}
	return successor, nil
}

func (s *Store) issue(ctx context.Context, familyID, clientID, userID, tenantID, scope string) (*Token, error) {
	bytes := make([]byte, s.length)
	if _, err := rand.Read(bytes); err != nil {
		return nil, errors.Wrap(err, "[Store.issue] rand.Read")
	}

	now := s.nowTime().UTC()
	token := &Token{
		Token:     base64.RawURLEncoding.EncodeToString(bytes),
		FamilyID:  familyID,
		ClientID:  clientID,
		UserID:    userID,
		TenantID:  tenantID,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.lifetime),
	}
	if err := s.repo.Insert(ctx, token); err != nil {
		return nil, errors.Wrap(err, "[Store.issue] repo.Insert")
	}
	return token, nil
}

// Consume atomically revokes the token and returns its prior state. Any
// failure surfaces as InvalidGrant; callers cannot tell consumed from
// revoked from absent.
func (s *Store) Consume(ctx context.Context, token string) (*Token, error) {
	consumed, err := s.repo.Consume(ctx, token)
	if err != nil {
		return nil, oautherr.ErrInvalidGrant
	}
	return consumed, nil
}

// Get probes a token without touching its state. Used for reuse detection
// after a failed consume; expired-but-unrevoked tokens report as absent.
func (s *Store) Get(ctx context.Context, token string) (*Token, error) {
	found, err := s.repo.Get(ctx, token)
	if err != nil {
		return nil, oautherr.ErrInvalidGrant
	}
	return found, nil
}

// Revoke consumes the token without a successor (logout path). Revoking an
// unknown or already-revoked token is not an error, but a storage failure
// is: reporting success while the token stays live would be worse than
// asking the caller to retry.
func (s *Store) Revoke(ctx context.Context, token string) error {
	if _, err := s.repo.Consume(ctx, token); err != nil {
		if errors.Is(err, ErrNotConsumable) {
			return nil
		}
		return errors.Wrap(err, "[Store.Revoke] repo.Consume")
	}
	return nil
}

// RevokeFamily revokes every token sharing the family id, ancestors and
// descendants alike. Called when reuse of a replaced token is detected.
func (s *Store) RevokeFamily(ctx context.Context, familyID string) (int64, error) {
	revoked, err := s.repo.RevokeFamily(ctx, familyID)
	if err != nil {
		return 0, errors.Wrap(err, "[Store.RevokeFamily] repo.RevokeFamily")
	}
	return revoked, nil
}

// DeleteExpired reclaims storage for tokens past their expiry.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx, s.nowTime())
}
