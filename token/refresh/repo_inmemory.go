package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/strydr/strydr-auth/internal/utils"
)

var _ Repo = (*InMemoryRepo)(nil)

// InMemoryRepo keeps tokens under a single mutex so the consume transition
// is indivisible, mirroring the conditional UPDATE of the Postgres repo.
type InMemoryRepo struct {
	tokens  map[string]*Token
	lock    sync.Mutex
	nowTime func() time.Time
}

type InMemoryRepoOption func(*InMemoryRepo)

// WithRepoNowTime sets the repo clock (primarily for testing)
func WithRepoNowTime(nowFunc func() time.Time) InMemoryRepoOption {
	return func(r *InMemoryRepo) {
		r.nowTime = nowFunc
	}
}

func NewInMemoryRepo(options ...InMemoryRepoOption) *InMemoryRepo {
	r := &InMemoryRepo{
		tokens:  make(map[string]*Token),
		nowTime: time.Now,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

func (r *InMemoryRepo) Insert(_ context.Context, token *Token) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	cp := *token
	r.tokens[token.Token] = &cp
	return nil
}

func (r *InMemoryRepo) Get(_ context.Context, token string) (*Token, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	found, ok := r.tokens[token]
	if !ok {
		return nil, ErrNotConsumable
	}
	cp := *found
	return &cp, nil
}

// Consume performs the check-and-revoke as one transition under the lock.
func (r *InMemoryRepo) Consume(_ context.Context, token string) (*Token, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	found, ok := r.tokens[token]
	if !ok {
		return nil, ErrNotConsumable
	}
	now := r.nowTime().UTC()
	if found.RevokedAt != nil || now.After(found.ExpiresAt) {
		return nil, ErrNotConsumable
	}
	found.RevokedAt = &now
	cp := *found
	return &cp, nil
}

func (r *InMemoryRepo) LinkSuccessor(_ context.Context, token, successor string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	found, ok := r.tokens[token]
	if !ok {
		return errors.Errorf("token not found")
	}
	found.ReplacedBy = utils.Ptr(successor)
	return nil
}

func (r *InMemoryRepo) RevokeFamily(_ context.Context, familyID string) (int64, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	now := r.nowTime().UTC()
	var revoked int64
	for _, token := range r.tokens {
		if token.FamilyID == familyID && token.RevokedAt == nil {
			token.RevokedAt = utils.Ptr(now)
			revoked++
		}
	}
	return revoked, nil
}

func (r *InMemoryRepo) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	var deleted int64
	for key, token := range r.tokens {
		if before.After(token.ExpiresAt) {
			delete(r.tokens, key)
			deleted++
		}
	}
	return deleted, nil
}
