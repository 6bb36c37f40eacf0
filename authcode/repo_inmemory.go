package authcode

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var errNotConsumable = errors.New("code not found, expired or already consumed")

var _ Repo = (*InMemoryRepo)(nil)

// InMemoryRepo keeps codes under a single mutex so the consume transition is
// indivisible, mirroring the conditional UPDATE of the Postgres repo.
type InMemoryRepo struct {
	codes   map[string]*Code
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
		codes:   make(map[string]*Code),
		nowTime: time.Now,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

func (r *InMemoryRepo) Insert(_ context.Context, code *Code) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	cp := *code
	r.codes[code.Code] = &cp
	return nil
}

func (r *InMemoryRepo) Get(_ context.Context, code string) (*Code, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	found, ok := r.codes[code]
	if !ok {
		return nil, errNotConsumable
	}
	cp := *found
	return &cp, nil
}

// Consume performs the check-and-mark as one transition under the lock.
func (r *InMemoryRepo) Consume(_ context.Context, code string) (*Code, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	found, ok := r.codes[code]
	if !ok {
		return nil, errNotConsumable
	}
	now := r.nowTime().UTC()
	if found.ConsumedAt != nil || now.After(found.ExpiresAt) {
		return nil, errNotConsumable
	}
	found.ConsumedAt = &now
	cp := *found
	return &cp, nil
}

func (r *InMemoryRepo) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	var deleted int64
	for key, code := range r.codes {
		if before.After(code.ExpiresAt) {
			delete(r.codes, key)
			deleted++
		}
	}
	return deleted, nil
}
