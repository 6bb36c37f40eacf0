package keys

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var _ Repo = (*InMemoryRepo)(nil)

// InMemoryRepo keeps the key ring in process memory.
type InMemoryRepo struct {
	keys map[string]*StoredKey
	lock sync.RWMutex
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		keys: make(map[string]*StoredKey),
	}
}

func (r *InMemoryRepo) Save(_ context.Context, key *StoredKey) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	cp := *key
	r.keys[key.KID] = &cp
	return nil
}

func (r *InMemoryRepo) MarkRetired(_ context.Context, kid string, retiredAt time.Time) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	key, ok := r.keys[kid]
	if !ok {
		return errors.Errorf("key %s not found", kid)
	}
	t := retiredAt
	key.RetiredAt = &t
	return nil
}

func (r *InMemoryRepo) Delete(_ context.Context, kid string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.keys, kid)
	return nil
}

func (r *InMemoryRepo) List(_ context.Context) ([]*StoredKey, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	out := make([]*StoredKey, 0, len(r.keys))
	for _, key := range r.keys {
		cp := *key
		out = append(out, &cp)
	}
	return out, nil
}
