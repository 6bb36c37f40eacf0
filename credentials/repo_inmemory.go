package credentials

import (
	"context"
	"sync"
)

type tupleKey struct {
	tenantID string
	userID   string
	provider string
}

var _ Repo = (*InMemoryRepo)(nil)

// InMemoryRepo keeps sealed records in process memory.
type InMemoryRepo struct {
	records map[tupleKey]*Record
	lock    sync.RWMutex
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		records: make(map[tupleKey]*Record),
	}
}

func (r *InMemoryRepo) Upsert(_ context.Context, record *Record) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	cp := *record
	r.records[tupleKey{record.TenantID, record.UserID, record.Provider}] = &cp
	return nil
}

func (r *InMemoryRepo) Get(_ context.Context, tenantID, userID, provider string) (*Record, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	record, ok := r.records[tupleKey{tenantID, userID, provider}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *record
	return &cp, nil
}

func (r *InMemoryRepo) Delete(_ context.Context, tenantID, userID, provider string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.records, tupleKey{tenantID, userID, provider})
	return nil
}

func (r *InMemoryRepo) List(_ context.Context) ([]*Record, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	out := make([]*Record, 0, len(r.records))
	for _, record := range r.records {
		cp := *record
		out = append(out, &cp)
	}
	return out, nil
}
