package clients

import (
	"context"
	"sync"
)

var _ Repo = (*InMemoryRepo)(nil)

// InMemoryRepo is a mutex-guarded map-backed Repo used for development and
// tests.
type InMemoryRepo struct {
	clients map[string]*Client
	lock    sync.RWMutex
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		clients: make(map[string]*Client),
	}
}

func (r *InMemoryRepo) Create(_ context.Context, client *Client) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	cp := *client
	r.clients[client.ID] = &cp
	return nil
}

func (r *InMemoryRepo) Get(_ context.Context, clientID string) (*Client, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	client, ok := r.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *client
	return &cp, nil
}

func (r *InMemoryRepo) Disable(_ context.Context, clientID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	client, ok := r.clients[clientID]
	if !ok {
		return ErrNotFound
	}
	client.Disabled = true
	return nil
}

func (r *InMemoryRepo) UpdateSecretHash(_ context.Context, clientID, secretHash string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	client, ok := r.clients[clientID]
	if !ok {
		return ErrNotFound
	}
	client.SecretHash = secretHash
	return nil
}
