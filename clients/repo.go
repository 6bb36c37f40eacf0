package clients

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by repos when a client id is unknown.
var ErrNotFound = errors.New("client not found")

// Repo manages persistence of registered OAuth2 clients. Clients are never
// hard-deleted while outstanding tokens may reference them; Disable flips
// the soft-disable flag instead.
type Repo interface {
	Create(ctx context.Context, client *Client) error
	Get(ctx context.Context, clientID string) (*Client, error)
	Disable(ctx context.Context, clientID string) error
	UpdateSecretHash(ctx context.Context, clientID, secretHash string) error
}
