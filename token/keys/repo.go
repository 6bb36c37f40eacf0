package keys

import (
	"context"
	"time"
)

// StoredKey is the persisted form of a signing key pair. Private key
// material never leaves the key manager except through this repo.
type StoredKey struct {
	KID           string
	PrivateKeyPEM string
	CreatedAt     time.Time
	RetiredAt     *time.Time
}

// Repo persists the signing key ring. The ring is append-only: keys are
// created, marked retired, and eventually deleted by Prune once no token
// they signed can still be alive.
type Repo interface {
	Save(ctx context.Context, key *StoredKey) error
	MarkRetired(ctx context.Context, kid string, retiredAt time.Time) error
	Delete(ctx context.Context, kid string) error
	List(ctx context.Context) ([]*StoredKey, error)
}
