// Package credentials persists third-party fitness-provider OAuth tokens,
// sealed per tenant before they ever reach storage. Provider API semantics
// live elsewhere; this package only guards the credentials at rest.
package credentials

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/strydr/strydr-auth/tenantcrypto"
)

// Known provider names. The set mirrors the provider registry of the data
// plane; unknown providers are still stored, these are for convenience.
const (
	ProviderStrava = "strava"
	ProviderGarmin = "garmin"
	ProviderFitbit = "fitbit"
	ProviderWhoop  = "whoop"
	ProviderCoros  = "coros"
)

// Record is one sealed provider credential, keyed by the
// (tenant, user, provider) tuple its bundle is cryptographically bound to.
type Record struct {
	TenantID  string
	UserID    string
	Provider  string
	Bundle    *tenantcrypto.Bundle
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// Repo persists sealed credential records.
type Repo interface {
	Upsert(ctx context.Context, record *Record) error
	Get(ctx context.Context, tenantID, userID, provider string) (*Record, error)
	Delete(ctx context.Context, tenantID, userID, provider string) error
	List(ctx context.Context) ([]*Record, error)
}

// ErrNotFound is returned when no credential exists for the tuple.
var ErrNotFound = errors.New("credential not found")

// Store seals and opens provider credentials through the tenant cipher.
type Store struct {
	repo    Repo
	cipher  *tenantcrypto.Cipher
	nowTime func() time.Time
}

type StoreOption func(*Store)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) StoreOption {
	return func(s *Store) {
		s.nowTime = nowFunc
	}
}

func NewStore(repo Repo, cipher *tenantcrypto.Cipher, options ...StoreOption) (*Store, error) {
	if repo == nil {
		return nil, errors.New("[credentials.NewStore] repo is required")
	}
	if cipher == nil {
		return nil, errors.New("[credentials.NewStore] cipher is required")
	}
	s := &Store{
		repo:    repo,
		cipher:  cipher,
		nowTime: time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Put seals the provider token under the tenant's derived key and upserts
// the record.
func (s *Store) Put(ctx context.Context, tenantID, userID, provider string, token *oauth2.Token) error {
	plaintext, err := json.Marshal(token)
	if err != nil {
		return errors.Wrap(err, "[Store.Put] marshal token")
	}
	bundle, err := s.cipher.Encrypt(tenantID, userID, provider, plaintext)
	if err != nil {
		return errors.Wrap(err, "[Store.Put] encrypt")
	}
	return s.repo.Upsert(ctx, &Record{
		TenantID:  tenantID,
		UserID:    userID,
		Provider:  provider,
		Bundle:    bundle,
		ExpiresAt: token.Expiry,
		UpdatedAt: s.nowTime().UTC(),
	})
}

// Get opens the sealed credential for the exact tuple. A tuple mismatch or
// tampered record fails closed with EncryptionIntegrityFailure.
func (s *Store) Get(ctx context.Context, tenantID, userID, provider string) (*oauth2.Token, error) {
	record, err := s.repo.Get(ctx, tenantID, userID, provider)
	if err != nil {
		return nil, err
	}
	plaintext, err := s.cipher.Decrypt(tenantID, userID, provider, record.Bundle)
	if err != nil {
		return nil, err
	}
	var token oauth2.Token
	if err := json.Unmarshal(plaintext, &token); err != nil {
		return nil, errors.Wrap(err, "[Store.Get] unmarshal token")
	}
	return &token, nil
}

// Delete removes the credential for the tuple.
func (s *Store) Delete(ctx context.Context, tenantID, userID, provider string) error {
	return s.repo.Delete(ctx, tenantID, userID, provider)
}

// RotateRoot re-encrypts every stored credential under the target cipher.
// The migration must complete before the old root secret is discarded; a
// record that fails to open aborts the rotation rather than being dropped.
func (s *Store) RotateRoot(ctx context.Context, target *tenantcrypto.Cipher) error {
	records, err := s.repo.List(ctx)
	if err != nil {
		return errors.Wrap(err, "[Store.RotateRoot] repo.List")
	}
	for _, record := range records {
		migrated, err := s.cipher.ReEncrypt(target, record.TenantID, record.UserID, record.Provider, record.Bundle)
		if err != nil {
			return errors.Wrapf(err, "[Store.RotateRoot] re-encrypt %s/%s/%s", record.TenantID, record.UserID, record.Provider)
		}
		record.Bundle = migrated
		record.UpdatedAt = s.nowTime().UTC()
		if err := s.repo.Upsert(ctx, record); err != nil {
			return errors.Wrap(err, "[Store.RotateRoot] repo.Upsert")
		}
	}
	s.cipher = target
	return nil
}
