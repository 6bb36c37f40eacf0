package clients

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/strydr/strydr-auth/internal/oautherr"
)

const secretLength = 32 // 256 bits

// Registry implements OAuth2 dynamic client registration and client
// authentication. Secrets are bcrypt-hashed before they hit the repo; the
// plaintext exists only in the registration response.
type Registry struct {
	repo    Repo
	nowTime func() time.Time
}

type RegistryOption func(*Registry)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.nowTime = nowFunc
	}
}

func NewRegistry(repo Repo, options ...RegistryOption) (*Registry, error) {
	if repo == nil {
		return nil, errors.New("[NewRegistry] repo is required")
	}
	r := &Registry{
		repo:    repo,
		nowTime: time.Now,
	}
	for _, opt := range options {
		opt(r)
	}
	return r, nil
}

// Register creates a new client and returns it together with the plaintext
// secret. The secret is shown exactly once and must not be logged.
func (r *Registry) Register(ctx context.Context, name string, redirectURIs []string, grantTypes []GrantType) (*Client, string, error) {
	if name == "" {
		return nil, "", errors.Wrap(oautherr.ErrInvalidRequest, "[Registry.Register] client_name is required")
	}
	if len(redirectURIs) == 0 {
		return nil, "", errors.Wrap(oautherr.ErrInvalidRequest, "[Registry.Register] at least one redirect_uri is required")
	}
	for _, uri := range redirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return nil, "", err
		}
	}
	if len(grantTypes) == 0 {
		grantTypes = []GrantType{GrantAuthorizationCode, GrantRefreshToken}
	}
	for _, gt := range grantTypes {
		if !ValidGrantType(gt) {
			return nil, "", errors.Wrapf(oautherr.ErrInvalidRequest, "[Registry.Register] unsupported grant type %q", gt)
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, "", errors.Wrap(err, "[Registry.Register] generateSecret")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", errors.Wrap(err, "[Registry.Register] bcrypt.GenerateFromPassword")
	}

	client := &Client{
		ID:           uuid.New().String(),
		SecretHash:   string(hash),
		Name:         name,
		RedirectURIs: redirectURIs,
		GrantTypes:   grantTypes,
		CreatedAt:    r.nowTime().UTC(),
	}
	if err := r.repo.Create(ctx, client); err != nil {
		return nil, "", errors.Wrap(err, "[Registry.Register] repo.Create")
	}
	return client, secret, nil
}

// Authenticate verifies the client id and secret pair. Unknown, disabled
// and wrong-secret clients all fail with the same error.
func (r *Registry) Authenticate(ctx context.Context, clientID, secret string) (*Client, error) {
	client, err := r.repo.Get(ctx, clientID)
	if err != nil {
		return nil, oautherr.ErrInvalidClient
	}
	if client.Disabled {
		return nil, oautherr.ErrInvalidClient
	}
	if bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)) != nil {
		return nil, oautherr.ErrInvalidClient
	}
	return client, nil
}

// Get returns a client by id.
func (r *Registry) Get(ctx context.Context, clientID string) (*Client, error) {
	client, err := r.repo.Get(ctx, clientID)
	if err != nil {
		return nil, oautherr.ErrInvalidClient
	}
	return client, nil
}

// Disable soft-disables a client. Outstanding tokens keep referencing the
// row but every authentication attempt fails from here on.
func (r *Registry) Disable(ctx context.Context, clientID string) error {
	if err := r.repo.Disable(ctx, clientID); err != nil {
		return errors.Wrap(err, "[Registry.Disable] repo.Disable")
	}
	return nil
}

// RotateSecret replaces the client secret, returning the new plaintext
// exactly once.
func (r *Registry) RotateSecret(ctx context.Context, clientID string) (string, error) {
	if _, err := r.repo.Get(ctx, clientID); err != nil {
		return "", oautherr.ErrInvalidClient
	}
	secret, err := generateSecret()
	if err != nil {
		return "", errors.Wrap(err, "[Registry.RotateSecret] generateSecret")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "[Registry.RotateSecret] bcrypt.GenerateFromPassword")
	}
	if err := r.repo.UpdateSecretHash(ctx, clientID, string(hash)); err != nil {
		return "", errors.Wrap(err, "[Registry.RotateSecret] repo.UpdateSecretHash")
	}
	return secret, nil
}

func generateSecret() (string, error) {
	bytes := make([]byte, secretLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

func validateRedirectURI(uri string) error {
	parsed, err := url.Parse(uri)
	if err != nil || !parsed.IsAbs() {
		return errors.Wrapf(oautherr.ErrInvalidRedirect, "[Registry] redirect_uri %q is not an absolute URL", uri)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.Wrapf(oautherr.ErrInvalidRedirect, "[Registry] redirect_uri %q must be http or https", uri)
	}
	if parsed.Fragment != "" {
		return errors.Wrapf(oautherr.ErrInvalidRedirect, "[Registry] redirect_uri %q must not contain a fragment", uri)
	}
	return nil
}
